package util

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// TagDefault is the tag name for a default value of a field as recognized
	// by RegisterFlags.
	TagDefault = "def"
	// TagHelp is the tag name for a help message of a field as recognized
	// by RegisterFlags.
	TagHelp = "help"
	// TagOpt is the tag name for a one character option of a field as recognized
	// by RegisterFlags. For example, a value of "d" reserves "-d" for the
	// command line argument.
	TagOpt = "opt"
	// TagSkip is the tag name which causes the field, and anything below it,
	// to be skipped by RegisterFlags.
	TagSkip = "skip"
	// TagHide is the tag name which hides the field, and anything below it,
	// from the usage message
	TagHide = "hide"
)

var durationType = reflect.TypeOf(time.Duration(0))

// field is a leaf of a configuration struct
type field struct {
	path   string
	tag    reflect.StructTag
	addr   interface{}
	hidden bool
}

// RegisterFlags registers a flag for every supported leaf field of the
// struct pointed to by cfg and binds it to v. Flags are named after the
// lower cased field path, e.g. "ca.csr.cn". Pointers to structs are
// allocated so that flags bind to cfg itself.
//
// tags overrides struct tags, keyed by "<tag>.<path>" such as "help.ca.name".
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet, cfg interface{}, tags map[string]string) error {
	val := reflect.ValueOf(cfg)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return errors.Errorf("Expected a pointer to a struct, got %T", cfg)
	}

	return walk(val.Elem(), "", false, tags, func(f *field) error {
		err := registerFlag(flags, f, tags)
		if err != nil {
			return err
		}
		flag := flags.Lookup(f.path)
		if flag == nil {
			// unsupported kind
			return nil
		}
		if f.hidden {
			flags.MarkHidden(f.path)
		}
		return v.BindPFlag(f.path, flag)
	})
}

func walk(v reflect.Value, prefix string, hidden bool, tags map[string]string, cb func(*field) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		path := strings.ToLower(sf.Name)
		if prefix != "" {
			path = prefix + "." + path
		}
		if tagValue(sf.Tag, TagSkip, path, tags) == "true" {
			continue
		}
		hide := hidden
		if h, err := strconv.ParseBool(tagValue(sf.Tag, TagHide, path, tags)); err == nil && h {
			hide = true
		}

		fv := v.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			err := walk(fv, path, hide, tags, cb)
			if err != nil {
				return err
			}
		case fv.Kind() == reflect.Ptr && fv.Type().Elem().Kind() == reflect.Struct:
			if fv.IsNil() {
				fv.Set(reflect.New(fv.Type().Elem()))
			}
			err := walk(fv.Elem(), path, hide, tags, cb)
			if err != nil {
				return err
			}
		default:
			err := cb(&field{path: path, tag: sf.Tag, addr: fv.Addr().Interface(), hidden: hide})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func registerFlag(flags *pflag.FlagSet, f *field, tags map[string]string) (err error) {
	help := tagValue(f.tag, TagHelp, f.path, tags)
	opt := tagValue(f.tag, TagOpt, f.path, tags)
	def := tagValue(f.tag, TagDefault, f.path, tags)

	supported := true
	switch p := f.addr.(type) {
	case *string:
		flags.StringVarP(p, f.path, opt, def, help)
	case *int:
		var d int
		if def != "" {
			d, err = strconv.Atoi(def)
		}
		flags.IntVarP(p, f.path, opt, d, help)
	case *bool:
		var d bool
		if def != "" {
			d, err = strconv.ParseBool(def)
		}
		flags.BoolVarP(p, f.path, opt, d, help)
	case *time.Duration:
		var d time.Duration
		if def != "" {
			d, err = time.ParseDuration(def)
		}
		flags.DurationVarP(p, f.path, opt, d, help)
	case *[]string:
		flags.StringSliceVarP(p, f.path, opt, nil, help)
	default:
		supported = false
		log.Debugf("Not registering flag for '%s' of unsupported type %T", f.path, f.addr)
	}
	if err != nil {
		return errors.Errorf("Invalid value '%s' in 'def' tag of %s field", def, f.path)
	}
	if supported && help == "" && !f.hidden {
		return errors.Errorf("Field is missing a help tag: %s", f.path)
	}
	return nil
}

func tagValue(tag reflect.StructTag, name, path string, tags map[string]string) string {
	if v, ok := tags[fmt.Sprintf("%s.%s", name, path)]; ok {
		return v
	}
	return tag.Get(name)
}
