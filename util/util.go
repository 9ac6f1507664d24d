package util

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// FileExists checks to see if a file exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// MakeFileNamesAbsolute makes all file names in the list absolute, relative to home
func MakeFileNamesAbsolute(files []*string, home string) error {
	for _, filePtr := range files {
		abs, err := MakeFileAbs(*filePtr, home)
		if err != nil {
			return err
		}
		*filePtr = abs
	}
	return nil
}

// MakeFileAbs makes 'file' absolute relative to 'dir' if not already absolute
func MakeFileAbs(file, dir string) (string, error) {
	if file == "" {
		return "", nil
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	path, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return "", errors.Wrapf(err, "Failed making '%s' absolute based on '%s'", file, dir)
	}
	return path, nil
}

// URLRegex is the regular expression to check if a value is an URL
var URLRegex = regexp.MustCompile("(\\w+)://(\\S+):(\\S+)@")

// DSNRegex matches the credentials of a MySQL data source name
var DSNRegex = regexp.MustCompile("^(\\S+):(\\S+)@")

// GetMaskedURL returns masked URL. It masks username and password from the URL if present
func GetMaskedURL(url string) string {
	re := URLRegex
	if !re.MatchString(url) {
		re = DSNRegex
	}
	matches := re.FindStringSubmatch(url)
	if len(matches) == 3 || len(matches) == 4 {
		matchIdxs := re.FindStringSubmatchIndex(url)
		matchStr := url[matchIdxs[0]:matchIdxs[1]]
		for idx := len(matches) - 2; idx < len(matches); idx++ {
			if matches[idx] != "" {
				matchStr = strings.Replace(matchStr, matches[idx], "****", 1)
			}
		}
		url = url[:matchIdxs[0]] + matchStr + url[matchIdxs[1]:]
	}
	return url
}

// WriteFile writes a file
func WriteFile(file string, buf []byte, perm os.FileMode) error {
	dir := filepath.Dir(file)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return errors.Wrapf(err, "Failed to create directory '%s' for file '%s'", dir, file)
		}
	}
	return os.WriteFile(file, buf, perm)
}

// NormalizeStringSlice checks for seperators
func NormalizeStringSlice(slice []string) []string {
	var normalizeSlice []string

	if len(slice) > 0 {
		for _, item := range slice {
			if strings.HasPrefix(item, "[") && strings.HasSuffix(item, "]") {
				item = item[1 : len(item)-1]
			}

			if strings.Contains(item, ",") {
				normalizeSlice = append(normalizeSlice, strings.Split(item, ",")...)
			} else {
				normalizeSlice = append(normalizeSlice, item)
			}
		}
	}
	return normalizeSlice
}

// Read reads from Reader into a byte array
func Read(r io.Reader, data []byte) ([]byte, error) {
	j := 0
	for {
		n, err := r.Read(data[j:])
		j = j + n
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "Read failure")
		}

		if (n == 0 && j == len(data)) || j > len(data) {
			return nil, errors.New("Size of requested data is too large")
		}
	}

	return data[:j], nil
}
