package domain

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"sort"
	"strings"
)

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidProvince           = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
)

// Attributes not listed here sort first.
var attributeOrder = []struct {
	oid  asn1.ObjectIdentifier
	name string
}{
	{oidCommonName, "CN"},
	{oidProvince, "ST"},
	{oidOrganizationalUnit, "OU"},
	{oidOrganization, "O"},
	{oidLocality, "L"},
	{oidCountry, "C"},
}

type rdn struct {
	rank  int
	key   string
	value string
}

// CanonicalSubject renders a distinguished name in a stable form: attributes
// ordered CN, ST, OU, O, L, C (unknown attributes first, by OID), then by
// value, joined with commas.
func CanonicalSubject(name pkix.Name) string {
	var rdns []rdn
	for _, atv := range name.Names {
		rank, key := -1, atv.Type.String()
		for i, a := range attributeOrder {
			if a.oid.Equal(atv.Type) {
				rank, key = i, a.name
				break
			}
		}
		value, ok := atv.Value.(string)
		if !ok {
			continue
		}
		rdns = append(rdns, rdn{rank: rank, key: key, value: value})
	}
	if len(rdns) == 0 {
		return name.String()
	}

	sort.SliceStable(rdns, func(i, j int) bool {
		if rdns[i].rank != rdns[j].rank {
			return rdns[i].rank < rdns[j].rank
		}
		if rdns[i].key != rdns[j].key {
			return rdns[i].key < rdns[j].key
		}
		return rdns[i].value < rdns[j].value
	})

	parts := make([]string, len(rdns))
	for i, r := range rdns {
		parts[i] = r.key + "=" + escapeValue(r.value)
	}
	return strings.Join(parts, ",")
}

func escapeValue(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;`, r):
			b.WriteByte('\\')
		case i == 0 && (r == ' ' || r == '#'):
			b.WriteByte('\\')
		case i == len(v)-1 && r == ' ':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
