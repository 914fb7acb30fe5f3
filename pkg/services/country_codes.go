package services

import (
	"regexp"
	"sort"
)

// gssCode matches GSS-style statistical codes (one letter, eight digits).
// Only these carry a country prefix; postcodes and ad-hoc codes do not.
var gssCode = regexp.MustCompile(`^[A-Z][0-9]{8}$`)

// CountryInference fills in a country area set entry when a containment
// cascade could not resolve one directly. GSS-style area codes carry their
// country in the first letter, so the mapping is a fixed lookup table.
//
// The table is UK-shaped (E/W/S/N prefixes). Correctness for edge
// territories such as the Isle of Man or the Channel Islands is not
// established, which is why the table is injected rather than hard-coded
// at the call site.
type CountryInference struct {
	// SetCode is the area set the inferred code is written under.
	SetCode string
	// Prefixes maps the first letter of a parent area code to the fixed
	// country code.
	Prefixes map[string]string
}

// DefaultCountryInference returns the standard GSS country mapping.
func DefaultCountryInference() CountryInference {
	return CountryInference{
		SetCode: "CTRY",
		Prefixes: map[string]string{
			"E": "E92000001", // England
			"W": "W92000004", // Wales
			"S": "S92000003", // Scotland
			"N": "N92000002", // Northern Ireland
		},
	}
}

// Apply infers a country entry from the parent codes already present in
// areas. A directly resolved entry is never overwritten. Parent sets are
// scanned in sorted order so the outcome does not depend on map iteration.
func (c CountryInference) Apply(areas map[string]string) {
	if c.SetCode == "" || len(c.Prefixes) == 0 {
		return
	}
	if _, ok := areas[c.SetCode]; ok {
		return
	}

	sets := make([]string, 0, len(areas))
	for set := range areas {
		if set == c.SetCode {
			continue
		}
		sets = append(sets, set)
	}
	sort.Strings(sets)

	for _, set := range sets {
		code := areas[set]
		if !gssCode.MatchString(code) {
			continue
		}
		if country, ok := c.Prefixes[code[:1]]; ok {
			areas[c.SetCode] = country
			return
		}
	}
}
