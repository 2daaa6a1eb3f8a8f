package refdata

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed data/reference.yaml
var defaultTables []byte

// ReferenceData is an immutable snapshot of the lookup tables. It is safe for
// concurrent reads from any number of goroutines.
type ReferenceData struct {
	version           string
	brands            map[string]Brand
	generics          map[string]string
	abbreviations     map[string]Abbreviation
	icd10             map[string]ICD10Entry
	interactions      map[[2]string]Interaction
	contraindications map[string][]Contraindication
}

// Default builds the reference data embedded in the binary
func Default() (*ReferenceData, error) {
	t, err := Decode(bytes.NewReader(defaultTables))
	if err != nil {
		return nil, err
	}
	return Build(t)
}

// MustDefault is Default for package initialisation and tests
func MustDefault() *ReferenceData {
	rd, err := Default()
	if err != nil {
		panic(err)
	}
	return rd
}

// Build validates tables and indexes them for lookup
func Build(t Tables) (*ReferenceData, error) {
	var problems []string
	rd := &ReferenceData{
		version:           t.Version,
		brands:            make(map[string]Brand, len(t.Brands)),
		generics:          make(map[string]string, len(t.Brands)),
		abbreviations:     make(map[string]Abbreviation, len(t.Abbreviations)),
		icd10:             make(map[string]ICD10Entry, len(t.ICD10)),
		interactions:      make(map[[2]string]Interaction, len(t.Interactions)),
		contraindications: make(map[string][]Contraindication),
	}

	for _, b := range t.Brands {
		key := normKey(b.Name)
		switch {
		case key == "":
			problems = append(problems, "brand with empty name")
			continue
		case strings.TrimSpace(b.Generic) == "":
			problems = append(problems, fmt.Sprintf("brand %q has no generic", b.Name))
			continue
		}
		if _, dup := rd.brands[key]; dup {
			problems = append(problems, fmt.Sprintf("duplicate brand %q", b.Name))
			continue
		}
		rd.brands[key] = b
		rd.generics[normKey(b.Generic)] = b.Generic
	}

	for _, a := range t.Abbreviations {
		key := normKey(a.Token)
		if key == "" || a.English == "" {
			problems = append(problems, fmt.Sprintf("abbreviation %q needs a token and an English expansion", a.Token))
			continue
		}
		if _, dup := rd.abbreviations[key]; dup {
			problems = append(problems, fmt.Sprintf("duplicate abbreviation %q", a.Token))
			continue
		}
		rd.abbreviations[key] = a
	}

	for _, c := range t.ICD10 {
		if !WellFormedICD10(c.Code) {
			problems = append(problems, fmt.Sprintf("malformed ICD-10 code %q", c.Code))
			continue
		}
		if c.Description == "" {
			problems = append(problems, fmt.Sprintf("ICD-10 code %s has no description", c.Code))
			continue
		}
		if _, dup := rd.icd10[c.Code]; dup {
			problems = append(problems, fmt.Sprintf("duplicate ICD-10 code %s", c.Code))
			continue
		}
		if c.Category == "" {
			c.Category = Chapter(c.Code)
		}
		rd.icd10[c.Code] = c
	}

	for _, in := range t.Interactions {
		if !in.Severity.valid() {
			problems = append(problems, fmt.Sprintf("interaction %s/%s has unknown severity %q", in.DrugA, in.DrugB, in.Severity))
			continue
		}
		rd.interactions[pairKey(in.DrugA, in.DrugB)] = in
	}

	for _, c := range t.Contraindications {
		if !c.Severity.valid() {
			problems = append(problems, fmt.Sprintf("contraindication %s/%s has unknown severity %q", c.Drug, c.CodePrefix, c.Severity))
			continue
		}
		key := normKey(c.Drug)
		rd.contraindications[key] = append(rd.contraindications[key], c)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return rd, nil
}

func pairKey(a, b string) [2]string {
	x, y := normKey(a), normKey(b)
	if x > y {
		x, y = y, x
	}
	return [2]string{x, y}
}

// Current lets a snapshot be used wherever a Source is expected
func (r *ReferenceData) Current() *ReferenceData { return r }

// Version returns the version label of the tables
func (r *ReferenceData) Version() string { return r.version }

// Brand looks up a trade name, case-insensitively
func (r *ReferenceData) Brand(name string) (Brand, bool) {
	b, ok := r.brands[normKey(name)]
	return b, ok
}

// IsGeneric reports whether name is itself a known generic, returning its canonical spelling
func (r *ReferenceData) IsGeneric(name string) (string, bool) {
	g, ok := r.generics[normKey(name)]
	return g, ok
}

// Abbreviation looks up a prescribing abbreviation, case-insensitively
func (r *ReferenceData) Abbreviation(token string) (Abbreviation, bool) {
	a, ok := r.abbreviations[normKey(strings.Trim(token, "."))]
	return a, ok
}

// ICD10 looks up a diagnosis code exactly
func (r *ReferenceData) ICD10(code string) (ICD10Entry, bool) {
	c, ok := r.icd10[code]
	return c, ok
}

// Interaction returns the interaction between two generics in either order
func (r *ReferenceData) Interaction(a, b string) (Interaction, bool) {
	in, ok := r.interactions[pairKey(a, b)]
	return in, ok
}

// Contraindications returns the conditions a generic is contraindicated for
func (r *ReferenceData) Contraindications(drug string) []Contraindication {
	return r.contraindications[normKey(drug)]
}

// AbbreviationTokens returns all abbreviation tokens, sorted
func (r *ReferenceData) AbbreviationTokens() []string {
	tokens := make([]string, 0, len(r.abbreviations))
	for k := range r.abbreviations {
		tokens = append(tokens, k)
	}
	sort.Strings(tokens)
	return tokens
}

// Stats summarises table sizes
type Stats struct {
	Version           string `json:"version"`
	Brands            int    `json:"brands"`
	Abbreviations     int    `json:"abbreviations"`
	ICD10Codes        int    `json:"icd10_codes"`
	Interactions      int    `json:"interactions"`
	Contraindications int    `json:"contraindications"`
}

// Stats returns the table sizes
func (r *ReferenceData) Stats() Stats {
	n := 0
	for _, cs := range r.contraindications {
		n += len(cs)
	}
	return Stats{
		Version:           r.version,
		Brands:            len(r.brands),
		Abbreviations:     len(r.abbreviations),
		ICD10Codes:        len(r.icd10),
		Interactions:      len(r.interactions),
		Contraindications: n,
	}
}
