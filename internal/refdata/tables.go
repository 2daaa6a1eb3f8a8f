// Package refdata holds the immutable lookup tables used by the prescription parser:
// brand to generic names, bilingual abbreviation expansions, ICD-10 descriptions,
// drug interactions and contraindications.
package refdata

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity grades interactions and contraindications
type Severity string

const (
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeverityMajor, SeverityContraindicated:
		return true
	}
	return false
}

// Brand maps a trade name to its generic name
type Brand struct {
	Name    string `yaml:"name" json:"name"`
	Generic string `yaml:"generic" json:"generic"`
	Form    string `yaml:"form,omitempty" json:"form,omitempty"`
}

// Abbreviation is a prescribing shorthand with its English and Afrikaans expansions
type Abbreviation struct {
	Token     string `yaml:"token" json:"token"`
	English   string `yaml:"en" json:"en"`
	Afrikaans string `yaml:"af" json:"af"`
}

// Expansion returns the expansion for the locale, falling back to English
func (a Abbreviation) Expansion(locale string) string {
	if locale == "af" && a.Afrikaans != "" {
		return a.Afrikaans
	}
	return a.English
}

// ICD10Entry is a known diagnosis code
type ICD10Entry struct {
	Code        string `yaml:"code" json:"code"`
	Description string `yaml:"description" json:"description"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
}

// Interaction is a known drug-drug interaction between two generics
type Interaction struct {
	DrugA       string   `yaml:"drug_a" json:"drug_a"`
	DrugB       string   `yaml:"drug_b" json:"drug_b"`
	Severity    Severity `yaml:"severity" json:"severity"`
	Description string   `yaml:"description" json:"description"`
}

// Contraindication flags a generic that should not be used with a condition.
// CodePrefix matches ICD-10 codes by prefix ("N18" matches "N18.3").
type Contraindication struct {
	Drug       string   `yaml:"drug" json:"drug"`
	CodePrefix string   `yaml:"code_prefix" json:"code_prefix"`
	Condition  string   `yaml:"condition" json:"condition"`
	Severity   Severity `yaml:"severity" json:"severity"`
}

// Tables is the serialized form of the reference data
type Tables struct {
	Version           string             `yaml:"version"`
	Brands            []Brand            `yaml:"brands"`
	Abbreviations     []Abbreviation     `yaml:"abbreviations"`
	ICD10             []ICD10Entry       `yaml:"icd10"`
	Interactions      []Interaction      `yaml:"interactions"`
	Contraindications []Contraindication `yaml:"contraindications"`
}

var icd10Pattern = regexp.MustCompile(`^[A-Z][0-9]{2}(\.[0-9A-Z]{1,4})?$`)

// WellFormedICD10 reports whether code has the letter, two digits, optional
// dot-suffix shape of an ICD-10 code
func WellFormedICD10(code string) bool {
	return icd10Pattern.MatchString(code)
}

// Decode reads YAML tables, rejecting unknown keys
func Decode(r io.Reader) (Tables, error) {
	var t Tables
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Tables{}, fmt.Errorf("decode reference tables: %w", err)
	}
	return t, nil
}

// LoadTablesFile reads tables from a YAML file without validating them
func LoadTablesFile(path string) (Tables, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read reference file: %w", err)
	}
	return Decode(bytes.NewReader(raw))
}

// LoadFile reads and validates tables from a YAML file
func LoadFile(path string) (*ReferenceData, error) {
	t, err := LoadTablesFile(path)
	if err != nil {
		return nil, err
	}
	return Build(t)
}

// ValidationError lists every problem found while building reference data
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid reference tables: %s", strings.Join(e.Problems, "; "))
}

func normKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
