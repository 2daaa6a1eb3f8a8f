package rxparse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/drfirst/go-rxparse/internal/refdata"
)

// trailing words dropped from a name before a second generic lookup
var nameSuffixes = map[string]bool{
	"tablet": true, "tablets": true, "tab": true, "tabs": true, "capsule": true, "capsules": true,
	"caps": true, "cream": true, "ointment": true, "gel": true, "syrup": true, "suspension": true,
	"solution": true, "drops": true, "inhaler": true, "evohaler": true, "accuhaler": true,
	"turbuhaler": true, "pen": true, "penfill": true, "flexpen": true, "flextouch": true,
	"solostar": true, "kwikpen": true, "injection": true, "vial": true, "xr": true, "sr": true,
	"cr": true, "er": true, "xl": true, "la": true, "mr": true, "cd": true, "retard": true,
	"forte": true, "hcl": true, "hydrochloride": true, "sodium": true, "potassium": true,
	"tablette": true, "kapsules": true, "salf": true, "stroop": true, "emulgel": true,
}

var (
	abbrevTokenRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9.]*`)
	icdCandRe     = regexp.MustCompile(`\b[A-Z]\d{1,3}(?:\.[0-9A-Z]{1,5})?\b`)
	dxContextRe   = regexp.MustCompile(`(?i)\b(?:icd(?:-?10)?|diagnos[ie]s|diagnose|diagnosis|dx|diag|kode)\b`)
)

type lookupKey struct {
	key  string
	conf float64
}

// resolveGeneric maps a brand or generic name to its generic. An unknown name
// yields an empty value at confidence 0 without failing the medication.
func resolveGeneric(ref *refdata.ReferenceData, name Field[string]) Field[string] {
	if name.Value == "" {
		return missing[string]("no name to resolve")
	}

	candidates := []lookupKey{{name.Value, confExact}}
	words := strings.Fields(name.Value)
	for len(words) > 1 && nameSuffixes[strings.ToLower(strings.Trim(words[len(words)-1], ".()"))] {
		words = words[:len(words)-1]
		candidates = append(candidates, lookupKey{strings.Join(words, " "), confStrong})
	}
	if len(words) > 1 {
		candidates = append(candidates, lookupKey{words[0], 0.8})
	}

	for _, c := range candidates {
		if b, ok := ref.Brand(c.key); ok {
			return found(b.Generic, c.conf, name.Value)
		}
		if g, ok := ref.IsGeneric(c.key); ok {
			return found(g, c.conf, name.Value)
		}
	}
	return missing[string](fmt.Sprintf("no generic name found for %q", name.Value))
}

// brandForm returns the reference dosage form of a brand, if recorded
func brandForm(ref *refdata.ReferenceData, name string) MedicationType {
	words := strings.Fields(name)
	for len(words) > 0 {
		if b, ok := ref.Brand(strings.Join(words, " ")); ok {
			return MedicationType(b.Form)
		}
		words = words[:len(words)-1]
	}
	return ""
}

// expandAbbreviations appends the locale expansions of known abbreviations
// after the original text, which is kept as written
func expandAbbreviations(ref *refdata.ReferenceData, f Field[string], locale Locale) Field[string] {
	if f.Value == "" {
		return f
	}
	seen := make(map[string]bool)
	var expansions []string
	for _, tok := range abbrevTokenRe.FindAllString(f.Value, -1) {
		key := strings.ToLower(strings.ReplaceAll(tok, ".", ""))
		if seen[key] {
			continue
		}
		a, ok := ref.Abbreviation(key)
		if !ok {
			continue
		}
		seen[key] = true
		expansions = append(expansions, strings.ToLower(tok)+" = "+a.Expansion(string(locale)))
	}
	if len(expansions) == 0 {
		return f
	}
	out := f
	out.SourceText = f.Value
	out.Value = f.Value + " (" + strings.Join(expansions, "; ") + ")"
	return out
}

// extractICD10 scans the whole prescription for diagnosis codes. Known codes
// carry their description; unknown well-formed codes are kept with a warning;
// malformed codes are reported and left out.
func extractICD10(ref *refdata.ReferenceData, text string) (codes []Field[ICD10Code], warnings, errs []string) {
	codes = []Field[ICD10Code]{}
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		dx := dxContextRe.MatchString(line)
		for _, cand := range icdCandRe.FindAllString(line, -1) {
			if seen[cand] {
				continue
			}
			_, known := ref.ICD10(cand)
			if !dx && !known && !strings.Contains(cand, ".") {
				continue
			}
			seen[cand] = true

			if !refdata.WellFormedICD10(cand) {
				errs = append(errs, fmt.Sprintf("malformed ICD-10 code %q", cand))
				continue
			}
			if entry, ok := ref.ICD10(cand); ok {
				codes = append(codes, found(ICD10Code{
					Code:        entry.Code,
					Description: entry.Description,
					Category:    entry.Category,
				}, confStrong, cand))
				continue
			}
			f := found(ICD10Code{Code: cand, Category: refdata.Chapter(cand)}, 0.5, cand)
			f.ValidationErrors = append(f.ValidationErrors, "unknown_code")
			codes = append(codes, f)
			warnings = append(warnings, fmt.Sprintf("unknown_code: ICD-10 code %s is not in the reference table", cand))
		}
	}
	return codes, warnings, errs
}
