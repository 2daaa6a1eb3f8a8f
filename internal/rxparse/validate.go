package rxparse

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-rxparse/internal/refdata"
)

const (
	maxRepeats         = 12
	repeatsPenaltyConf = 0.2
	unitMismatchFactor = 0.7
)

// dosage units that make sense for each strength unit
var compatibleUnits = map[string][]string{
	"mg":       {"tablet", "capsule", "sachet", "puff"},
	"mcg":      {"tablet", "capsule", "sachet", "puff"},
	"g":        {"tablet", "capsule", "sachet", "application"},
	"units/ml": {"units", "ml"},
	"IU/ml":    {"units", "ml"},
	"mg/ml":    {"ml", "drop"},
	"mg/5ml":   {"ml"},
	"IU":       {"tablet", "capsule", "units", "drop"},
	"%":        {"application", "drop", "ml", "puff"},
}

func unitsCompatible(strengthUnit, doseUnit string) bool {
	allowed, ok := compatibleUnits[strengthUnit]
	if !ok {
		return true
	}
	for _, u := range allowed {
		if u == doseUnit {
			return true
		}
	}
	return false
}

// validateMedication runs the per-medication range and consistency checks.
// Failures lower confidence and are recorded; nothing is discarded.
func validateMedication(m *ParsedMedication) {
	if strings.TrimSpace(m.Name.Value) == "" && len(m.Name.ValidationErrors) == 0 {
		m.Name.flag("name is required", 0)
	}

	if m.Strength.Found() && m.DosageUnit.Found() && !unitsCompatible(m.Strength.Value.Unit, m.DosageUnit.Value) {
		msg := fmt.Sprintf("dosage unit %q does not match strength unit %q", m.DosageUnit.Value, m.Strength.Value.Unit)
		m.DosageUnit.flag(msg, unitMismatchFactor)
		m.warn("%s: %s", m.Label(), msg)
	}

	if r := m.Repeats.Value; r < 0 || r > maxRepeats {
		m.Repeats.ValidationErrors = append(m.Repeats.ValidationErrors,
			fmt.Sprintf("repeats %d outside allowed range 0-%d", r, maxRepeats))
		m.Repeats.capConfidence(repeatsPenaltyConf)
	}

	if m.Quantity.Found() {
		switch q := m.Quantity.Value; {
		case q <= 0:
			m.Quantity.flag("quantity must be positive", 0.5)
		case q > 1000:
			m.warn("%s: quantity %d is outside the plausible range 1-1000", m.Label(), q)
		}
	}

	if m.DosageAmount.Found() && m.DosageAmount.Value <= 0 {
		m.DosageAmount.flag("dosage amount must be positive", 0.5)
	}
}

// validatePrescription runs the checks that span medications: duplicates,
// drug interactions and contraindications against the diagnosed conditions
func validatePrescription(p *ParsedPrescription, ref *refdata.ReferenceData) {
	if len(p.Medications) == 0 {
		p.ParsingErrors = append(p.ParsingErrors, "no medication entries found")
	}

	seen := make(map[string]int)
	for _, m := range p.Medications {
		key := strings.ToLower(strings.TrimSpace(m.Name.Value))
		if key == "" {
			continue
		}
		if first, dup := seen[key]; dup {
			p.warn("duplicate medication %q (entries %d and %d)", m.Name.Value, first, m.Index)
			continue
		}
		seen[key] = m.Index
	}

	generics := make([]string, 0, len(p.Medications))
	for _, m := range p.Medications {
		if m.GenericName.Value != "" && !containsFold(generics, m.GenericName.Value) {
			generics = append(generics, m.GenericName.Value)
		}
	}
	for i := 0; i < len(generics); i++ {
		for j := i + 1; j < len(generics); j++ {
			if in, ok := ref.Interaction(generics[i], generics[j]); ok {
				p.warn("interaction (%s): %s + %s: %s", in.Severity, generics[i], generics[j], in.Description)
			}
		}
	}

	for _, g := range generics {
		for _, c := range ref.Contraindications(g) {
			for _, code := range p.ICD10Codes {
				if strings.HasPrefix(code.Value.Code, c.CodePrefix) {
					p.warn("contraindication (%s): %s with %s (%s)", c.Severity, g, code.Value.Code, c.Condition)
					break
				}
			}
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}
