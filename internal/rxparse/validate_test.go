package rxparse

import (
	"math"
	"testing"
)

func panado(doseUnit string) *ParsedMedication {
	return &ParsedMedication{
		Index:      1,
		Name:       found("Panado", confExact, "Panado"),
		Strength:   found(Strength{Amount: 500, Unit: "mg"}, confExact, "500mg"),
		DosageUnit: found(doseUnit, confExact, "2 "+doseUnit),
	}
}

func TestValidateMedicationUnitMismatch(t *testing.T) {
	m := panado("ml")

	validateMedication(m)

	if !containsSubstring(m.DosageUnit.ValidationErrors, `dosage unit "ml" does not match strength unit "mg"`) {
		t.Errorf("validation errors = %v", m.DosageUnit.ValidationErrors)
	}
	if want := confExact * unitMismatchFactor; math.Abs(m.DosageUnit.Confidence-want) > 1e-9 {
		t.Errorf("dosage unit confidence = %v, want %v", m.DosageUnit.Confidence, want)
	}
	if !containsSubstring(m.Warnings, "medication 1 (Panado): dosage unit") {
		t.Errorf("expected medication warning, got %v", m.Warnings)
	}
	if m.Strength.Confidence != confExact {
		t.Errorf("strength confidence changed to %v", m.Strength.Confidence)
	}
}

func TestValidateMedicationCompatibleUnits(t *testing.T) {
	tests := []struct {
		strength string
		dose     string
	}{
		{"mg", "tablet"},
		{"mg/5ml", "ml"},
		{"%", "application"},
		{"mmol", "ml"},
	}

	for _, tt := range tests {
		t.Run(tt.strength+" with "+tt.dose, func(t *testing.T) {
			m := panado(tt.dose)
			m.Strength.Value.Unit = tt.strength

			validateMedication(m)

			if len(m.DosageUnit.ValidationErrors) != 0 || len(m.Warnings) != 0 {
				t.Errorf("unexpected findings: %v %v", m.DosageUnit.ValidationErrors, m.Warnings)
			}
			if m.DosageUnit.Confidence != confExact {
				t.Errorf("confidence = %v, want %v", m.DosageUnit.Confidence, confExact)
			}
		})
	}
}
