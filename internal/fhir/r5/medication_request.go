package r5

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Meta         *Meta       `json:"meta,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Status string `json:"status"`
	// proposal | plan | order | original-order | reflex-order | filler-order | instance-order | option
	Intent string `json:"intent"`

	Medication CodeableReference   `json:"medication"`
	Subject    Reference           `json:"subject"`
	AuthoredOn string              `json:"authoredOn,omitempty"`
	Requester  *Reference          `json:"requester,omitempty"`
	Reason     []CodeableReference `json:"reason,omitempty"`
	Note       []Annotation        `json:"note,omitempty"`

	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int              `json:"sequence,omitempty"`
	Text               string           `json:"text,omitempty"`
	PatientInstruction string           `json:"patientInstruction,omitempty"`
	Timing             *Timing          `json:"timing,omitempty"`
	AsNeeded           bool             `json:"asNeeded,omitempty"`
	Route              *CodeableConcept `json:"route,omitempty"`
	DoseAndRate        []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	Frequency  int      `json:"frequency,omitempty"`
	Period     float64  `json:"period,omitempty"`
	PeriodUnit string   `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	DayOfWeek  []string `json:"dayOfWeek,omitempty"`
	TimeOfDay  []string `json:"timeOfDay,omitempty"`
	When       []string `json:"when,omitempty"`
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept == nil {
		return ""
	}
	if m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].Display
	}
	return ""
}

// Confidence returns the parse-confidence extension value
func (m *MedicationRequest) Confidence() (float64, bool) {
	for _, ext := range m.Extension {
		if ext.URL == ExtParseConfidence && ext.ValueDecimal != nil {
			return *ext.ValueDecimal, true
		}
	}
	return 0, false
}
