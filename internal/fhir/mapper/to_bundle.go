// Package mapper exports parsed prescriptions as FHIR R5 resources.
package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	fhir "github.com/drfirst/go-rxparse/internal/fhir/r5"
	"github.com/drfirst/go-rxparse/internal/rxparse"
)

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// BundleMapper builds a collection Bundle from one parse result
type BundleMapper struct {
	// NewID returns the id used for each resource and its urn:uuid fullUrl
	NewID func() string
	// Now stamps the bundle
	Now func() time.Time
}

// NewBundleMapper creates a mapper with random UUIDs and the wall clock
func NewBundleMapper() *BundleMapper {
	return &BundleMapper{
		NewID: func() string { return uuid.New().String() },
		Now:   time.Now,
	}
}

// ToBundle maps p with a default BundleMapper
func ToBundle(p *rxparse.ParsedPrescription) (*fhir.Bundle, error) {
	return NewBundleMapper().ToBundle(p)
}

// ToBundle returns a Patient, an optional Practitioner and one
// MedicationRequest per medication. Only accepted prescriptions become
// active orders; everything else is exported as a draft proposal.
func (m *BundleMapper) ToBundle(p *rxparse.ParsedPrescription) (*fhir.Bundle, error) {
	if p == nil {
		return nil, &MapError{Field: "ParsedPrescription", Code: "NULL_INPUT", Message: "parsed prescription is required"}
	}
	if p.Outcome == "" {
		return nil, &MapError{Field: "Outcome", Code: "NOT_ASSEMBLED", Message: "prescription has no outcome"}
	}

	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           m.NewID(),
		Type:         "collection",
		Timestamp:    m.Now().UTC().Format(time.RFC3339),
		Meta: &fhir.Meta{
			Source: "rxparse",
			Tag:    []fhir.Coding{{System: fhir.SystemParseOutcome, Code: string(p.Outcome)}},
		},
	}
	if p.ReferenceVersion != "" {
		bundle.Meta.VersionID = p.ReferenceVersion
	}

	patient := mapPatient(p.Patient)
	patient.ID = m.NewID()
	patientURL := "urn:uuid:" + patient.ID
	bundle.Entry = append(bundle.Entry, fhir.BundleEntry{FullURL: patientURL, Resource: patient})

	var requester *fhir.Reference
	if practitioner := mapPractitioner(p.Doctor); practitioner != nil {
		practitioner.ID = m.NewID()
		url := "urn:uuid:" + practitioner.ID
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{FullURL: url, Resource: practitioner})
		requester = &fhir.Reference{Reference: url, Type: "Practitioner", Display: p.Doctor.Name.Value}
	}

	reasons := mapReasons(p.ICD10Codes)
	status, intent := fhir.StatusDraft, fhir.IntentProposal
	if p.Outcome == rxparse.OutcomeAccepted {
		status, intent = fhir.StatusActive, fhir.IntentOrder
	}
	authored := ""
	if d := p.PrescriptionDate.Value; d != "" {
		if _, err := time.Parse("2006-01-02", d); err == nil {
			authored = d
		}
	}

	for i := range p.Medications {
		med := &p.Medications[i]
		mr := mapMedication(med)
		mr.ID = m.NewID()
		mr.Status = status
		mr.Intent = intent
		mr.Subject = fhir.Reference{Reference: patientURL, Type: "Patient", Display: p.Patient.Name.Value}
		mr.Requester = requester
		mr.AuthoredOn = authored
		mr.Reason = reasons
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{FullURL: "urn:uuid:" + mr.ID, Resource: mr})
	}
	return bundle, nil
}

func mapPatient(pi rxparse.PatientInfo) *fhir.Patient {
	patient := &fhir.Patient{ResourceType: "Patient"}
	if pi.IDNumber.Value != "" {
		patient.Identifier = append(patient.Identifier, fhir.Identifier{
			Use:    "official",
			Type:   &fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemV2Table0203, Code: "NI"}}},
			System: fhir.SystemSAIDNumber,
			Value:  pi.IDNumber.Value,
		})
	}
	if pi.MedicalAid.Value != "" {
		patient.Identifier = append(patient.Identifier, fhir.Identifier{
			Use:   "secondary",
			Type:  &fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemV2Table0203, Code: "MB"}}, Text: "Medical aid"},
			Value: pi.MedicalAid.Value,
		})
	}
	if pi.Name.Value != "" {
		patient.Name = []fhir.HumanName{{Use: "official", Text: pi.Name.Value}}
	}
	patient.BirthDate = pi.DateOfBirth.Value
	return patient
}

func mapPractitioner(d rxparse.DoctorInfo) *fhir.Practitioner {
	if d.Name.Value == "" && d.PracticeNumber.Value == "" {
		return nil
	}
	pr := &fhir.Practitioner{ResourceType: "Practitioner"}
	if d.PracticeNumber.Value != "" {
		pr.Identifier = []fhir.Identifier{{System: fhir.SystemPracticeNumber, Value: d.PracticeNumber.Value}}
	}
	if d.Name.Value != "" {
		pr.Name = []fhir.HumanName{{Text: d.Name.Value}}
	}
	if d.Phone.Value != "" {
		pr.Telecom = []fhir.ContactPoint{{System: "phone", Value: d.Phone.Value, Use: "work"}}
	}
	if d.Qualification.Value != "" {
		pr.Qualification = []fhir.PractitionerQualification{{Code: fhir.CodeableConcept{Text: d.Qualification.Value}}}
	}
	return pr
}

func mapReasons(codes []rxparse.Field[rxparse.ICD10Code]) []fhir.CodeableReference {
	var out []fhir.CodeableReference
	for _, c := range codes {
		if c.Value.Code == "" {
			continue
		}
		out = append(out, fhir.CodeableReference{Concept: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemICD10, Code: c.Value.Code, Display: c.Value.Description}},
			Text:   c.Value.Description,
		}})
	}
	return out
}

func mapMedication(med *rxparse.ParsedMedication) *fhir.MedicationRequest {
	concept := &fhir.CodeableConcept{Text: med.Name.Value}
	if concept.Text == "" {
		concept.Text = med.SourceText
	}
	if g := med.GenericName.Value; g != "" {
		concept.Coding = []fhir.Coding{{System: fhir.SystemGenericName, Code: strings.ToLower(g), Display: g}}
	}
	if s := med.Strength.Value.String(); s != "" && med.Name.Value != "" {
		concept.Text = med.Name.Value + " " + s
	}

	conf := med.Confidence
	mr := &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		Identifier:   []fhir.Identifier{{System: "urn:ietf:rfc:3986", Value: fmt.Sprintf("urn:rxparse:medication:%d", med.Index)}},
		Extension:    []fhir.Extension{{URL: fhir.ExtParseConfidence, ValueDecimal: &conf}},
		Medication:   fhir.CodeableReference{Concept: concept},
	}
	for _, w := range med.Warnings {
		mr.Extension = append(mr.Extension, fhir.Extension{URL: fhir.ExtParseWarning, ValueString: w})
	}

	dosage := fhir.Dosage{
		Sequence:           1,
		Text:               med.SourceText,
		PatientInstruction: med.Instructions.Value,
		AsNeeded:           med.AsNeeded.Value,
		Timing:             mapTiming(med),
	}
	if route := routeFor(med.MedicationType.Value); route != "" {
		dosage.Route = &fhir.CodeableConcept{Text: route}
	}
	if med.DosageAmount.Found() {
		dosage.DoseAndRate = []fhir.DoseAndRate{{DoseQuantity: &fhir.Quantity{
			Value: med.DosageAmount.Value,
			Unit:  med.DosageUnit.Value,
		}}}
	}
	mr.DosageInstruction = []fhir.Dosage{dosage}

	if med.Quantity.Found() || med.Repeats.Value > 0 {
		dr := &fhir.DispenseRequest{NumberOfRepeatsAllowed: med.Repeats.Value}
		if med.Quantity.Found() {
			dr.Quantity = &fhir.Quantity{Value: float64(med.Quantity.Value), Unit: med.DosageUnit.Value}
		}
		mr.DispenseRequest = dr
	}
	return mr
}

var whenCodes = map[rxparse.Timing]string{
	rxparse.TimingMorning: "MORN",
	rxparse.TimingNoon:    "NOON",
	rxparse.TimingEvening: "EVE",
	rxparse.TimingNight:   "NIGHT",
}

var dayCodes = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// mapTiming turns the derived schedule into a Timing. FHIR forbids mixing
// timeOfDay and when, so one custom time moves every slot to timeOfDay.
func mapTiming(med *rxparse.ParsedMedication) *fhir.Timing {
	if len(med.Schedule) == 0 {
		return nil
	}

	repeat := &fhir.TimingRepeat{Frequency: len(med.Schedule), Period: 1, PeriodUnit: "d"}
	switch med.Cadence.Value {
	case rxparse.CadenceWeekly:
		repeat.PeriodUnit = "wk"
		for d, on := range med.Schedule[0].DaysOfWeek {
			if on {
				repeat.DayOfWeek = append(repeat.DayOfWeek, dayCodes[d])
			}
		}
	case rxparse.CadenceMonthly:
		repeat.PeriodUnit = "mo"
	}

	custom := false
	for _, e := range med.Schedule {
		if e.CustomTime != nil {
			custom = true
			break
		}
	}
	for _, e := range med.Schedule {
		if custom {
			repeat.TimeOfDay = append(repeat.TimeOfDay, e.DisplayTime().String()+":00")
		} else if code, ok := whenCodes[e.Timing]; ok {
			repeat.When = append(repeat.When, code)
		}
	}
	return &fhir.Timing{Repeat: repeat}
}

func routeFor(t rxparse.MedicationType) string {
	switch t {
	case rxparse.TypeTablet, rxparse.TypeLiquid:
		return "oral"
	case rxparse.TypeInjection:
		return "subcutaneous"
	case rxparse.TypeInhaler:
		return "inhalation"
	case rxparse.TypeTopical:
		return "topical"
	case rxparse.TypeDrops:
		return "drops"
	}
	return ""
}
