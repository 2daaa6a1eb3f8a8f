package rxparse

import (
	"errors"
	"strings"
	"time"

	"github.com/drfirst/go-rxparse/internal/refdata"
)

// ErrNilReference is returned by New when no reference data is supplied
var ErrNilReference = errors.New("rxparse: reference data source is nil")

// Parser parses prescriptions against a reference data source. It is safe for
// concurrent use.
type Parser struct {
	source refdata.Source
	now    func() time.Time
}

// New creates a parser reading reference tables from source
func New(source refdata.Source) (*Parser, error) {
	switch s := source.(type) {
	case nil:
		return nil, ErrNilReference
	case *refdata.ReferenceData:
		if s == nil {
			return nil, ErrNilReference
		}
	case *refdata.Store:
		if s == nil {
			return nil, ErrNilReference
		}
	}
	if source.Current() == nil {
		return nil, ErrNilReference
	}
	return &Parser{source: source, now: time.Now}, nil
}

type parseOptions struct {
	threshold    float64
	thresholdSet bool
	parseDate    time.Time
}

// ParseOption adjusts a single parse
type ParseOption func(*parseOptions)

// WithConfidenceThreshold sets the accept threshold; values outside (0,1] fall back to the default
func WithConfidenceThreshold(t float64) ParseOption {
	return func(o *parseOptions) {
		o.threshold = t
		o.thresholdSet = true
	}
}

// WithParseDate fixes the date weekly and monthly schedules are anchored to
func WithParseDate(d time.Time) ParseOption {
	return func(o *parseOptions) {
		o.parseDate = d
	}
}

// Parse turns prescription text into a scored ParsedPrescription. Malformed
// input is reported through warnings, errors and confidence, never a panic.
func (p *Parser) Parse(text string, locale Locale, opts ...ParseOption) *ParsedPrescription {
	o := parseOptions{threshold: DefaultConfidenceThreshold}
	for _, opt := range opts {
		opt(&o)
	}
	if o.parseDate.IsZero() {
		o.parseDate = p.now()
	}

	out := &ParsedPrescription{
		Locale:              locale,
		Medications:         []ParsedMedication{},
		ICD10Codes:          []Field[ICD10Code]{},
		ConfidenceThreshold: o.threshold,
		Warnings:            []string{},
		ParsingErrors:       []string{},
		ValidationErrors:    []string{},
	}
	if o.thresholdSet && (o.threshold <= 0 || o.threshold > 1) {
		out.warn("confidence threshold %v outside (0,1], using %v", o.threshold, DefaultConfidenceThreshold)
		out.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if !locale.Valid() {
		out.warn("unsupported locale %q, using %q", locale, LocaleEnglish)
		out.Locale = LocaleEnglish
	}

	ref := p.source.Current()
	out.ReferenceVersion = ref.Version()

	normalized := Normalize(text)
	if strings.TrimSpace(normalized) == "" {
		out.ParsingErrors = append(out.ParsingErrors, "empty prescription text")
		p.finish(out)
		return out
	}

	seg := Segment(normalized)
	out.Warnings = append(out.Warnings, seg.Warnings...)

	out.Doctor = extractDoctor(seg.Header)
	out.Patient = extractPatient(seg.Header, o.parseDate)
	out.PrescriptionDate = extractPrescriptionDate(seg.Header, out.Patient.DateOfBirth.Value)

	for _, b := range seg.Blocks {
		m := parseMedication(ref, b, out.Locale, o.parseDate)
		if !m.Name.Found() {
			out.ParsingErrors = append(out.ParsingErrors, m.Label()+": could not determine the medication name")
		}
		out.Warnings = append(out.Warnings, m.Warnings...)
		out.Medications = append(out.Medications, m)
	}

	codes, warnings, errs := extractICD10(ref, normalized)
	out.ICD10Codes = codes
	out.Warnings = append(out.Warnings, warnings...)
	out.ValidationErrors = append(out.ValidationErrors, errs...)

	validatePrescription(out, ref)
	p.finish(out)
	return out
}

func (p *Parser) finish(out *ParsedPrescription) {
	out.OverallConfidence = overallConfidence(out.Medications, len(out.ParsingErrors))
	out.Outcome = decideOutcome(out.OverallConfidence, out.ConfidenceThreshold)
	out.RequiresManualReview = out.Outcome == OutcomeManualReview
	out.LowConfidence = out.OverallConfidence < lowConfidenceFloor
}

func parseMedication(ref *refdata.ReferenceData, b Block, locale Locale, date time.Time) ParsedMedication {
	text := normalizeNumbers(b.Text)
	m := ParsedMedication{Index: b.Index, SourceText: b.Text}

	m.Name = extractName(b.Text)
	m.Strength = extractStrength(text)
	m.DosageAmount, m.DosageUnit = extractDosage(text)

	s := extractScheduling(text)
	m.Frequency, m.Cadence, m.Timing, m.CustomTimes, m.AsNeeded = s.Frequency, s.Cadence, s.Timing, s.CustomTimes, s.AsNeeded
	for _, w := range s.Warnings {
		m.warn("%s: %s", m.Label(), w)
	}

	m.Quantity = extractQuantity(text)
	m.Repeats = extractRepeats(text)
	m.Instructions = expandAbbreviations(ref, extractInstructions(b.Text, m.Name.Value), locale)

	m.GenericName = resolveGeneric(ref, m.Name)
	m.MedicationType = extractMedicationType(m.Name.Value, text)
	if !m.MedicationType.Found() {
		if form := brandForm(ref, m.Name.Value); form != "" {
			if form == "capsule" {
				form = TypeTablet
			}
			m.MedicationType = found(form, 0.85, m.Name.Value)
		}
	}

	validateMedication(&m)

	m.Schedule = DeriveSchedule(ScheduleInput{
		Frequency:    m.Frequency.Value,
		AsNeeded:     m.AsNeeded.Value,
		Cadence:      m.Cadence.Value,
		Timing:       m.Timing.Value,
		Slots:        s.Slots,
		CustomTimes:  m.CustomTimes.Value,
		DosageAmount: m.DosageAmount.Value,
		ParseDate:    date,
	})
	m.Confidence = medicationConfidence(&m)
	return m
}
