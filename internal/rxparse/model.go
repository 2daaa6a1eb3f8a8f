package rxparse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Locale selects the language used for abbreviation expansion
type Locale string

const (
	LocaleEnglish   Locale = "en"
	LocaleAfrikaans Locale = "af"
)

// Valid reports whether the locale is supported
func (l Locale) Valid() bool {
	return l == LocaleEnglish || l == LocaleAfrikaans
}

// ClockTime is a time of day with minute precision
type ClockTime struct {
	Hour   int
	Minute int
}

// At builds a ClockTime
func At(hour, minute int) ClockTime {
	return ClockTime{Hour: hour, Minute: minute}
}

// Minutes returns minutes since midnight
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

// Before reports whether c is earlier in the day than o
func (c ClockTime) Before(o ClockTime) bool { return c.Minutes() < o.Minutes() }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClockTime accepts "HH:MM" and "HHhMM"
func ParseClockTime(s string) (ClockTime, error) {
	sep := strings.IndexAny(s, ":hH")
	if sep <= 0 || sep == len(s)-1 {
		return ClockTime{}, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(s[:sep])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(s[sep+1:])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("time %q out of range", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// Frequency is how many administrations happen per cadence period
type Frequency string

const (
	FrequencyUnknown         Frequency = ""
	FrequencyDaily           Frequency = "daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyFourTimesDaily  Frequency = "four_times_daily"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyMonthly         Frequency = "monthly"
	FrequencyAsNeeded        Frequency = "as_needed"
	// FrequencyMultipleDaily covers five or more explicit times; its count is the
	// number of listed times
	FrequencyMultipleDaily Frequency = "multiple_daily"
)

// Count returns the number of scheduled administrations per period. It is 0 for
// as_needed and unknown, and -1 for multiple_daily (count comes from the times).
func (f Frequency) Count() int {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return 1
	case FrequencyTwiceDaily:
		return 2
	case FrequencyThreeTimesDaily:
		return 3
	case FrequencyFourTimesDaily:
		return 4
	case FrequencyMultipleDaily:
		return -1
	}
	return 0
}

// frequencyForTimes maps a count of explicit times to its frequency
func frequencyForTimes(n int) Frequency {
	switch n {
	case 1:
		return FrequencyDaily
	case 2:
		return FrequencyTwiceDaily
	case 3:
		return FrequencyThreeTimesDaily
	case 4:
		return FrequencyFourTimesDaily
	}
	if n > 4 {
		return FrequencyMultipleDaily
	}
	return FrequencyUnknown
}

// Cadence is which days a medication is taken on
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// Timing is the time-of-day tag of a dose
type Timing string

const (
	TimingNone    Timing = ""
	TimingMorning Timing = "morning"
	TimingNoon    Timing = "noon"
	TimingEvening Timing = "evening"
	TimingNight   Timing = "night"
	TimingCustom  Timing = "custom"
)

// CanonicalTime is the display time of a named slot. It is never stored on entries.
func (t Timing) CanonicalTime() (ClockTime, bool) {
	switch t {
	case TimingMorning:
		return At(8, 0), true
	case TimingNoon:
		return At(12, 0), true
	case TimingEvening:
		return At(18, 0), true
	case TimingNight:
		return At(21, 0), true
	}
	return ClockTime{}, false
}

// MedicationType is the dosage form family
type MedicationType string

const (
	TypeTablet    MedicationType = "tablet"
	TypeInjection MedicationType = "injection"
	TypeInhaler   MedicationType = "inhaler"
	TypeTopical   MedicationType = "topical"
	TypeLiquid    MedicationType = "liquid"
	TypeDrops     MedicationType = "drops"
)

// Strength is the labelled strength of the product, e.g. 500mg or 250/25mcg
type Strength struct {
	Amount      float64 `json:"amount"`
	RatioAmount float64 `json:"ratio_amount,omitempty"`
	Unit        string  `json:"unit"`
}

func (s Strength) String() string {
	if s.Unit == "" {
		return ""
	}
	if s.RatioAmount > 0 {
		return formatAmount(s.Amount) + "/" + formatAmount(s.RatioAmount) + s.Unit
	}
	return formatAmount(s.Amount) + s.Unit
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ScheduleEntry is one administration slot. DaysOfWeek is indexed Sunday=0.
type ScheduleEntry struct {
	Timing       Timing     `json:"timing"`
	CustomTime   *ClockTime `json:"custom_time,omitempty"`
	DosageAmount float64    `json:"dosage_amount"`
	DaysOfWeek   [7]bool    `json:"days_of_week"`
	DayOfMonth   int        `json:"day_of_month,omitempty"`
}

// DisplayTime is the custom time or the canonical time of the slot
func (e ScheduleEntry) DisplayTime() ClockTime {
	if e.CustomTime != nil {
		return *e.CustomTime
	}
	t, _ := e.Timing.CanonicalTime()
	return t
}

// ParsedMedication is one medication line with every field scored
type ParsedMedication struct {
	Index          int                   `json:"index"`
	SourceText     string                `json:"source_text"`
	Name           Field[string]         `json:"name"`
	GenericName    Field[string]         `json:"generic_name"`
	Strength       Field[Strength]       `json:"strength"`
	DosageAmount   Field[float64]        `json:"dosage_amount"`
	DosageUnit     Field[string]         `json:"dosage_unit"`
	Frequency      Field[Frequency]      `json:"frequency"`
	Cadence        Field[Cadence]        `json:"cadence"`
	Timing         Field[Timing]         `json:"timing"`
	CustomTimes    Field[[]ClockTime]    `json:"custom_times"`
	Quantity       Field[int]            `json:"quantity"`
	Repeats        Field[int]            `json:"repeats"`
	Instructions   Field[string]         `json:"instructions"`
	AsNeeded       Field[bool]           `json:"as_needed"`
	MedicationType Field[MedicationType] `json:"medication_type"`
	Schedule       []ScheduleEntry       `json:"schedule"`
	Confidence     float64               `json:"confidence"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// Label names the medication in messages
func (m *ParsedMedication) Label() string {
	if m.Name.Value != "" {
		return fmt.Sprintf("medication %d (%s)", m.Index, m.Name.Value)
	}
	return fmt.Sprintf("medication %d", m.Index)
}

func (m *ParsedMedication) warn(format string, args ...any) {
	m.Warnings = append(m.Warnings, fmt.Sprintf(format, args...))
}

// DoctorInfo is the prescriber block of the header
type DoctorInfo struct {
	Name           Field[string] `json:"name"`
	PracticeNumber Field[string] `json:"practice_number"`
	Qualification  Field[string] `json:"qualification"`
	Phone          Field[string] `json:"phone"`
}

// PatientInfo is the patient block of the header
type PatientInfo struct {
	Name        Field[string] `json:"name"`
	IDNumber    Field[string] `json:"id_number"`
	DateOfBirth Field[string] `json:"date_of_birth"`
	MedicalAid  Field[string] `json:"medical_aid"`
}

// ICD10Code is a diagnosis code with its reference description
type ICD10Code struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// Outcome is the routing decision derived from the overall confidence
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeManualReview Outcome = "manual_review"
	OutcomeRejected     Outcome = "rejected"
)

// ParsedPrescription is the assembled result of one parse
type ParsedPrescription struct {
	Locale               Locale             `json:"locale"`
	ReferenceVersion     string             `json:"reference_version,omitempty"`
	Doctor               DoctorInfo         `json:"doctor_info"`
	Patient              PatientInfo        `json:"patient_info"`
	PrescriptionDate     Field[string]      `json:"prescription_date"`
	Medications          []ParsedMedication `json:"medications"`
	ICD10Codes           []Field[ICD10Code] `json:"icd10_codes"`
	OverallConfidence    float64            `json:"overall_confidence"`
	ConfidenceThreshold  float64            `json:"confidence_threshold"`
	Outcome              Outcome            `json:"outcome"`
	RequiresManualReview bool               `json:"requires_manual_review"`
	LowConfidence        bool               `json:"low_confidence"`
	Warnings             []string           `json:"warnings"`
	ParsingErrors        []string           `json:"parsing_errors"`
	ValidationErrors     []string           `json:"validation_errors"`
}

func (p *ParsedPrescription) warn(format string, args ...any) {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
}
