package rxparse

import (
	"reflect"
	"testing"
)

func TestExtractName(t *testing.T) {
	tests := []struct {
		block   string
		want    string
		minConf float64
	}{
		{"Metformin 500mg take 1 tablet bd", "Metformin", 0.9},
		{"NOVORAPID FlexPen 100units/ml inject 10 units", "NOVORAPID FlexPen", 0.9},
		{"Panado - take 2 tablets when needed", "Panado", 0.9},
		{"Diamicron MR 60mg\ntake 1 tablet in the morning", "Diamicron MR", 0.9},
		{"Vitamin B12 1000mcg monthly", "Vitamin B12", 0.9},
	}
	for _, tt := range tests {
		got := extractName(tt.block)
		if got.Value != tt.want {
			t.Errorf("extractName(%q) = %q, want %q", tt.block, got.Value, tt.want)
		}
		if got.Confidence < tt.minConf {
			t.Errorf("extractName(%q) confidence = %v, want >= %v", tt.block, got.Confidence, tt.minConf)
		}
	}
}

func TestExtractNameMissingOrInvalid(t *testing.T) {
	f := extractName("Take 2 tablets daily")
	if f.Value != "" || f.Confidence != 0 || len(f.ValidationErrors) == 0 {
		t.Errorf("expected unparseable sentinel, got %+v", f)
	}

	f = extractName("Fluticasone/Salmeterol 250mcg")
	if f.Value != "Fluticasone/Salmeterol" {
		t.Fatalf("name = %q", f.Value)
	}
	if f.Confidence >= 0.6 || len(f.ValidationErrors) == 0 {
		t.Errorf("invalid characters should lower confidence, got %+v", f)
	}
}

func TestExtractStrength(t *testing.T) {
	tests := []struct {
		block string
		want  Strength
	}{
		{"Metformin 500mg", Strength{Amount: 500, Unit: "mg"}},
		{"Seretide 250/25mcg inhale 2 puffs", Strength{Amount: 250, RatioAmount: 25, Unit: "mcg"}},
		{"Lantus 100 units/ml", Strength{Amount: 100, Unit: "units/ml"}},
		{"Vitamin D 50000 IU weekly", Strength{Amount: 50000, Unit: "IU"}},
		{"Voltaren Emulgel 1% apply", Strength{Amount: 1, Unit: "%"}},
		{"Amoxil 250mg/5ml take 5ml", Strength{Amount: 250, Unit: "mg/5ml"}},
		{"Eltroxin 100μg", Strength{Amount: 100, Unit: "mcg"}},
	}
	for _, tt := range tests {
		got := extractStrength(tt.block)
		if got.Value != tt.want {
			t.Errorf("extractStrength(%q) = %+v, want %+v", tt.block, got.Value, tt.want)
		}
		if got.Confidence != confExact {
			t.Errorf("extractStrength(%q) confidence = %v, want %v", tt.block, got.Confidence, confExact)
		}
	}
}

func TestExtractStrengthMissingAndAmbiguous(t *testing.T) {
	if f := extractStrength("Panado take 2 tablets"); f.Confidence != 0 || f.Value != (Strength{}) {
		t.Errorf("expected missing strength, got %+v", f)
	}
	f := extractStrength("Metformin 500mg or 850mg")
	if f.Confidence != confWeak || len(f.ValidationErrors) == 0 {
		t.Errorf("expected ambiguous strength at %v, got %+v", confWeak, f)
	}
}

func TestStrengthString(t *testing.T) {
	if got := (Strength{Amount: 250, RatioAmount: 25, Unit: "mcg"}).String(); got != "250/25mcg" {
		t.Errorf("String() = %q", got)
	}
	if got := (Strength{Amount: 0.5, Unit: "mg"}).String(); got != "0.5mg" {
		t.Errorf("String() = %q", got)
	}
}

func TestExtractDosage(t *testing.T) {
	tests := []struct {
		block  string
		amount float64
		unit   string
		conf   float64
	}{
		{"take 2 tablets twice daily", 2, "tablet", confExact},
		{"inject 10 units at night", 10, "units", confExact},
		{"inhale 2 puffs bd", 2, "puff", confExact},
		{"take 5ml 3 times daily", 5, "ml", confExact},
		{"take 1 teaspoon at night", 5, "ml", confExact},
		{"neem 2 tablette 3 keer per dag", 2, "tablet", confExact},
		{"take 0.5 tablet daily", 0.5, "tablet", confExact},
		{"1 tablet at night", 1, "tablet", 0.7},
		{"apply 3 times daily", 1, "application", 0.7},
	}
	for _, tt := range tests {
		amount, unit := extractDosage(tt.block)
		if amount.Value != tt.amount || unit.Value != tt.unit {
			t.Errorf("extractDosage(%q) = %v %q, want %v %q", tt.block, amount.Value, unit.Value, tt.amount, tt.unit)
		}
		if amount.Confidence != tt.conf {
			t.Errorf("extractDosage(%q) confidence = %v, want %v", tt.block, amount.Confidence, tt.conf)
		}
	}

	amount, unit := extractDosage("use as directed")
	if amount.Confidence != 0 || unit.Confidence != 0 {
		t.Errorf("expected missing dosage, got %+v %+v", amount, unit)
	}
}

func TestExtractQuantity(t *testing.T) {
	tests := []struct {
		block string
		want  int
		conf  float64
	}{
		{"take 1 tablet bd. Qty: 60", 60, confExact},
		{"quantity: x 30", 30, confExact},
		{"Mitte 28", 28, confExact},
		{"Hoeveelheid: 90", 90, confExact},
		{"take 1 tablet daily, 30 tablets", 30, 0.7},
	}
	for _, tt := range tests {
		got := extractQuantity(tt.block)
		if got.Value != tt.want || got.Confidence != tt.conf {
			t.Errorf("extractQuantity(%q) = %d @ %v, want %d @ %v", tt.block, got.Value, got.Confidence, tt.want, tt.conf)
		}
	}

	if got := extractQuantity("take 2 tablets twice daily"); got.Confidence != 0 {
		t.Errorf("dose should not be read as quantity, got %+v", got)
	}
	if got := extractQuantity("Qty: 5000"); got.Value != 5000 || len(got.ValidationErrors) == 0 {
		t.Errorf("implausible quantity should be kept and flagged, got %+v", got)
	}
}

func TestExtractRepeats(t *testing.T) {
	tests := []struct {
		block string
		want  int
		conf  float64
	}{
		{"Qty: 30 +5 repeats", 5, confExact},
		{"Repeats: 15", 15, confStrong},
		{"no repeats", 0, confExact},
		{"+ 2 herhalings", 2, confExact},
		{"take 1 daily", 0, confDefaulted},
	}
	for _, tt := range tests {
		got := extractRepeats(tt.block)
		if got.Value != tt.want || got.Confidence != tt.conf {
			t.Errorf("extractRepeats(%q) = %d @ %v, want %d @ %v", tt.block, got.Value, got.Confidence, tt.want, tt.conf)
		}
	}
}

func TestExtractInstructions(t *testing.T) {
	got := extractInstructions("Metformin 500mg - take 1 tablet\nbd with meals", "Metformin")
	if got.Value != "500mg - take 1 tablet bd with meals" {
		t.Errorf("instructions = %q", got.Value)
	}
}

func TestExtractMedicationType(t *testing.T) {
	tests := []struct {
		name, block string
		want        MedicationType
		conf        float64
	}{
		{"NovoRapid FlexPen", "inject 10 units", TypeInjection, confStrong},
		{"Ventolin", "inhale 2 puffs when needed", TypeInhaler, 0.8},
		{"Betnovate cream", "apply twice daily", TypeTopical, confStrong},
		{"Chloramphenicol", "instil 2 drops 4 times daily", TypeDrops, 0.8},
		{"Amoxil", "take 5ml 3 times daily", TypeLiquid, 0.8},
		{"Panado", "Panado 500mg", TypeTablet, confDefaulted},
	}
	for _, tt := range tests {
		got := extractMedicationType(tt.name, tt.block)
		if got.Value != tt.want || got.Confidence != tt.conf {
			t.Errorf("extractMedicationType(%q, %q) = %s @ %v, want %s @ %v",
				tt.name, tt.block, got.Value, got.Confidence, tt.want, tt.conf)
		}
	}
}

func TestExtractSchedulingMultiTime(t *testing.T) {
	tests := []struct {
		block    string
		freq     Frequency
		times    []ClockTime
		warnings int
	}{
		{"take 2 tablets at 8h00 and 20h00 daily", FrequencyTwiceDaily, []ClockTime{At(8, 0), At(20, 0)}, 1},
		{"take 1 tablet at 8h00, 14h00 and 20h00 daily", FrequencyThreeTimesDaily, []ClockTime{At(8, 0), At(14, 0), At(20, 0)}, 1},
		{"take 1 tablet at 06:00, 12:00, 18:00 and 22:00", FrequencyFourTimesDaily, []ClockTime{At(6, 0), At(12, 0), At(18, 0), At(22, 0)}, 0},
		{"take 1 at 8am and 8pm", FrequencyTwiceDaily, []ClockTime{At(8, 0), At(20, 0)}, 0},
		{"take 1 at 20h00 and 8h00 twice daily", FrequencyTwiceDaily, []ClockTime{At(8, 0), At(20, 0)}, 0},
		{"take 1 at 6h00, 10h00, 14h00, 18h00 and 22h00", FrequencyMultipleDaily, []ClockTime{At(6, 0), At(10, 0), At(14, 0), At(18, 0), At(22, 0)}, 0},
	}
	for _, tt := range tests {
		s := extractScheduling(tt.block)
		if s.Frequency.Value != tt.freq {
			t.Errorf("%q: frequency = %s, want %s", tt.block, s.Frequency.Value, tt.freq)
		}
		if !reflect.DeepEqual(s.CustomTimes.Value, tt.times) {
			t.Errorf("%q: times = %v, want %v", tt.block, s.CustomTimes.Value, tt.times)
		}
		if s.Timing.Value != TimingCustom {
			t.Errorf("%q: timing = %s, want custom", tt.block, s.Timing.Value)
		}
		if len(s.Warnings) != tt.warnings {
			t.Errorf("%q: warnings = %v, want %d", tt.block, s.Warnings, tt.warnings)
		}
	}
}

func TestExtractSchedulingKeywords(t *testing.T) {
	tests := []struct {
		block   string
		freq    Frequency
		cadence Cadence
		timing  Timing
		conf    float64
	}{
		{"take 1 tablet twice daily", FrequencyTwiceDaily, CadenceDaily, TimingNone, confExact},
		{"take 1 tablet bd", FrequencyTwiceDaily, CadenceDaily, TimingNone, confExact},
		{"take 1 tablet tds after meals", FrequencyThreeTimesDaily, CadenceDaily, TimingNone, confExact},
		{"take 1 tablet 4 times a day", FrequencyFourTimesDaily, CadenceDaily, TimingNone, confExact},
		{"neem 1 tablet 2 keer per dag", FrequencyTwiceDaily, CadenceDaily, TimingNone, confExact},
		{"neem 1 tablet daagliks soggens", FrequencyDaily, CadenceDaily, TimingMorning, confExact},
		{"take 1 tablet once daily", FrequencyDaily, CadenceDaily, TimingNone, confExact},
		{"take 1 tablet weekly", FrequencyWeekly, CadenceWeekly, TimingNone, confExact},
		{"inject 1 monthly", FrequencyMonthly, CadenceMonthly, TimingNone, confExact},
		{"take 1 tablet weekly in the morning", FrequencyWeekly, CadenceWeekly, TimingMorning, confExact},
		{"take 2 tablets when needed", FrequencyAsNeeded, CadenceDaily, TimingNone, confExact},
		{"take 1 tablet at night", FrequencyDaily, CadenceDaily, TimingNight, 0.7},
		{"take 1 tablet in the morning and at night", FrequencyTwiceDaily, CadenceDaily, TimingMorning, confInferred},
		{"take 1 tablet at 12h00", FrequencyDaily, CadenceDaily, TimingNoon, 0.7},
		{"take 1 tablet at 21h30", FrequencyDaily, CadenceDaily, TimingCustom, confInferred},
	}
	for _, tt := range tests {
		s := extractScheduling(tt.block)
		if s.Frequency.Value != tt.freq || s.Cadence.Value != tt.cadence || s.Timing.Value != tt.timing {
			t.Errorf("%q: got %s/%s/%s, want %s/%s/%s", tt.block,
				s.Frequency.Value, s.Cadence.Value, s.Timing.Value, tt.freq, tt.cadence, tt.timing)
		}
		if s.Frequency.Confidence != tt.conf {
			t.Errorf("%q: frequency confidence = %v, want %v", tt.block, s.Frequency.Confidence, tt.conf)
		}
	}
}

func TestExtractSchedulingAsNeeded(t *testing.T) {
	s := extractScheduling("take 2 tablets 4 times daily when needed for pain")
	if !s.AsNeeded.Value || s.Frequency.Value != FrequencyAsNeeded {
		t.Errorf("expected as_needed, got %s asNeeded=%v", s.Frequency.Value, s.AsNeeded.Value)
	}
	s = extractScheduling("take 1 tablet daily")
	if s.AsNeeded.Value || s.AsNeeded.Confidence < 0.8 {
		t.Errorf("expected asNeeded=false with confidence, got %+v", s.AsNeeded)
	}
}

func TestExtractSchedulingAsNeededWithTimes(t *testing.T) {
	s := extractScheduling("take 2 tablets at 8h00 and 20h00 as needed for pain")
	if !s.AsNeeded.Value || s.Frequency.Value != FrequencyAsNeeded {
		t.Errorf("expected as_needed, got %s asNeeded=%v", s.Frequency.Value, s.AsNeeded.Value)
	}
	if !reflect.DeepEqual(s.CustomTimes.Value, []ClockTime{At(8, 0), At(20, 0)}) {
		t.Errorf("explicit times should be kept, got %v", s.CustomTimes.Value)
	}
	if !containsSubstring(s.Warnings, "conflicts with explicit times") {
		t.Errorf("expected conflict warning, got %v", s.Warnings)
	}
}

func TestExtractSchedulingStrayTimes(t *testing.T) {
	tests := []struct {
		block    string
		freq     Frequency
		times    []ClockTime
		warnings int
	}{
		{"take 1 tablet at 8h00 and take 1 tablet at 14h00 and review at 20h00", FrequencyDaily, []ClockTime{At(8, 0)}, 2},
		{"take 1 tablet at 8h00 and 20h00, review on 12 Nov at 10h00", FrequencyTwiceDaily, []ClockTime{At(8, 0), At(20, 0)}, 1},
		{"see at 9h00, take 1 tablet at 7h00, 13h00 and 19h00", FrequencyThreeTimesDaily, []ClockTime{At(7, 0), At(13, 0), At(19, 0)}, 1},
	}
	for _, tt := range tests {
		s := extractScheduling(tt.block)
		if s.Frequency.Value != tt.freq {
			t.Errorf("%q: frequency = %s, want %s", tt.block, s.Frequency.Value, tt.freq)
		}
		if !reflect.DeepEqual(s.CustomTimes.Value, tt.times) {
			t.Errorf("%q: times = %v, want %v", tt.block, s.CustomTimes.Value, tt.times)
		}
		if len(s.Warnings) != tt.warnings || !containsSubstring(s.Warnings, "not part of the dose times") {
			t.Errorf("%q: warnings = %v, want %d stray time warnings", tt.block, s.Warnings, tt.warnings)
		}
	}
}

func TestExtractSchedulingCommaJoinedTimes(t *testing.T) {
	s := extractScheduling(normalizeNumbers("take 2 tablets at 8:00,14:00 and 20:00 daily"))
	if s.Frequency.Value != FrequencyThreeTimesDaily {
		t.Errorf("frequency = %s, want three_times_daily", s.Frequency.Value)
	}
	if s.CustomTimes.Confidence != confExact || s.CustomTimes.SourceText != "8:00,14:00 and 20:00" {
		t.Errorf("custom times = %v @ %v from %q", s.CustomTimes.Value, s.CustomTimes.Confidence, s.CustomTimes.SourceText)
	}
}

func TestExtractSchedulingConflict(t *testing.T) {
	s := extractScheduling("take 1 tablet twice daily and 3 times daily")
	if s.Frequency.Value != FrequencyThreeTimesDaily {
		t.Errorf("frequency = %s, want three_times_daily", s.Frequency.Value)
	}
	if s.Frequency.Confidence != confWeak || len(s.Warnings) != 1 {
		t.Errorf("conflict should lower confidence and warn, got %v %v", s.Frequency.Confidence, s.Warnings)
	}
}

func TestExtractSchedulingWeeklyWithTimes(t *testing.T) {
	s := extractScheduling("take 1 tablet at 8h00 and 20h00 weekly")
	if s.Frequency.Value != FrequencyTwiceDaily || s.Cadence.Value != CadenceWeekly {
		t.Errorf("got %s/%s, want twice_daily/weekly", s.Frequency.Value, s.Cadence.Value)
	}
	if len(s.Warnings) != 0 {
		t.Errorf("cadence keywords do not conflict with times, got %v", s.Warnings)
	}
}

func TestClockTimeJSON(t *testing.T) {
	c := At(8, 5)
	data, err := c.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"08:05"` {
		t.Errorf("json = %s", data)
	}
	var back ClockTime
	if err := back.UnmarshalJSON([]byte(`"20h30"`)); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != At(20, 30) {
		t.Errorf("parsed %v", back)
	}
	if _, err := ParseClockTime("25:00"); err == nil {
		t.Error("expected out of range error")
	}
}
