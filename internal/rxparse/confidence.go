package rxparse

import "math"

// DefaultConfidenceThreshold is the overall confidence at or above which a
// prescription is accepted without review
const DefaultConfidenceThreshold = 0.8

// below this a prescription is rejected whatever the threshold
const lowConfidenceFloor = 0.5

const parsingErrorPenalty = 0.1

var weights = struct {
	name, strength, dosage, frequency, supply float64
}{0.25, 0.15, 0.20, 0.25, 0.15}

// medicationConfidence is the weighted average of the field groups
func medicationConfidence(m *ParsedMedication) float64 {
	dosage := mean(m.DosageAmount.Confidence, m.DosageUnit.Confidence)

	freq := m.Frequency.Confidence
	if len(m.CustomTimes.Value) == 0 && m.Timing.Found() {
		freq = mean(freq, m.Timing.Confidence)
	}

	supply := mean(m.Quantity.Confidence, m.Repeats.Confidence)

	score := weights.name*m.Name.Confidence +
		weights.strength*m.Strength.Confidence +
		weights.dosage*dosage +
		weights.frequency*freq +
		weights.supply*supply
	return round4(clamp01(score))
}

// overallConfidence is the mean medication confidence less a fixed penalty per
// parsing error, floored at zero
func overallConfidence(meds []ParsedMedication, parsingErrors int) float64 {
	if len(meds) == 0 {
		return 0
	}
	sum := 0.0
	for i := range meds {
		sum += meds[i].Confidence
	}
	score := sum/float64(len(meds)) - parsingErrorPenalty*float64(parsingErrors)
	return round4(clamp01(score))
}

// decideOutcome routes a prescription from its overall confidence alone
func decideOutcome(overall, threshold float64) Outcome {
	switch {
	case overall < lowConfidenceFloor:
		return OutcomeRejected
	case overall < threshold:
		return OutcomeManualReview
	}
	return OutcomeAccepted
}

func mean(vs ...float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
