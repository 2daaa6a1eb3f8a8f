package rxparse

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type frequencyRule struct {
	freq Frequency
	re   *regexp.Regexp
}

// Checked in order; each match is blanked before the next rule runs so
// "twice daily" is not also read as "daily".
var frequencyRules = []frequencyRule{
	{FrequencyFourTimesDaily, regexp.MustCompile(`(?i)\b(?:4\s*(?:times|x|keer|maal)\s*(?:a|per|'n)?\s*(?:day|daily|dag)|qid|qds|q\.i\.d\.?|q\.d\.s\.?|q6h|q\.6\.h|every 6 hours|elke 6 uur)\b`)},
	{FrequencyThreeTimesDaily, regexp.MustCompile(`(?i)\b(?:3\s*(?:times|x|keer|maal)\s*(?:a|per|'n)?\s*(?:day|daily|dag)|thrice\s+(?:a\s+)?(?:day|daily)|tds|tid|t\.d\.s\.?|t\.i\.d\.?|q8h|every 8 hours|elke 8 uur)\b`)},
	{FrequencyTwiceDaily, regexp.MustCompile(`(?i)\b(?:2\s*(?:times|x|keer|maal)\s*(?:a|per|'n)?\s*(?:day|daily|dag)|twice\s+(?:a\s+|per\s+)?(?:day|daily)|bd|bid|b\.d\.?|b\.i\.d\.?|q12h|every 12 hours|elke 12 uur)\b`)},
	{FrequencyWeekly, regexp.MustCompile(`(?i)\b(?:weekly|once\s+(?:a|per|every)\s+week|every\s+week|1\s*(?:x|times|keer)\s*(?:a|per|'n)?\s*week|weekliks|elke\s+week)\b`)},
	{FrequencyMonthly, regexp.MustCompile(`(?i)\b(?:monthly|once\s+(?:a|per|every)\s+month|every\s+month|1\s*(?:x|times|keer)\s*(?:a|per|'n)?\s*maand|maandeliks|elke\s+maand)\b`)},
	{FrequencyAsNeeded, regexp.MustCompile(`(?i)\b(?:as\s+needed|as\s+required|when\s+needed|when\s+required|if\s+needed|if\s+required|when\s+necessary|prn|p\.r\.n\.?|soos\s+nodig|wanneer\s+nodig|indien\s+nodig)\b`)},
	{FrequencyDaily, regexp.MustCompile(`(?i)\b(?:once\s+(?:a\s+|per\s+)?(?:day|daily)|daily|every\s+day|1\s*(?:times|x|keer)\s*(?:a|per|'n)?\s*(?:day|daily|dag)|od|qd|o\.d\.?|q\.d\.?|q24h|daagliks|elke\s+dag|per\s+dag)\b`)},
}

type timingRule struct {
	timing Timing
	re     *regexp.Regexp
}

var timingRules = []timingRule{
	{TimingMorning, regexp.MustCompile(`(?i)\b(?:morning|mornings|mane|am|a\.m\.|breakfast|soggens|oggend|ontbyt)\b`)},
	{TimingNoon, regexp.MustCompile(`(?i)\b(?:noon|midday|lunch|lunchtime|middag|middagete)\b`)},
	{TimingEvening, regexp.MustCompile(`(?i)\b(?:evening|evenings|supper|dinner|pm|p\.m\.|saans|aand|aandete)\b`)},
	{TimingNight, regexp.MustCompile(`(?i)\b(?:night|nightly|at\s+night|bedtime|before\s+bed|at\s+bed|nocte|hs|qhs|nag|slaaptyd|voor\s+slaap)\b`)},
}

var (
	clockRe      = regexp.MustCompile(`(?i)\b([01]?\d|2[0-3])\s*[h:]\s*([0-5]\d)(?:\s*(am|pm|a\.m\.|p\.m\.))?`)
	meridiemRe   = regexp.MustCompile(`(?i)\b(1[0-2]|0?[1-9])\s*(am|pm|a\.m\.|p\.m\.)`)
	timeJoinerRe = regexp.MustCompile(`(?i)^\s*(?:,|;|/|&|\+|and|en)?\s*(?:and|en)?\s*(?:at|om)?\s*$`)
)

// scheduling gathers the fields whose precedence depends on each other
type scheduling struct {
	Frequency   Field[Frequency]
	Cadence     Field[Cadence]
	Timing      Field[Timing]
	CustomTimes Field[[]ClockTime]
	AsNeeded    Field[bool]
	Slots       []Timing
	Warnings    []string
}

type clockMatch struct {
	t          ClockTime
	start, end int
}

// extractTimes returns all clock times in the block with their spans, in text order
func extractTimes(block string) []clockMatch {
	var out []clockMatch
	taken := make([]bool, len(block))
	for _, m := range clockRe.FindAllStringSubmatchIndex(block, -1) {
		// clock digits must not continue a longer number ("1:1000")
		if m[1] < len(block) && block[m[1]] >= '0' && block[m[1]] <= '9' {
			continue
		}
		h, _ := strconv.Atoi(block[m[2]:m[3]])
		mm, _ := strconv.Atoi(block[m[4]:m[5]])
		if m[6] >= 0 {
			h = applyMeridiem(h, block[m[6]:m[7]])
		}
		out = append(out, clockMatch{t: At(h, mm), start: m[0], end: m[1]})
		markTaken(taken, m[0], m[1])
	}
	for _, m := range meridiemRe.FindAllStringSubmatchIndex(block, -1) {
		if taken[m[0]] {
			continue
		}
		h, _ := strconv.Atoi(block[m[2]:m[3]])
		out = append(out, clockMatch{t: At(applyMeridiem(h, block[m[4]:m[5]]), 0), start: m[0], end: m[1]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func markTaken(taken []bool, from, to int) {
	for i := from; i < to; i++ {
		taken[i] = true
	}
}

func applyMeridiem(h int, suffix string) int {
	pm := strings.HasPrefix(strings.ToLower(suffix), "p")
	switch {
	case pm && h < 12:
		return h + 12
	case !pm && h == 12:
		return 0
	}
	return h
}

// doseTimes picks the run of clock times joined only by list joiners that
// names the most distinct times; the first such run wins a tie. Times
// outside it are returned as stray.
func doseTimes(block string, times []clockMatch) (run, stray []clockMatch) {
	if len(times) == 0 {
		return nil, nil
	}
	var runs [][]clockMatch
	cur := []clockMatch{times[0]}
	for i := 1; i < len(times); i++ {
		if timeJoinerRe.MatchString(block[times[i-1].end:times[i].start]) {
			cur = append(cur, times[i])
			continue
		}
		runs = append(runs, cur)
		cur = []clockMatch{times[i]}
	}
	runs = append(runs, cur)

	best := 0
	for i, r := range runs {
		if len(distinctSorted(r)) > len(distinctSorted(runs[best])) {
			best = i
		}
	}
	for i, r := range runs {
		if i != best {
			stray = append(stray, r...)
		}
	}
	return runs[best], stray
}

func distinctSorted(times []clockMatch) []ClockTime {
	ts := make([]ClockTime, len(times))
	for i, m := range times {
		ts[i] = m.t
	}
	return sortedDistinct(ts)
}

// extractScheduling reads frequency, cadence, time of day and explicit times.
// Explicit times take precedence over frequency words.
func extractScheduling(block string) scheduling {
	var s scheduling

	times := extractTimes(block)
	rest := []byte(block)
	for _, m := range times {
		copy(rest[m.start:m.end], blank(block[m.start:m.end]))
	}

	keywords := make(map[Frequency]string)
	var perDay []Frequency
	for _, rule := range frequencyRules {
		text := string(rest)
		locs := rule.re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		keywords[rule.freq] = text[locs[0][0]:locs[0][1]]
		for _, l := range locs {
			copy(rest[l[0]:l[1]], blank(text[l[0]:l[1]]))
		}
		if rule.freq.Count() > 0 && rule.freq != FrequencyWeekly && rule.freq != FrequencyMonthly {
			perDay = append(perDay, rule.freq)
		}
	}

	var slots []Timing
	var slotSrc []string
	remaining := string(rest)
	for _, rule := range timingRules {
		if m := rule.re.FindString(remaining); m != "" {
			slots = append(slots, rule.timing)
			slotSrc = append(slotSrc, m)
		}
	}

	// cadence
	switch {
	case keywords[FrequencyMonthly] != "":
		s.Cadence = found(CadenceMonthly, confExact, keywords[FrequencyMonthly])
	case keywords[FrequencyWeekly] != "":
		s.Cadence = found(CadenceWeekly, confExact, keywords[FrequencyWeekly])
	case keywords[FrequencyDaily] != "":
		s.Cadence = found(CadenceDaily, confExact, keywords[FrequencyDaily])
	case len(perDay) > 0 || len(times) > 0 || len(slots) > 0:
		s.Cadence = found(CadenceDaily, confInferred, "")
	default:
		s.Cadence = defaulted(CadenceDaily, "")
	}
	cadenceFreq := FrequencyDaily
	switch s.Cadence.Value {
	case CadenceWeekly:
		cadenceFreq = FrequencyWeekly
	case CadenceMonthly:
		cadenceFreq = FrequencyMonthly
	}

	if src, ok := keywords[FrequencyAsNeeded]; ok {
		s.AsNeeded = found(true, confExact, src)
	} else {
		s.AsNeeded = found(false, 0.8, "")
	}

	run, stray := doseTimes(block, times)
	distinct := distinctSorted(run)
	for _, m := range stray {
		if !containsTime(distinct, m.t) {
			s.Warnings = append(s.Warnings, fmt.Sprintf(
				"time %s is not part of the dose times and is not scheduled", m.t))
		}
	}

	switch {
	case len(distinct) >= 2:
		freq := frequencyForTimes(len(distinct))
		src := timesSource(block, run)
		s.CustomTimes = found(distinct, confExact, src)
		s.Timing = found(TimingCustom, confExact, src)
		s.Frequency = found(freq, confExact, src)
		for _, kw := range perDay {
			if kw.Count() != len(distinct) {
				s.Warnings = append(s.Warnings, fmt.Sprintf(
					"explicit times %s override frequency keyword %q", joinTimes(distinct), keywords[kw]))
			}
		}
		s.Slots = nil
		s.asNeededOverTimes(keywords[FrequencyAsNeeded])
		return s

	case len(distinct) == 1 && distinct[0] == At(12, 0):
		slots = []Timing{TimingNoon}
		slotSrc = []string{block[run[0].start:run[0].end]}

	case len(distinct) == 1:
		src := block[run[0].start:run[0].end]
		s.CustomTimes = found(distinct, confStrong, src)
		s.Timing = found(TimingCustom, confStrong, src)
		freq, conf, src2 := FrequencyDaily, confInferred, src
		if len(perDay) > 0 && perDay[0] != FrequencyDaily {
			s.Warnings = append(s.Warnings, fmt.Sprintf(
				"single explicit time %s overrides frequency keyword %q", distinct[0], keywords[perDay[0]]))
		}
		if kw, ok := keywords[cadenceFreq]; ok {
			freq, conf, src2 = cadenceFreq, confExact, kw
		}
		s.Frequency = found(freq, conf, src2)
		s.asNeededOverTimes(keywords[FrequencyAsNeeded])
		return s
	}

	s.CustomTimes = Field[[]ClockTime]{Value: []ClockTime{}}
	s.Slots = slots
	if len(slots) > 0 {
		s.Timing = found(slots[0], confStrong, strings.Join(slotSrc, ", "))
	} else {
		s.Timing = Field[Timing]{Value: TimingNone}
	}

	switch {
	case s.AsNeeded.Value:
		s.Frequency = found(FrequencyAsNeeded, confExact, keywords[FrequencyAsNeeded])
	case len(perDay) == 1:
		s.Frequency = found(perDay[0], confExact, keywords[perDay[0]])
		if len(slots) > 1 && len(slots) != perDay[0].Count() {
			s.Warnings = append(s.Warnings, fmt.Sprintf(
				"%d times of day named but frequency is %s", len(slots), perDay[0]))
		}
	case len(perDay) > 1:
		// most frequent wins; the rules are ordered by count
		var names []string
		for _, f := range perDay {
			names = append(names, fmt.Sprintf("%q", keywords[f]))
		}
		s.Frequency = found(perDay[0], confWeak, keywords[perDay[0]])
		s.Frequency.ValidationErrors = append(s.Frequency.ValidationErrors, "conflicting frequency keywords")
		s.Warnings = append(s.Warnings, fmt.Sprintf(
			"conflicting frequency keywords %s, using %s", strings.Join(names, ", "), perDay[0]))
	case s.Cadence.Value != CadenceDaily:
		s.Frequency = found(cadenceFreq, confExact, keywords[cadenceFreq])
	case len(slots) > 1:
		s.Frequency = found(frequencyForTimes(len(slots)), confInferred, strings.Join(slotSrc, ", "))
	case len(slots) == 1:
		s.Frequency = found(FrequencyDaily, 0.7, slotSrc[0])
	default:
		s.Frequency = missing[Frequency]("no frequency found")
	}

	// cadence keywords on their own only restrict the days
	if s.Cadence.Value != CadenceDaily && s.Frequency.Value == FrequencyDaily {
		s.Frequency.Value = cadenceFreq
	}
	return s
}

// asNeededOverTimes keeps the explicit times for reference but takes the
// medication off the fixed schedule when it is also marked as needed
func (s *scheduling) asNeededOverTimes(keyword string) {
	if !s.AsNeeded.Value {
		return
	}
	s.Warnings = append(s.Warnings, fmt.Sprintf(
		"as needed (%q) conflicts with explicit times %s, no fixed schedule", keyword, joinTimes(s.CustomTimes.Value)))
	s.Frequency = found(FrequencyAsNeeded, confInferred, keyword)
}

func containsTime(ts []ClockTime, t ClockTime) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func timesSource(block string, times []clockMatch) string {
	return strings.TrimSpace(block[times[0].start:times[len(times)-1].end])
}

func joinTimes(ts []ClockTime) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}
