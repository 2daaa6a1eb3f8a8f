package rxparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	verbWords = `take|takes|inject|apply|use|inhale|instil|instill|insert|place|dissolve|chew|drink|spray|neem|spuit|gebruik|smeer|inaseem`
	doseUnits = `tablets?|tabs?|tablette?|pills?|capsules?|caps?|kapsules?|ml|millilit(?:er|re)s?|drops?|gtt|druppels?|puffs?|units?|iu|u|eenhede|sachets?|applications?|teaspoons?|tsp|teelepels?|tablespoons?|tbsp`
)

var (
	nameValidRe = regexp.MustCompile(`^[A-Za-z0-9\s\-.()]+$`)
	nameCutRe   = regexp.MustCompile(`(?i)(\s+-\s+|[:,;]|\s\d|\b(?:` + verbWords + `)\b)`)

	strengthRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)(?:\s*/\s*(\d+(?:[.,]\d+)?))?\s*(mg\s*/\s*5\s*ml|mg\s*/\s*ml|units?\s*/\s*ml|iu\s*/\s*ml|u\s*/\s*ml|mcg|μg|µg|ug|mg|g|iu|%)`)

	dosageVerbRe = regexp.MustCompile(`(?i)\b(?:` + verbWords + `)\s+(\d+(?:\.\d+)?)\s*(?:x\s*)?(` + doseUnits + `)?\b`)
	dosageBareRe = regexp.MustCompile(`(?i)(?:^|[\s(])(\d+(?:\.\d+)?)\s*(` + doseUnits + `)\b`)
	timesWordRe  = regexp.MustCompile(`(?i)^\s*(?:times|x|keer|maal)\b`)
	applyRe      = regexp.MustCompile(`(?i)\b(?:apply|smeer)\b`)
	formWordRe   = regexp.MustCompile(`(?i)\b(tablets?|capsules?|drops?|puffs?|sachets?|units?)\b`)

	quantityRe        = regexp.MustCompile(`(?i)\b(?:quantity|qty|hoeveelheid|dispense|disp|mitte|supply|voorraad)\b\.?\s*[:.=]?\s*(?:x\s*)?(\d+)`)
	quantityBareRe    = regexp.MustCompile(`(?i)(?:^|[\s(x])(\d+)\s*(tablets|tabs|capsules|caps|pens|sachets|ampoules|vials|inhalers|tubes|bottles|patches|tablette|kapsules)\b`)
	quantityFollowRe  = regexp.MustCompile(`(?i)^\s*(?:once|twice|daily|\d+\s*(?:x|times|keer)|every|in the|at|bd|bid|tds|tid|qid|qds|od|nocte|mane|prn|per|a day|with|before|after|when|as|soggens|saans|daagliks|by mouth|orally|po)\b`)
	quantityVerbEndRe = regexp.MustCompile(`(?i)\b(?:` + verbWords + `)\s*$`)

	noRepeatsRe   = regexp.MustCompile(`(?i)\b(?:no repeats?|geen herhalings?|repeats?\s*[:=]?\s*(?:none|nil|0\b))`)
	repeatsPlusRe = regexp.MustCompile(`(?i)\+\s*(\d+)\s*(?:repeats?|rpts?|rpt|herhalings?)\b`)
	repeatsKeyRe  = regexp.MustCompile(`(?i)\b(?:repeats?|rpts?|herhaal|herhalings?)\s*[:=x]?\s*(\d+)\b`)
	repeatsBareRe = regexp.MustCompile(`(?i)\b(\d+)\s*(?:repeats?|herhalings?)\b`)

	instructionTrimRe = regexp.MustCompile(`^[\s\-:,;.]+`)
)

// extractName takes the first line of the block up to the first strength,
// dose or instruction token
func extractName(block string) Field[string] {
	line := strings.TrimSpace(firstLine(block))
	if line == "" {
		return missing[string]("no medication name")
	}
	name := line
	if loc := nameCutRe.FindStringIndex(" " + line); loc != nil {
		cut := loc[0] - 1
		if cut < 0 {
			cut = 0
		}
		name = line[:cut]
	}
	name = strings.TrimRight(strings.TrimSpace(name), ".-")
	name = strings.TrimSpace(name)
	if name == "" {
		return missing[string](fmt.Sprintf("no medication name before instructions in %q", line))
	}

	f := found(name, confStrong, name)
	if !nameValidRe.MatchString(name) {
		f.flag(fmt.Sprintf("name %q contains unexpected characters", name), 0.5/confStrong)
	}
	if len(strings.Fields(name)) > 6 {
		f.flag("name is unusually long, instructions may have been included", confWeak/confStrong)
	}
	return f
}

// extractStrength finds the labelled strength; more than one distinct value lowers confidence
func extractStrength(block string) Field[Strength] {
	matches := strengthRe.FindAllStringSubmatchIndex(block, -1)
	var out []Strength
	var src []string
	for _, m := range matches {
		// the unit must not run into a word ("10 gtt", "5 growth")
		if m[1] < len(block) && isLetter(block[m[1]]) {
			continue
		}
		amount, ok := parseNumber(block[m[2]:m[3]])
		if !ok || amount <= 0 {
			continue
		}
		s := Strength{Amount: amount, Unit: normalizeStrengthUnit(block[m[6]:m[7]])}
		if m[4] >= 0 {
			s.RatioAmount, _ = parseNumber(block[m[4]:m[5]])
		}
		if !containsStrength(out, s) {
			out = append(out, s)
			src = append(src, block[m[0]:m[1]])
		}
	}

	switch len(out) {
	case 0:
		return missing[Strength]("no strength found")
	case 1:
		return found(out[0], confExact, src[0])
	}
	f := found(out[0], confWeak, strings.Join(src, ", "))
	f.ValidationErrors = append(f.ValidationErrors, fmt.Sprintf("multiple strengths found: %s", strings.Join(src, ", ")))
	return f
}

func containsStrength(list []Strength, s Strength) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func normalizeStrengthUnit(u string) string {
	u = strings.ToLower(strings.ReplaceAll(u, " ", ""))
	switch u {
	case "μg", "µg", "ug", "mcg":
		return "mcg"
	case "unit/ml", "units/ml", "u/ml":
		return "units/ml"
	case "iu/ml":
		return "IU/ml"
	case "iu":
		return "IU"
	}
	return u
}

// extractDosage finds the per-administration amount and unit
func extractDosage(block string) (Field[float64], Field[string]) {
	if m := dosageVerbRe.FindStringSubmatchIndex(block); m != nil && !(m[4] < 0 && timesWordRe.MatchString(block[m[1]:])) {
		src := block[m[0]:m[1]]
		amount, _ := parseNumber(block[m[2]:m[3]])
		if m[4] >= 0 {
			unitText := block[m[4]:m[5]]
			amount, unit := normalizeDoseUnit(amount, unitText)
			return found(amount, confExact, src), found(unit, confExact, unitText)
		}
		// amount without a unit: borrow a form word from elsewhere in the block
		if fw := formWordRe.FindString(block); fw != "" {
			amount, unit := normalizeDoseUnit(amount, fw)
			return found(amount, confExact, src), found(unit, confInferred, fw)
		}
		return found(amount, confExact, src), defaulted("tablet", "no dosage unit stated")
	}

	stripped := strengthRe.ReplaceAllStringFunc(block, blank)
	stripped = quantityRe.ReplaceAllStringFunc(stripped, blank)
	stripped = repeatsPlusRe.ReplaceAllStringFunc(stripped, blank)
	for _, m := range dosageBareRe.FindAllStringSubmatchIndex(stripped, -1) {
		if quantityLike(stripped, m[2], m[1]) {
			continue
		}
		amount, _ := parseNumber(stripped[m[2]:m[3]])
		amount, unit := normalizeDoseUnit(amount, stripped[m[4]:m[5]])
		src := strings.TrimSpace(stripped[m[2]:m[1]])
		return found(amount, 0.7, src), found(unit, 0.7, src)
	}

	if loc := applyRe.FindStringIndex(block); loc != nil {
		src := block[loc[0]:loc[1]]
		return found(1.0, 0.7, src), found("application", 0.7, src)
	}
	return missing[float64]("no dosage amount found"), missing[string]("no dosage unit found")
}

// quantityLike reports whether a number+unit match reads as a dispensed pack
// size rather than a dose ("x 30 tablets", "60 caps" at the end of the line)
func quantityLike(s string, start, end int) bool {
	before := strings.TrimSpace(s[:start])
	if strings.HasSuffix(strings.ToLower(before), "x") || strings.HasSuffix(before, "#") {
		return true
	}
	unit := strings.ToLower(s[start:end])
	plural := strings.HasSuffix(unit, "s")
	return plural && !quantityFollowRe.MatchString(s[end:]) && strings.TrimSpace(s[end:]) == ""
}

func normalizeDoseUnit(amount float64, u string) (float64, string) {
	switch strings.ToLower(u) {
	case "tablet", "tablets", "tab", "tabs", "tablette", "pill", "pills":
		return amount, "tablet"
	case "capsule", "capsules", "cap", "caps", "kapsule", "kapsules":
		return amount, "capsule"
	case "ml", "milliliter", "milliliters", "millilitre", "millilitres":
		return amount, "ml"
	case "drop", "drops", "gtt", "druppel", "druppels":
		return amount, "drop"
	case "puff", "puffs":
		return amount, "puff"
	case "unit", "units", "u", "iu", "eenhede":
		return amount, "units"
	case "sachet", "sachets":
		return amount, "sachet"
	case "application", "applications":
		return amount, "application"
	case "teaspoon", "teaspoons", "tsp", "teelepel", "teelepels":
		return amount * 5, "ml"
	case "tablespoon", "tablespoons", "tbsp":
		return amount * 15, "ml"
	}
	return amount, strings.ToLower(u)
}

// extractQuantity finds the dispensed quantity
func extractQuantity(block string) Field[int] {
	if m := quantityRe.FindStringSubmatch(block); m != nil {
		n, _ := strconv.Atoi(m[1])
		return checkQuantity(found(n, confExact, m[0]))
	}
	var last Field[int]
	seen := false
	for _, m := range quantityBareRe.FindAllStringSubmatchIndex(block, -1) {
		if quantityVerbEndRe.MatchString(block[:m[2]]) || quantityFollowRe.MatchString(block[m[1]:]) {
			continue
		}
		n, _ := strconv.Atoi(block[m[2]:m[3]])
		last = found(n, 0.7, strings.TrimSpace(block[m[2]:m[1]]))
		seen = true
	}
	if seen {
		return checkQuantity(last)
	}
	return missing[int]("no quantity found")
}

func checkQuantity(f Field[int]) Field[int] {
	if f.Value < 1 || f.Value > 1000 {
		f.ValidationErrors = append(f.ValidationErrors, fmt.Sprintf("quantity %d outside plausible range 1-1000", f.Value))
	}
	return f
}

// extractRepeats finds the repeat count; absent means no repeats at low confidence
func extractRepeats(block string) Field[int] {
	if m := noRepeatsRe.FindString(block); m != "" {
		return found(0, confExact, m)
	}
	for _, p := range []struct {
		re   *regexp.Regexp
		conf float64
	}{
		{repeatsPlusRe, confExact},
		{repeatsKeyRe, confStrong},
		{repeatsBareRe, 0.85},
	} {
		if m := p.re.FindStringSubmatch(block); m != nil {
			n, _ := strconv.Atoi(m[1])
			return found(n, p.conf, m[0])
		}
	}
	return defaulted(0, "")
}

// extractInstructions is the block with the name removed
func extractInstructions(block, name string) Field[string] {
	text := strings.Join(strings.Fields(block), " ")
	if name != "" && strings.HasPrefix(text, name) {
		text = text[len(name):]
	}
	text = strings.TrimSpace(instructionTrimRe.ReplaceAllString(text, ""))
	if text == "" {
		return missing[string]("no instructions")
	}
	return found(text, confStrong, text)
}

var medicationTypes = []struct {
	typ MedicationType
	re  *regexp.Regexp
}{
	{TypeInjection, regexp.MustCompile(`(?i)\b(?:pen|penfill|flexpen|flextouch|solostar|kwikpen|inject|injection|injections|syringe|vial|ampoule|subcut|sc|im|spuit|inspuiting)\b|units?\s*/\s*ml`)},
	{TypeInhaler, regexp.MustCompile(`(?i)\b(?:inhaler|inhale|puffs?|mdi|accuhaler|turbuhaler|evohaler|rotacaps|nebuli[sz]er?|inaseem|inh)\b`)},
	{TypeDrops, regexp.MustCompile(`(?i)\b(?:drops?|gtt|druppels?)\b`)},
	{TypeTopical, regexp.MustCompile(`(?i)\b(?:cream|ointment|gel|lotion|apply|ung|salf|smeer|topical|patch)\b`)},
	{TypeLiquid, regexp.MustCompile(`(?i)\b(?:syrup|suspension|solution|mixture|elixir|stroop|teaspoons?|tsp)\b|\d\s*ml\b|mg\s*/\s*5\s*ml`)},
	{TypeTablet, regexp.MustCompile(`(?i)\b(?:tablets?|tabs?|capsules?|caps?|caplets?|pills?|tablette?|kapsules?)\b`)},
}

// extractMedicationType infers the dosage form from the name first, then the whole block
func extractMedicationType(name, block string) Field[MedicationType] {
	for _, mt := range medicationTypes {
		if m := mt.re.FindString(name); m != "" {
			return found(mt.typ, confStrong, m)
		}
	}
	for _, mt := range medicationTypes {
		if m := mt.re.FindString(block); m != "" {
			return found(mt.typ, 0.8, m)
		}
	}
	return defaulted(TypeTablet, "no dosage form keyword, assuming tablet")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	return v, err == nil
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func blank(s string) string {
	return strings.Repeat(" ", len(s))
}
