package rxparse

import (
	"regexp"
	"strings"
)

// Block is the text of one medication entry
type Block struct {
	Index  int    `json:"index"`
	Marker string `json:"marker,omitempty"`
	Text   string `json:"text"`
}

// Segments is the segmenter output: header text and ordered medication blocks
type Segments struct {
	Header   string   `json:"header"`
	Blocks   []Block  `json:"blocks"`
	Mode     string   `json:"mode"`
	Warnings []string `json:"warnings,omitempty"`
}

const (
	modeNumbered  = "numbered"
	modeBullet    = "bullet"
	modeParagraph = "paragraph"
)

var (
	numberedRe = regexp.MustCompile(`^\s*(\d{1,2})[.)]\s+(\S.*)$`)
	bulletRe   = regexp.MustCompile(`^\s*([-*•·▪◦])\s+(\S.*)$`)

	medSignalRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?\s*(?:mg|mcg|μg|µg|ug|g|ml|units?|u/ml|iu|%)(?:[^a-z]|$))` +
		`|\b(?:take|inject|apply|use|inhale|instil|insert|dissolve|chew|neem|gebruik|spuit|smeer)\b` +
		`|\b(?:daily|bd|bid|tds|tid|qid|qds|od|prn|nocte|mane|daagliks|weekly|monthly)\b`)
	strengthStartRe = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?(?:\s*/\s*\d+(?:[.,]\d+)?)?\s*(?:mg|mcg|μg|µg|ug|units?/ml|u/ml|iu|%)(?:[^a-z]|$)`)
)

// Segment splits normalised prescription text into a header and medication
// blocks. Numbered markers take precedence over bullets, bullets over blank-line
// paragraphs.
func Segment(text string) Segments {
	lines := strings.Split(text, "\n")

	var seg Segments
	switch {
	case anyLineMatches(lines, numberedRe):
		seg = segmentMarked(lines, numberedRe, modeNumbered)
	case anyLineMatches(lines, bulletRe):
		seg = segmentMarked(lines, bulletRe, modeBullet)
	default:
		seg = segmentParagraphs(lines)
	}

	if len(seg.Blocks) == 0 {
		seg.Warnings = append(seg.Warnings, "no medication entries found")
	}
	for i := range seg.Blocks {
		seg.Blocks[i].Index = i + 1
	}
	return seg
}

func anyLineMatches(lines []string, re *regexp.Regexp) bool {
	for _, l := range lines {
		if re.MatchString(l) {
			return true
		}
	}
	return false
}

func segmentMarked(lines []string, marker *regexp.Regexp, mode string) Segments {
	seg := Segments{Mode: mode}
	var header, trailer []string
	var cur *Block
	afterBlank := false
	closed := false

	flush := func() {
		if cur != nil {
			cur.Text = strings.TrimSpace(cur.Text)
			seg.Blocks = append(seg.Blocks, *cur)
			cur = nil
		}
	}

	for _, line := range lines {
		if m := marker.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Block{Marker: m[1], Text: m[2]}
			afterBlank, closed = false, false
			continue
		}
		if strings.TrimSpace(line) == "" {
			if cur != nil || closed {
				afterBlank = true
			} else {
				header = append(header, line)
			}
			continue
		}
		switch {
		case cur == nil && !closed:
			header = append(header, line)
		case cur != nil && (!afterBlank || medSignalRe.MatchString(line)):
			cur.Text += "\n" + strings.TrimSpace(line)
		default:
			// text after the list belongs with the header (signatures, diagnoses)
			flush()
			closed = true
			trailer = append(trailer, line)
		}
	}
	flush()

	seg.Header = joinHeader(header, trailer)
	return seg
}

func segmentParagraphs(lines []string) Segments {
	seg := Segments{Mode: modeParagraph}
	paragraphs := splitParagraphs(lines)
	var header, trailer []string

	if len(paragraphs) == 1 {
		p := paragraphs[0]
		first := -1
		for i, l := range p {
			if medSignalRe.MatchString(l) {
				first = i
				break
			}
		}
		if first < 0 {
			seg.Header = strings.Join(p, "\n")
			return seg
		}
		// a name alone on the line above the first instruction line is part of the block
		if first > 0 && !strengthStartRe.MatchString(p[first]) && looksLikeName(p[first-1]) {
			first--
		}
		seg.Blocks = splitByStrength(p[first:])
		seg.Header = strings.Join(p[:first], "\n")
		return seg
	}

	for _, p := range paragraphs {
		if !medSignalRe.MatchString(strings.Join(p, "\n")) {
			if len(seg.Blocks) == 0 {
				header = append(header, p...)
			} else {
				trailer = append(trailer, p...)
			}
			continue
		}
		seg.Blocks = append(seg.Blocks, splitByStrength(p)...)
	}
	seg.Header = joinHeader(header, trailer)
	return seg
}

func splitParagraphs(lines []string) [][]string {
	var out [][]string
	var cur []string
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, strings.TrimSpace(l))
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// splitByStrength starts a new block at a line carrying a strength when the
// current block already has one
func splitByStrength(lines []string) []Block {
	var blocks []Block
	var cur []string
	hasStrength := false
	for _, l := range lines {
		s := strengthStartRe.MatchString(l)
		if s && hasStrength && len(cur) > 0 {
			blocks = append(blocks, Block{Text: strings.Join(cur, "\n")})
			cur, hasStrength = nil, false
		}
		cur = append(cur, l)
		hasStrength = hasStrength || s
	}
	if len(cur) > 0 {
		blocks = append(blocks, Block{Text: strings.Join(cur, "\n")})
	}
	return blocks
}

var headerishRe = regexp.MustCompile(`(?i):|\b(?:dr|doctor|dokter|patient|pasiënt|date|datum|tel|practice|id|dob)\b`)

func looksLikeName(line string) bool {
	return len(strings.Fields(line)) <= 4 && !headerishRe.MatchString(line)
}

func joinHeader(header, trailer []string) string {
	h := strings.TrimSpace(strings.Join(header, "\n"))
	t := strings.TrimSpace(strings.Join(trailer, "\n"))
	switch {
	case t == "":
		return h
	case h == "":
		return t
	}
	return h + "\n" + t
}
