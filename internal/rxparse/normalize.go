package rxparse

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	spaceRunRe = regexp.MustCompile(` {2,}`)

	numberWordRe = regexp.MustCompile(`(?i)\b(one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|een|twee|drie|vier|vyf|ses|sewe|agt|nege|tien|elf|twaalf)\b`)
	halfRe       = regexp.MustCompile(`(?i)\b(?:a\s+)?half(?:\s+a)?\b`)
	andHalfRe    = regexp.MustCompile(`\b(\d+)\s+(?:and|en)\s+(?:a\s+)?0\.5\b`)
	fractionRe   = regexp.MustCompile(`(^|[^\d/])1[/\x{2044}]2([^/\d]|$)`)
	decimalComma = regexp.MustCompile(`(\d),(\d{1,2})\b`)
)

var numberWords = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5", "six": "6",
	"seven": "7", "eight": "8", "nine": "9", "ten": "10", "eleven": "11", "twelve": "12",
	"een": "1", "twee": "2", "drie": "3", "vier": "4", "vyf": "5", "ses": "6",
	"sewe": "7", "agt": "8", "nege": "9", "tien": "10", "elf": "11", "twaalf": "12",
}

// Normalize prepares raw or OCR text for segmentation: NFKC, LF line endings,
// tabs as spaces, collapsed space runs and no trailing whitespace
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\t", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(spaceRunRe.ReplaceAllString(line, " "), " ")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

// normalizeNumbers rewrites English and Afrikaans number words, halves and
// decimal commas as digits so the field patterns only deal with numerals
func normalizeNumbers(s string) string {
	s = numberWordRe.ReplaceAllStringFunc(s, func(w string) string {
		return numberWords[strings.ToLower(w)]
	})
	s = fractionRe.ReplaceAllString(s, "${1}0.5${2}")
	s = halfRe.ReplaceAllString(s, "0.5")
	s = andHalfRe.ReplaceAllStringFunc(s, func(m string) string {
		whole := andHalfRe.FindStringSubmatch(m)[1]
		return whole + ".5"
	})
	return decimalCommas(s)
}

// decimalCommas rewrites "2,5" as "2.5" but leaves comma-joined clock times
// such as "8:00,14:00" alone
func decimalCommas(s string) string {
	var b strings.Builder
	last := 0
	for _, m := range decimalComma.FindAllStringSubmatchIndex(s, -1) {
		if startsClock(s[m[1]:]) {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(s[m[2]:m[3]])
		b.WriteByte('.')
		b.WriteString(s[m[4]:m[5]])
		last = m[1]
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

// startsClock reports whether rest continues an hour into a clock time
func startsClock(rest string) bool {
	if len(rest) < 2 {
		return false
	}
	sep, digit := rest[0], rest[1]
	return (sep == ':' || sep == 'h' || sep == 'H') && digit >= '0' && digit <= '9'
}
