package rxparse

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const datePattern = `(\d{4}[-/.]\d{1,2}[-/.]\d{1,2}|\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4}|\d{1,2}\s+[A-Za-z]{3,9}\.?\s+\d{4})`

var (
	doctorRe        = regexp.MustCompile(`\b(?i:dr|doctor|dokter)\b\.?\s+([A-Z][A-Za-z.'\-]*(?:\s+[A-Z][A-Za-z.'\-]*){0,3})`)
	practiceRe      = regexp.MustCompile(`(?i)\b(?:practice\s*(?:no|nr|number)|pr\.?\s*no|praktyk\s*(?:nr|nommer)|bhf\s*(?:no)?)\b\.?\s*[:.#]?\s*(\d[\d\s]{4,12}\d)`)
	qualificationRe = regexp.MustCompile(`\b(MBChB|MB\s?ChB|MBBCh|MBBS|MD|FCP\s?\(SA\)|FCFP\s?\(SA\)|FCPaed\s?\(SA\)|MMed(?:\s?\([A-Za-z ]+\))?|BPharm|DipPEC\s?\(SA\)|BChD)\b`)
	phoneRe         = regexp.MustCompile(`(?i)\b(?:tel|telephone|phone|ph|cell|sel|selfoon|telefoon)\b\.?\s*[:.]?\s*(\+?\d[\d\s\-()]{7,16}\d)`)
	patientRe       = regexp.MustCompile(`(?i)\b(?:patient(?:\s+name)?|pasiënt(?:\s+naam)?|name|naam)\s*:\s*([^\n,;]+)`)
	idNumberRe      = regexp.MustCompile(`(?i)\b(?:id(?:\s*(?:no|nr|number))?|identity\s+number|id-nommer)\b\.?\s*[:.]?\s*(\d{6}\s?\d{4}\s?\d{3})\b`)
	dobRe           = regexp.MustCompile(`(?i)\b(?:dob|d\.o\.b\.?|date\s+of\s+birth|geboortedatum)\s*[:.]?\s*` + datePattern)
	medicalAidRe    = regexp.MustCompile(`(?i)\b(?:medical\s+aid|med\s+aid|scheme|mediese\s+fonds)\b\s*(?:no|nr|number)?\s*[:.]?\s*([^\n]+)`)
	rxDateRe        = regexp.MustCompile(`(?i)\b(?:date|datum)\s*[:.]?\s*` + datePattern)
	anyDateRe       = regexp.MustCompile(datePattern)
)

var dateLayouts = []string{
	"2006-01-02", "2006/01/02", "2006.01.02", "2006-1-2", "2006/1/2",
	"02/01/2006", "2/1/2006", "02-01-2006", "2-1-2006", "02.01.2006", "2.1.2006",
	"02/01/06", "2/1/06",
	"2 January 2006", "2 Jan 2006", "2 Jan. 2006",
}

// normalizeDate renders dates as YYYY-MM-DD, day before month for slashed forms
func normalizeDate(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return s, false
}

func dateField(raw string, conf float64) Field[string] {
	v, ok := normalizeDate(raw)
	f := found(v, conf, raw)
	if !ok {
		f.flag(fmt.Sprintf("unrecognised date %q", raw), 0.6)
	}
	return f
}

func firstSubmatch(re *regexp.Regexp, text string, conf float64) Field[string] {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return Field[string]{}
	}
	return found(strings.TrimSpace(m[1]), conf, strings.TrimSpace(m[0]))
}

// extractDoctor reads the prescriber block of the header
func extractDoctor(header string) DoctorInfo {
	d := DoctorInfo{
		Name:           firstSubmatch(doctorRe, header, confStrong),
		PracticeNumber: firstSubmatch(practiceRe, header, confStrong),
		Phone:          firstSubmatch(phoneRe, header, confStrong),
	}
	if d.Name.Found() {
		name := strings.TrimSpace(qualificationRe.ReplaceAllString(d.Name.Value, ""))
		d.Name.Value = "Dr " + strings.TrimSuffix(name, ".")
	}
	d.PracticeNumber.Value = strings.ReplaceAll(d.PracticeNumber.Value, " ", "")
	if qs := qualificationRe.FindAllString(header, -1); len(qs) > 0 {
		joined := strings.Join(uniqueStrings(qs), ", ")
		d.Qualification = found(joined, 0.85, joined)
	}
	return d
}

// extractPatient reads the patient block of the header. A valid South African
// ID number also yields the date of birth when none is written.
func extractPatient(header string, now time.Time) PatientInfo {
	p := PatientInfo{
		Name:       firstSubmatch(patientRe, header, confStrong),
		MedicalAid: firstSubmatch(medicalAidRe, header, 0.85),
	}
	if m := idNumberRe.FindStringSubmatch(header); m != nil {
		id := strings.ReplaceAll(m[1], " ", "")
		p.IDNumber = found(id, confExact, strings.TrimSpace(m[0]))
		if !validSAID(id) {
			p.IDNumber.flag("ID number fails checksum", confWeak/confExact)
		}
	}
	if m := dobRe.FindStringSubmatch(header); m != nil {
		p.DateOfBirth = dateField(m[1], confStrong)
	} else if p.IDNumber.Confidence >= confExact {
		if dob, ok := dobFromSAID(p.IDNumber.Value, now); ok {
			p.DateOfBirth = found(dob, 0.7, p.IDNumber.Value[:6])
		}
	}
	return p
}

// extractPrescriptionDate prefers a labelled date, then any date that is not the birth date
func extractPrescriptionDate(header string, dob string) Field[string] {
	if m := rxDateRe.FindStringSubmatch(header); m != nil {
		return dateField(m[1], confStrong)
	}
	for _, d := range anyDateRe.FindAllString(header, -1) {
		if v, _ := normalizeDate(d); v == dob {
			continue
		}
		return dateField(d, confWeak)
	}
	return Field[string]{}
}

// validSAID applies the Luhn checksum used by 13-digit South African ID numbers
func validSAID(id string) bool {
	if len(id) != 13 {
		return false
	}
	sum := 0
	for i := 0; i < 13; i++ {
		c := id[12-i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

func dobFromSAID(id string, now time.Time) (string, bool) {
	t, err := time.Parse("060102", id[:6])
	if err != nil {
		return "", false
	}
	// two-digit years in the future belong to the previous century
	if t.After(now) {
		t = t.AddDate(-100, 0, 0)
	}
	return t.Format("2006-01-02"), true
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
