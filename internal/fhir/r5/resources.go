package r5

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

// GetFullName returns the patient's name as a string.
func (p *Patient) GetFullName() string {
	if len(p.Name) == 0 {
		return ""
	}
	return p.Name[0].String()
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType  string                      `json:"resourceType"`
	ID            string                      `json:"id,omitempty"`
	Identifier    []Identifier                `json:"identifier,omitempty"`
	Name          []HumanName                 `json:"name,omitempty"`
	Telecom       []ContactPoint              `json:"telecom,omitempty"`
	Qualification []PractitionerQualification `json:"qualification,omitempty"`
}

// PractitionerQualification represents a practitioner's qualifications.
type PractitionerQualification struct {
	Code CodeableConcept `json:"code"`
}

// GetPracticeNumber returns the practitioner's practice number.
func (p *Practitioner) GetPracticeNumber() string {
	for _, id := range p.Identifier {
		if id.System == SystemPracticeNumber {
			return id.Value
		}
	}
	return ""
}

// String renders the name from its text or its parts
func (n HumanName) String() string {
	if n.Text != "" {
		return n.Text
	}
	parts := append(append([]string{}, n.Prefix...), n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}

// Bundle is a FHIR R5 Bundle of type collection.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"` // document | message | transaction | batch | collection | ...
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a bundle. Resource is one of the
// resource structs of this package.
type BundleEntry struct {
	FullURL  string `json:"fullUrl,omitempty"`
	Resource any    `json:"resource"`
}

// MedicationRequests returns the medication requests of the bundle in order
func (b *Bundle) MedicationRequests() []*MedicationRequest {
	var out []*MedicationRequest
	for _, e := range b.Entry {
		if mr, ok := e.Resource.(*MedicationRequest); ok {
			out = append(out, mr)
		}
	}
	return out
}

// UnmarshalJSON decodes entries into the concrete resource types
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw.Resource, &head); err != nil {
		return fmt.Errorf("bundle entry %s: %w", raw.FullURL, err)
	}

	var res any
	switch head.ResourceType {
	case "MedicationRequest":
		res = &MedicationRequest{}
	case "Patient":
		res = &Patient{}
	case "Practitioner":
		res = &Practitioner{}
	case "OperationOutcome":
		res = &OperationOutcome{}
	default:
		return fmt.Errorf("bundle entry %s: unsupported resource type %q", raw.FullURL, head.ResourceType)
	}
	if err := json.Unmarshal(raw.Resource, res); err != nil {
		return fmt.Errorf("bundle entry %s: %w", raw.FullURL, err)
	}
	e.FullURL = raw.FullURL
	e.Resource = res
	return nil
}
