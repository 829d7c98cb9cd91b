package values

import (
	"strconv"
	"strings"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
)

// Column types resolved against the cohort patient instead of the resource.
const (
	ContextPatientName = "context-patient-name"
	ContextPatientID   = "context-patient-id"
	ContextPatientAge  = "context-patient-age"
	ContextEmail       = "context-email"
	ContextPhone       = "context-phone"
)

func isContextType(typ string) bool {
	return strings.HasPrefix(typ, "context-")
}

// PatientIndex maps "Patient/<id>" to the cohort patient. It is built once
// per pull and only read afterwards.
type PatientIndex map[string]resource.Resource

func NewPatientIndex(patients []resource.Resource) PatientIndex {
	index := make(PatientIndex, len(patients))
	for _, p := range patients {
		if ref := p.Reference(); ref != "" {
			index[ref] = p
		}
	}
	return index
}

// For returns the patient a resource belongs to: the resource itself for
// patients, otherwise the patient its subject or patient element refers to.
func (idx PatientIndex) For(res resource.Resource) resource.Resource {
	if res.Type() == "Patient" {
		return res
	}
	for _, key := range []string{"subject", "patient", "individual"} {
		if ref := res.PathString(key, "reference"); ref != "" {
			if p, ok := idx[ref]; ok {
				return p
			}
		}
	}
	return nil
}

func patientName(_ *Extractor, in input, _ any) []string {
	if in.patient == nil {
		return nil
	}
	for _, name := range resource.AsList(in.patient.Get("name")) {
		if s, ok := HumanNameString(name); ok {
			return []string{s}
		}
	}
	return nil
}

func patientID(_ *Extractor, in input, _ any) []string {
	if in.patient == nil || in.patient.ID() == "" {
		return nil
	}
	return []string{in.patient.ID()}
}

// patientAge renders the age in whole years, at death for deceased patients.
func patientAge(x *Extractor, in input, _ any) []string {
	if in.patient == nil {
		return nil
	}
	birth, ok := parseDate(in.patient.String("birthDate"))
	if !ok {
		return nil
	}
	at := x.opts.Now()
	if died, ok := parseDate(in.patient.String("deceasedDateTime")); ok {
		at = died
	}
	years := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return nil
	}
	return []string{strconv.Itoa(years)}
}

func patientContacts(system string) extractFunc {
	return func(x *Extractor, in input, _ any) []string {
		if in.patient == nil {
			return nil
		}
		var lines []string
		for _, telecom := range in.patient.Objects("telecom") {
			if telecom.String("system") != system {
				continue
			}
			lines = append(lines, contactPoint(x, input{res: in.patient, path: "Patient.telecom"}, map[string]any(telecom))...)
		}
		return lines
	}
}

func parseDate(s string) (time.Time, bool) {
	if len(s) >= 10 {
		s = s[:10]
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
