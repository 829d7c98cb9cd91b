package pull

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"golang.org/x/exp/slices"
)

// subRequest is one search of a pull
type subRequest struct {
	url     string
	patient resource.Resource
}

// codeFilter is an explicit Observation code condition
type codeFilter struct {
	param string
	code  string
}

var codeCondition = regexp.MustCompile(`&(combo-code|code)=([^&]*)`)

// extractCodes removes the code conditions from criteria and returns one
// filter per comma separated code.
func extractCodes(criteria string) (string, []codeFilter) {
	var codes []codeFilter
	rest := codeCondition.ReplaceAllStringFunc(criteria, func(m string) string {
		parts := codeCondition.FindStringSubmatch(m)
		for _, c := range strings.Split(parts[2], ",") {
			if c != "" {
				codes = append(codes, codeFilter{param: parts[1], code: c})
			}
		}
		return ""
	})
	return rest, codes
}

// withDefaults fills the unset options of req.
func withDefaults(req Request) Request {
	if req.PerPatientLimit <= 0 {
		req.PerPatientLimit = DefaultCount
		if req.ResourceType == "Observation" {
			req.PerPatientLimit = 1
		}
	}
	if req.MaxPages <= 0 {
		req.MaxPages = 1
	}
	if req.ResourceType == "Patient" {
		req.ChunkSize = PatientChunkSize
	} else if req.ChunkSize <= 0 {
		req.ChunkSize = 1
	}
	return req
}

// requiredElements are the elements the pipeline itself reads.
var requiredElements = map[string][]string{
	"Observation": {"subject", "code"},
}

// plan builds the searches of a pull; codes is true when Observation code
// filters were split into separate searches.
func plan(req Request, features client.Features) (subs []subRequest, codes bool) {
	criteria, filters := req.Criteria, []codeFilter(nil)
	if req.ResourceType == "Observation" {
		criteria, filters = extractCodes(req.Criteria)
	}

	var sortFields []string
	if req.ResourceType == "Observation" {
		if len(filters) == 0 {
			sortFields = append(sortFields, "patient", "code")
		}
		if features.SortObservationsByDate {
			sortFields = append(sortFields, "-date")
		} else if features.SortObservationsByAgeAtEvent {
			sortFields = append(sortFields, "-age-at-event")
		}
	}

	count := req.PerPatientLimit
	switch {
	case len(filters) > 0:
	case req.ResourceType == "Observation", req.ResourceType == "Patient", req.ResourceType == "ResearchStudy":
		count = DefaultCount
	}

	var suffix strings.Builder
	suffix.WriteString(criteria)
	if len(sortFields) > 0 {
		suffix.WriteString("&_sort=" + strings.Join(sortFields, ","))
	}
	suffix.WriteString("&_count=" + strconv.Itoa(count))
	if len(req.Elements) > 0 {
		elements := slices.Clone(req.Elements)
		for _, e := range requiredElements[req.ResourceType] {
			if !slices.Contains(elements, e) {
				elements = append(elements, e)
			}
		}
		suffix.WriteString("&_elements=" + strings.Join(elements, ","))
	}

	for _, chunk := range chunks(req.Patients, req.ChunkSize) {
		base := fmt.Sprintf("%s?%s%s", req.ResourceType, linkToPatients(req.ResourceType, chunk), suffix.String())
		var patient resource.Resource
		if len(chunk) == 1 {
			patient = chunk[0]
		}
		if len(filters) == 0 {
			subs = append(subs, subRequest{url: base, patient: patient})
			continue
		}
		for _, f := range filters {
			subs = append(subs, subRequest{url: base + "&" + f.param + "=" + f.code, patient: patient})
		}
	}
	return subs, len(filters) > 0
}

func linkToPatients(resourceType string, patients []resource.Resource) string {
	ids := make([]string, 0, len(patients))
	for _, p := range patients {
		switch resourceType {
		case "ResearchStudy", "Patient":
			ids = append(ids, p.ID())
		default:
			ids = append(ids, "Patient/"+p.ID())
		}
	}
	switch resourceType {
	case "ResearchStudy":
		return "_has:ResearchSubject:study:individual=" + strings.Join(ids, ",")
	case "Patient":
		return "_id=" + strings.Join(ids, ",")
	default:
		return "subject=" + strings.Join(ids, ",")
	}
}

func chunks(patients []resource.Resource, size int) [][]resource.Resource {
	var out [][]resource.Resource
	for size < len(patients) {
		patients, out = patients[size:], append(out, patients[:size:size])
	}
	if len(patients) > 0 {
		out = append(out, patients)
	}
	return out
}
