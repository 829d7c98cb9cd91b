package pull

import (
	"context"
	"fmt"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
)

const (
	// DefaultCount is the page size of requests without a per patient limit
	DefaultCount = 1000
	// PatientChunkSize is the number of patients per Patient request
	PatientChunkSize = 10
)

// Querier executes FHIR searches, see client.Client
type Querier interface {
	GetWithCache(ctx context.Context, url string) client.Response
	Features() client.Features
}

// generational is implemented by queriers whose pending requests can be
// cleared as a whole, see client.Client.ClearPendingRequests
type generational interface {
	Generation() context.Context
}

// Request describes the resources to pull for a cohort
type Request struct {
	ResourceType string
	Patients     []resource.Resource
	// Criteria is a query string fragment, each condition starting with "&"
	Criteria string
	// PerPatientLimit caps Observations per patient and test, and other
	// resources per patient. Defaults to 1 for Observation and DefaultCount
	// otherwise.
	PerPatientLimit int
	// Elements restricts the returned elements, empty means all
	Elements []string
	// MaxPages bounds the pages followed per request, defaults to 1
	MaxPages int
	// ChunkSize is the number of patients per request for resource types
	// other than Patient, defaults to 1
	ChunkSize int
}

// Record is one pulled resource with the patient it was loaded for. Patient
// is nil when the request covered more than one patient.
type Record struct {
	Resource resource.Resource
	Patient  resource.Resource
}

// Observer receives the records of a pull. Its methods are called from a
// single goroutine. Complete and Error are terminal and called at most once;
// neither is called for an aborted pull.
type Observer interface {
	Next(Record)
	Complete()
	Error(error)
}

// ProgressFunc is called after every finished sub-request
type ProgressFunc func(completed, total int)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateCompleted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// LoadError is the failure of a pull
type LoadError struct {
	ResourceType string
	URL          string
	Err          error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("Could not load %s list", e.ResourceType)
}

func (e *LoadError) Unwrap() error { return e.Err }
