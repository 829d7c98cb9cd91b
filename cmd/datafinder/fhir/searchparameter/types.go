package searchparameter

import (
	"sync"

	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

type SearchParameterRepository struct {
	searchParametersMap map[string]*fhir.SearchParameter // URL -> SearchParameter
	mu                  sync.RWMutex
	log                 zerolog.Logger
}

// SearchParameterService turns loaded SearchParameter resources into
// definition table entries
type SearchParameterService struct {
	repo *SearchParameterRepository
	log  zerolog.Logger
}

// Sink receives converted search parameters, see definitions.Definitions
type Sink interface {
	AddSearchParameters(resourceType string, params ...types.SearchParameter)
}
