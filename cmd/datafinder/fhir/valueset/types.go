// types.go
package valueset

import (
	"net/http"
	"sync"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// ValueSetService loads FHIR ValueSets from a local directory, fetches
// missing canonical ones remotely and exposes them as selectable items
type ValueSetService struct {
	cache      map[string]*CachedValueSet // canonical URL -> value set
	mutex      sync.RWMutex
	localPath  string
	maxAge     time.Duration
	fhirClient *http.Client
	log        zerolog.Logger
}

type ValueSetMetadata struct {
	OriginalURL string         `json:"originalUrl"`
	LastUpdated time.Time      `json:"lastUpdated"`
	ValueSet    *fhir.ValueSet `json:"valueSet"`
}

type CachedValueSet struct {
	ValueSet    *fhir.ValueSet
	LastChecked time.Time
}

type Config struct {
	LocalPath   string
	MaxAge      time.Duration
	HTTPTimeout time.Duration
	HTTPClient  *http.Client // Optional, defaults to a client with HTTPTimeout
}

// Sink receives value sets and path bindings, see definitions.Definitions
type Sink interface {
	AddValueSet(key string, items []types.ValueSetItem)
	BindValueSet(path, key string)
}
