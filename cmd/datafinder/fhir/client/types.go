package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusAborted is the status of responses that never got an HTTP status:
// cancelled requests and transport failures.
const StatusAborted = 0

var ErrAborted = errors.New("request aborted")

type Config struct {
	ServiceBaseURL      string
	APIKey              string
	MaxRequestsPerBatch int           // Upper bound of GETs coalesced into one batch bundle
	MaxActiveRequests   int           // Upper bound of concurrent physical requests
	CacheEnabled        bool          // Memoize settled responses per URL
	BatchTimeout        time.Duration // How long the dispatcher waits to fill a batch
	HTTPTimeout         time.Duration // Per physical request, 0 disables the timeout
	Cache               CacheConfig
}

// DefaultConfig returns a Config with the defaults of the settings page
func DefaultConfig(serviceBaseURL string) Config {
	return Config{
		ServiceBaseURL:      serviceBaseURL,
		MaxRequestsPerBatch: 10,
		MaxActiveRequests:   6,
		CacheEnabled:        true,
		BatchTimeout:        20 * time.Millisecond,
	}
}

func (c *Config) validate() error {
	if c.ServiceBaseURL == "" {
		return fmt.Errorf("service base URL is required")
	}
	if c.MaxActiveRequests < 1 {
		return fmt.Errorf("max active requests must be at least 1, got %d", c.MaxActiveRequests)
	}
	if c.MaxRequestsPerBatch < 1 {
		c.MaxRequestsPerBatch = 1
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("batch timeout must not be negative")
	}
	return nil
}

// Features are the optional server capabilities detected by Initialize
type Features struct {
	Batch                        bool
	SortObservationsByDate       bool
	SortObservationsByAgeAtEvent bool
	LastnLookup                  bool
}

// FeatureFlags switch off features even when the server supports them
type FeatureFlags struct {
	DisableBatch                        bool
	DisableSortObservationsByDate       bool
	DisableSortObservationsByAgeAtEvent bool
	DisableLastnLookup                  bool
}

// Response is the settled outcome of a logical request. Err is nil only for
// 2xx responses.
type Response struct {
	Status int
	Data   json.RawMessage
	Err    error
}

func (r Response) OK() bool {
	return r.Err == nil && r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices
}

// Aborted reports whether the request was cancelled before it settled.
func (r Response) Aborted() bool {
	return errors.Is(r.Err, ErrAborted)
}

// Decode unmarshals the response body.
func (r Response) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func abortedResponse() Response {
	return Response{Status: StatusAborted, Err: ErrAborted}
}

// TransportError is a request that failed without an HTTP response
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a request answered with a non-2xx status
type HTTPError struct {
	URL    string
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request %s returned status %d", e.URL, e.Status)
}

// UnsupportedVersionError is returned by Initialize for FHIR versions
// without a definition table
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported FHIR version: %s", e.Version)
}
