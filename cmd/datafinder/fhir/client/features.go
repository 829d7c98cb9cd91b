package client

import (
	"context"
	"fmt"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/definitions"
	"golang.org/x/sync/errgroup"
)

// Feature detection queries. A check succeeds when the server answers with 2xx.
const (
	querySortByDate       = "Observation?date=gt1000-01-01&_sort=date&_count=1&_elements=id"
	querySortByAgeAtEvent = "Observation?_sort=age-at-event&_count=1&_elements=id"
	queryLastn            = "Observation/$lastn?max=1&_count=1&_elements=code"
)

type capabilityStatement struct {
	FhirVersion string `json:"fhirVersion"`
	Rest        []struct {
		Interaction []struct {
			Code string `json:"code"`
		} `json:"interaction"`
	} `json:"rest"`
}

func (cs capabilityStatement) supports(interaction string) bool {
	for _, rest := range cs.Rest {
		for _, i := range rest.Interaction {
			if i.Code == interaction {
				return true
			}
		}
	}
	return false
}

// Initialize reads the server's CapabilityStatement, checks the FHIR version
// and detects the optional features. flags can only switch features off.
func (c *Client) Initialize(ctx context.Context, flags FeatureFlags) error {
	resp := c.GetWithCache(ctx, "metadata")
	if !resp.OK() {
		return fmt.Errorf("failed to read capability statement: %w", resp.Err)
	}
	var cs capabilityStatement
	if err := resp.Decode(&cs); err != nil {
		return err
	}

	versionName, ok := definitions.VersionNameByNumber(cs.FhirVersion)
	if !ok {
		return &UnsupportedVersionError{Version: cs.FhirVersion}
	}

	var features Features
	features.Batch = !flags.DisableBatch && cs.supports("batch")

	detect := func(url string, disabled bool, dst *bool) func() error {
		return func() error {
			if disabled {
				return nil
			}
			r := c.GetWithCache(ctx, url)
			if r.Aborted() {
				return ErrAborted
			}
			*dst = r.OK()
			return nil
		}
	}
	g, _ := errgroup.WithContext(ctx)
	g.Go(detect(querySortByDate, flags.DisableSortObservationsByDate, &features.SortObservationsByDate))
	g.Go(detect(querySortByAgeAtEvent, flags.DisableSortObservationsByAgeAtEvent, &features.SortObservationsByAgeAtEvent))
	g.Go(detect(queryLastn, flags.DisableLastnLookup, &features.LastnLookup))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to detect server features: %w", err)
	}

	c.mu.Lock()
	c.features = features
	c.versionName = versionName
	c.mu.Unlock()

	c.log.Info().
		Str("fhir_version", cs.FhirVersion).
		Str("version_name", versionName).
		Bool("batch", features.Batch).
		Bool("sort_by_date", features.SortObservationsByDate).
		Bool("sort_by_age_at_event", features.SortObservationsByAgeAtEvent).
		Bool("lastn", features.LastnLookup).
		Msg("Initialized FHIR client")
	return nil
}
