// Package bundle decodes FHIR search and batch bundles and builds batch requests.
package bundle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// SearchResult is a decoded searchset page
type SearchResult struct {
	Resources []resource.Resource
	Total     *int
	Next      string // URL of the next page, empty on the last page
}

// ParseSearchResult decodes a searchset bundle. Entries without a resource
// are skipped; a resource that does not decode fails the page.
func ParseSearchResult(data []byte) (*SearchResult, error) {
	var b fhir.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}

	result := &SearchResult{
		Total:     b.Total,
		Resources: make([]resource.Resource, 0, len(b.Entry)),
		Next:      Link(b.Link, "next"),
	}
	for _, entry := range b.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		res, err := resource.Decode(entry.Resource)
		if err != nil {
			return nil, err
		}
		result.Resources = append(result.Resources, res)
	}
	return result, nil
}

// Link returns the URL of the link with the given relation.
func Link(links []fhir.BundleLink, relation string) string {
	for _, l := range links {
		if l.Relation == relation {
			return l.Url
		}
	}
	return ""
}

// NewBatchRequest builds a batch bundle with one GET entry per relative URL.
func NewBatchRequest(urls []string) fhir.Bundle {
	entries := make([]fhir.BundleEntry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, fhir.BundleEntry{
			Request: &fhir.BundleEntryRequest{
				Method: fhir.HTTPVerbGET,
				Url:    u,
			},
		})
	}
	return fhir.Bundle{
		Type:  fhir.BundleTypeBatch,
		Entry: entries,
	}
}

// BatchEntryResult is the outcome of one entry of a batch-response bundle
type BatchEntryResult struct {
	Status int
	Body   json.RawMessage // The entry resource, or the OperationOutcome for failures
}

// ParseBatchResponse decodes a batch-response bundle into per entry results,
// in request order.
func ParseBatchResponse(data []byte) ([]BatchEntryResult, error) {
	var b fhir.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}

	results := make([]BatchEntryResult, 0, len(b.Entry))
	for i, entry := range b.Entry {
		if entry.Response == nil {
			return nil, fmt.Errorf("batch response entry %d has no response", i)
		}
		status, err := ParseStatus(entry.Response.Status)
		if err != nil {
			return nil, fmt.Errorf("batch response entry %d: %w", i, err)
		}
		body := entry.Resource
		if len(body) == 0 && len(entry.Response.Outcome) > 0 {
			body = entry.Response.Outcome
		}
		results = append(results, BatchEntryResult{Status: status, Body: body})
	}
	return results, nil
}

// ParseStatus reads the code of a batch entry status such as "200 OK".
func ParseStatus(status string) (int, error) {
	code, _, _ := strings.Cut(strings.TrimSpace(status), " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("invalid status %q", status)
	}
	return n, nil
}
