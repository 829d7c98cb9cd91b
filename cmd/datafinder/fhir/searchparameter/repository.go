package searchparameter

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

func NewSearchParameterRepository(log zerolog.Logger) *SearchParameterRepository {
	return &SearchParameterRepository{
		searchParametersMap: make(map[string]*fhir.SearchParameter),
		log:                 log.With().Str("component", "searchparameter_repository").Logger(),
	}
}

// LoadSearchParametersFromFile loads a SearchParameter bundle or a single
// SearchParameter from a file path
func (repo *SearchParameterRepository) LoadSearchParametersFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", filePath, err)
	}
	return repo.Load(data)
}

// Load loads a SearchParameter bundle or a single SearchParameter
func (repo *SearchParameterRepository) Load(data []byte) error {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode search parameters: %w", err)
	}

	if head.ResourceType == "Bundle" {
		count, err := repo.loadFromBundle(data)
		if err != nil {
			return err
		}
		repo.log.Info().
			Int("loaded", count).
			Int("total", repo.Count()).
			Msg("Loaded search parameters from bundle")
		return nil
	}

	var searchParam fhir.SearchParameter
	if err := json.Unmarshal(data, &searchParam); err != nil {
		return fmt.Errorf("failed to unmarshal file as bundle or search parameter: %w", err)
	}
	if searchParam.Url == "" {
		return fmt.Errorf("invalid SearchParameter: missing URL")
	}

	repo.mu.Lock()
	repo.searchParametersMap[searchParam.Url] = &searchParam
	repo.mu.Unlock()

	repo.log.Debug().
		Str("url", searchParam.Url).
		Msg("Loaded single search parameter")
	return nil
}

// loadFromBundle loads the SearchParameter entries of a bundle, skipping
// entries that do not decode
func (repo *SearchParameterRepository) loadFromBundle(data []byte) (int, error) {
	var bundle fhir.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return 0, fmt.Errorf("failed to unmarshal bundle: %w", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	loaded := 0
	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}

		var searchParam fhir.SearchParameter
		if err := json.Unmarshal(entry.Resource, &searchParam); err != nil {
			repo.log.Warn().Err(err).Msg("Skipping entry that is not a SearchParameter")
			continue
		}
		if searchParam.Url == "" {
			repo.log.Warn().Msg("Skipping SearchParameter with missing URL")
			continue
		}

		repo.searchParametersMap[searchParam.Url] = &searchParam
		loaded++
	}
	return loaded, nil
}

// GetSearchParameter retrieves a search parameter by URL
func (repo *SearchParameterRepository) GetSearchParameter(url string) (*fhir.SearchParameter, error) {
	repo.mu.RLock()
	defer repo.mu.RUnlock()

	sp, exists := repo.searchParametersMap[url]
	if !exists {
		return nil, fmt.Errorf("search parameter not found: %s", url)
	}
	return sp, nil
}

func (repo *SearchParameterRepository) Count() int {
	repo.mu.RLock()
	defer repo.mu.RUnlock()
	return len(repo.searchParametersMap)
}

// GetAllSearchParameters returns all loaded search parameters
func (repo *SearchParameterRepository) GetAllSearchParameters() []*fhir.SearchParameter {
	repo.mu.RLock()
	defer repo.mu.RUnlock()

	result := make([]*fhir.SearchParameter, 0, len(repo.searchParametersMap))
	for _, sp := range repo.searchParametersMap {
		result = append(result, sp)
	}
	return result
}

// GetSearchParametersForResource returns all search parameters applicable to a resource type
func (repo *SearchParameterRepository) GetSearchParametersForResource(resourceType string) []*fhir.SearchParameter {
	repo.mu.RLock()
	defer repo.mu.RUnlock()

	var result []*fhir.SearchParameter
	for _, sp := range repo.searchParametersMap {
		for _, base := range sp.Base {
			if base.Code() == resourceType {
				result = append(result, sp)
				break
			}
		}
	}
	return result
}
