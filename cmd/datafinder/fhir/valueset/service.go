// service.go
package valueset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

func NewValueSetService(config Config, log zerolog.Logger) (*ValueSetService, error) {
	if config.LocalPath == "" {
		return nil, fmt.Errorf("local path is required")
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 30 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.HTTPTimeout}
	}

	if err := os.MkdirAll(config.LocalPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory: %w", err)
	}

	service := &ValueSetService{
		cache:      make(map[string]*CachedValueSet),
		localPath:  config.LocalPath,
		maxAge:     config.MaxAge,
		fhirClient: httpClient,
		log:        log.With().Str("component", "valueset_service").Logger(),
	}

	if err := service.loadAllFromDisk(); err != nil {
		service.log.Error().Err(err).Msg("Failed to load ValueSets from disk")
	}
	return service, nil
}

// GetValueSet returns a value set by canonical URL. Cached sets are returned
// until they are older than MaxAge; http(s) URLs are then fetched remotely.
func (s *ValueSetService) GetValueSet(ctx context.Context, url string) (*fhir.ValueSet, error) {
	url = strings.TrimPrefix(url, "ValueSet/")

	s.mutex.RLock()
	cached, exists := s.cache[url]
	s.mutex.RUnlock()

	if exists && time.Since(cached.LastChecked) <= s.maxAge {
		return cached.ValueSet, nil
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		if exists {
			return cached.ValueSet, nil
		}
		return nil, fmt.Errorf("failed to fetch ValueSet: %s", url)
	}

	valueSet, err := s.fetchFromRemote(ctx, url)
	if err != nil {
		if exists {
			s.log.Warn().Err(err).Str("url", url).Msg("Remote fetch failed, using expired cache")
			return cached.ValueSet, nil
		}
		return nil, fmt.Errorf("failed to fetch ValueSet from remote: %w", err)
	}
	if valueSet.Url == nil {
		valueSet.Url = &url
	}

	if err := s.WriteNewValueSet(valueSet); err != nil {
		s.log.Error().Err(err).Str("url", url).Msg("Failed to save ValueSet to disk")
	}
	s.updateCache(url, valueSet)
	return valueSet, nil
}

// ValueSets returns all loaded value sets keyed by canonical URL
func (s *ValueSetService) ValueSets() map[string]*fhir.ValueSet {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[string]*fhir.ValueSet, len(s.cache))
	for url, cached := range s.cache {
		out[url] = cached.ValueSet
	}
	return out
}

func (s *ValueSetService) updateCache(url string, valueSet *fhir.ValueSet) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cache[url] = &CachedValueSet{
		ValueSet:    valueSet,
		LastChecked: time.Now(),
	}
}

func (s *ValueSetService) fetchFromRemote(ctx context.Context, url string) (*fhir.ValueSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Accept", "application/fhir+json")

	resp, err := s.fhirClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var valueSet fhir.ValueSet
	if err := json.Unmarshal(bodyBytes, &valueSet); err != nil {
		return nil, fmt.Errorf("failed to decode ValueSet: %w", err)
	}
	return &valueSet, nil
}

func (s *ValueSetService) loadAllFromDisk() error {
	files, err := filepath.Glob(filepath.Join(s.localPath, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list ValueSet files: %w", err)
	}

	loaded := 0
	for _, file := range files {
		valueSet, lastUpdated, err := s.loadValueSetFromDisk(file)
		if err != nil {
			s.log.Warn().Err(err).Str("file", file).Msg("Skipping unreadable ValueSet file")
			continue
		}
		if valueSet.Url == nil || *valueSet.Url == "" {
			s.log.Warn().Str("file", file).Msg("Skipping ValueSet without URL")
			continue
		}
		s.mutex.Lock()
		s.cache[*valueSet.Url] = &CachedValueSet{ValueSet: valueSet, LastChecked: lastUpdated}
		s.mutex.Unlock()
		loaded++
	}

	s.log.Info().
		Str("path", s.localPath).
		Int("count", loaded).
		Msg("Loaded ValueSets from disk")
	return nil
}

// loadValueSetFromDisk reads either a metadata wrapped or a plain ValueSet.
// Plain files count as checked at their modification time.
func (s *ValueSetService) loadValueSetFromDisk(filePath string) (*fhir.ValueSet, time.Time, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read file: %w", err)
	}

	var metadata ValueSetMetadata
	if err := json.Unmarshal(data, &metadata); err == nil && metadata.ValueSet != nil {
		return metadata.ValueSet, metadata.LastUpdated, nil
	}

	var valueSet fhir.ValueSet
	if err := json.Unmarshal(data, &valueSet); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse ValueSet: %w", err)
	}
	modTime := time.Now()
	if info, err := os.Stat(filePath); err == nil {
		modTime = info.ModTime()
	}
	return &valueSet, modTime, nil
}

// getValueSetFilename generates a unique filename based on name and URL hash
func (s *ValueSetService) getValueSetFilename(valueSet *fhir.ValueSet) string {
	var baseName string
	if valueSet.Title != nil && *valueSet.Title != "" {
		baseName = *valueSet.Title
	} else if valueSet.Id != nil && *valueSet.Id != "" {
		baseName = *valueSet.Id
	} else {
		baseName = "unnamed_valueset"
	}

	baseName = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_':
			return '_'
		default:
			return -1
		}
	}, baseName)

	hasher := sha256.New()
	hasher.Write([]byte(*valueSet.Url))
	urlHash := hex.EncodeToString(hasher.Sum(nil))[:8]

	return fmt.Sprintf("%s_%s.json", baseName, urlHash)
}

// WriteNewValueSet writes a downloaded ValueSet to disk wrapped in metadata
func (s *ValueSetService) WriteNewValueSet(valueSet *fhir.ValueSet) error {
	if valueSet.Url == nil {
		return fmt.Errorf("valueset URL is required")
	}

	metadata := ValueSetMetadata{
		OriginalURL: *valueSet.Url,
		LastUpdated: time.Now(),
		ValueSet:    valueSet,
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ValueSet: %w", err)
	}

	filename := s.getValueSetFilename(valueSet)
	if err := os.WriteFile(filepath.Join(s.localPath, filename), data, 0644); err != nil {
		return fmt.Errorf("failed to write ValueSet file: %w", err)
	}

	s.log.Info().
		Str("url", *valueSet.Url).
		Str("filename", filename).
		Msg("Saved ValueSet to disk")
	return nil
}
