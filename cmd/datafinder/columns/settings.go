package columns

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
)

// Settings are the column customizations of a deployment
type Settings struct {
	// CustomColumns adds columns per resource type
	CustomColumns map[string][]types.ColumnDescription `json:"customColumns"`
	// ContextColumns adds columns per context (e.g. "patient") and resource type
	ContextColumns map[string]map[string][]types.ColumnDescription `json:"contextColumns"`
	// ColumnSort orders columns per resource type by element or custom element
	ColumnSort map[string][]string `json:"columnSort"`
	// ValueSetBindings binds element paths to ValueSet canonical URLs
	ValueSetBindings map[string]string `json:"valueSetBindings"`
}

// LoadSettings reads column settings from a JSON file. An empty path yields
// empty settings.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read column settings %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to decode column settings %s: %w", path, err)
	}
	return s, nil
}
