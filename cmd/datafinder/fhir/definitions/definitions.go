// Package definitions holds the per FHIR version tables of search parameters,
// column descriptions and value sets the data finder works from.
package definitions

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
)

//go:embed r4.json stu3.json
var tables embed.FS

var versionNameByNumber = []struct {
	pattern *regexp.Regexp
	name    string
}{
	{regexp.MustCompile(`^3\.0`), "STU3"},
	{regexp.MustCompile(`^4\.[0-3]`), "R4"},
}

var fileByVersionName = map[string]string{
	"STU3": "stu3.json",
	"R4":   "r4.json",
}

// VersionNameByNumber maps a CapabilityStatement fhirVersion such as "4.0.1"
// to a supported version name.
func VersionNameByNumber(fhirVersion string) (string, bool) {
	for _, v := range versionNameByNumber {
		if v.pattern.MatchString(fhirVersion) {
			return v.name, true
		}
	}
	return "", false
}

type ResourceDefinition struct {
	SearchParameters   []types.SearchParameter   `json:"searchParameters"`
	ColumnDescriptions []types.ColumnDescription `json:"columnDescriptions"`
}

// Definitions is the definition table of one FHIR version. It is populated
// at startup and read concurrently afterwards.
type Definitions struct {
	Version        string                          `json:"-"`
	Resources      map[string]ResourceDefinition   `json:"resources"`
	ValueSets      map[string][]types.ValueSetItem `json:"valueSets"`
	ValueSetByPath map[string]string               `json:"valueSetByPath"`

	mu                sync.RWMutex
	valueSetMapByPath map[string]map[string]string
}

// Load decodes the embedded table for a version name returned by VersionNameByNumber.
func Load(versionName string) (*Definitions, error) {
	file, ok := fileByVersionName[versionName]
	if !ok {
		return nil, fmt.Errorf("no definitions for FHIR version %s", versionName)
	}
	data, err := tables.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions %s: %w", file, err)
	}
	return Parse(versionName, data)
}

// Parse decodes a definition table.
func Parse(versionName string, data []byte) (*Definitions, error) {
	defs := &Definitions{}
	if err := json.Unmarshal(data, defs); err != nil {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}
	defs.Version = versionName
	if defs.Resources == nil {
		defs.Resources = map[string]ResourceDefinition{}
	}
	if defs.ValueSets == nil {
		defs.ValueSets = map[string][]types.ValueSetItem{}
	}
	if defs.ValueSetByPath == nil {
		defs.ValueSetByPath = map[string]string{}
	}
	return defs, nil
}

// ResourceTypes lists the resource types with a definition.
func (d *Definitions) ResourceTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.Resources))
	for name := range d.Resources {
		out = append(out, name)
	}
	return out
}

// ColumnDescriptions returns a copy of the base columns of a resource type.
func (d *Definitions) ColumnDescriptions(resourceType string) []types.ColumnDescription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cols := d.Resources[resourceType].ColumnDescriptions
	out := make([]types.ColumnDescription, len(cols))
	copy(out, cols)
	return out
}

func (d *Definitions) SearchParameters(resourceType string) []types.SearchParameter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	params := d.Resources[resourceType].SearchParameters
	out := make([]types.SearchParameter, len(params))
	copy(out, params)
	return out
}

// AddSearchParameters adds parameters to a resource type, replacing
// parameters with the same name.
func (d *Definitions) AddSearchParameters(resourceType string, params ...types.SearchParameter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	def := d.Resources[resourceType]
	for _, p := range params {
		replaced := false
		for i := range def.SearchParameters {
			if def.SearchParameters[i].Name == p.Name {
				def.SearchParameters[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			def.SearchParameters = append(def.SearchParameters, p)
		}
	}
	d.Resources[resourceType] = def
}

// ValueSet returns the items of a value set by key or canonical URL.
func (d *Definitions) ValueSet(key string) []types.ValueSetItem {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ValueSets[key]
}

// AddValueSet registers or replaces a value set.
func (d *Definitions) AddValueSet(key string, items []types.ValueSetItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ValueSets[key] = items
	d.valueSetMapByPath = nil
}

// BindValueSet binds an element path such as "Patient.gender" to a value set.
func (d *Definitions) BindValueSet(path, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ValueSetByPath[path] = key
	d.valueSetMapByPath = nil
}

// ValueSetMapByPath maps element paths to code -> display maps. It is
// derived from ValueSetByPath on first use.
func (d *Definitions) ValueSetMapByPath() map[string]map[string]string {
	d.mu.RLock()
	if d.valueSetMapByPath != nil {
		m := d.valueSetMapByPath
		d.mu.RUnlock()
		return m
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.valueSetMapByPath != nil {
		return d.valueSetMapByPath
	}
	m := make(map[string]map[string]string, len(d.ValueSetByPath))
	for path, key := range d.ValueSetByPath {
		items, ok := d.ValueSets[key]
		if !ok {
			continue
		}
		displays := make(map[string]string, len(items))
		for _, item := range items {
			displays[item.Code] = item.Display
		}
		m[path] = displays
	}
	d.valueSetMapByPath = m
	return m
}

// ElementPathFromExpression turns the first alternative of a search parameter
// expression into an element path: "Observation.value.as(Quantity)" becomes
// "Observation.valueQuantity".
func ElementPathFromExpression(expression string) string {
	first := strings.TrimSpace(strings.Split(expression, "|")[0])
	if strings.HasPrefix(first, "(") && strings.HasSuffix(first, ")") {
		first = strings.TrimSpace(first[1 : len(first)-1])
	}
	for _, re := range asCalls {
		if m := re.FindStringSubmatch(first); m != nil {
			return m[1] + strings.ToUpper(m[2][:1]) + m[2][1:]
		}
	}
	if i := strings.Index(first, ".where("); i >= 0 {
		first = first[:i]
	}
	if i := strings.Index(first, ".exists()"); i >= 0 {
		first = first[:i]
	}
	return first
}

var asCalls = []*regexp.Regexp{
	regexp.MustCompile(`^([\w.]+)\.as\((\w+)\)$`),
	regexp.MustCompile(`^([\w.]+) as (\w+)$`),
}

// ColumnForElementPath finds the column description whose element matches the
// element of an element path such as "Patient.birthDate". Choice columns match
// their typed variants ("valueQuantity" matches "value[x]").
func (d *Definitions) ColumnForElementPath(path string) (types.ColumnDescription, bool) {
	resourceType, element, ok := strings.Cut(path, ".")
	if !ok {
		return types.ColumnDescription{}, false
	}
	if i := strings.Index(element, "."); i >= 0 {
		element = element[:i]
	}
	for _, col := range d.ColumnDescriptions(resourceType) {
		if col.Element == element {
			return col, true
		}
		if col.IsChoice() && strings.HasPrefix(element, col.BaseElement()) {
			suffix := strings.TrimPrefix(element, col.BaseElement())
			if suffix == "" {
				return col, true
			}
			for _, t := range col.Types {
				if strings.EqualFold(t, suffix) {
					narrowed := col
					narrowed.Types = []string{t}
					return narrowed, true
				}
			}
		}
	}
	return types.ColumnDescription{}, false
}
