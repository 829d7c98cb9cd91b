// Package columns resolves the column descriptions of resource tables and
// their persisted visibility.
package columns

import (
	"context"
	"fmt"
	"strings"

	"github.com/SanteonNL/datafinder/cmd/datafinder/settings"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/SanteonNL/datafinder/cmd/datafinder/values"
	"github.com/SanteonNL/datafinder/util"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// DefinitionsSource provides the base columns per resource type
type DefinitionsSource interface {
	ColumnDescriptions(resourceType string) []types.ColumnDescription
}

// researchSubjectColumn lists the patient a study was loaded for.
var researchSubjectColumn = types.ColumnDescription{
	DisplayName:   "Research subject",
	Element:       "subject",
	CustomElement: "researchSubject",
	Types:         []string{values.ContextPatientName},
}

type Resolver struct {
	defs           DefinitionsSource
	store          settings.Store
	settings       Settings
	supports       func(typ string) bool
	serviceBaseURL string
	log            zerolog.Logger
}

// NewResolver creates a resolver; supports reports whether the table can
// render a FHIR type, see values.Extractor.Supports.
func NewResolver(defs DefinitionsSource, store settings.Store, s Settings, supports func(string) bool, serviceBaseURL string, log zerolog.Logger) *Resolver {
	return &Resolver{
		defs:           defs,
		store:          store,
		settings:       s,
		supports:       supports,
		serviceBaseURL: serviceBaseURL,
		log:            log.With().Str("component", "column_resolver").Logger(),
	}
}

// StorageKey is the preference key of the visible column list.
func StorageKey(serviceBaseURL, resourceType, view string) string {
	return fmt.Sprintf("%s-%s-%s-columns", serviceBaseURL, resourceType, view)
}

// DisplayName derives "Effective Date Time" from "effective[x]DateTime"-like
// elements: the [x] suffix is dropped and camel case is split into words.
func DisplayName(element string) string {
	words := util.SplitCamelCase(util.Capitalize(strings.TrimSuffix(element, "[x]")))
	return strings.Join(words, " ")
}

// AvailableColumns merges the base, custom and context columns of a resource
// type, applies the persisted visibility and the configured order.
func (r *Resolver) AvailableColumns(ctx context.Context, resourceType, view string) ([]types.ColumnDescription, error) {
	merged := r.defs.ColumnDescriptions(resourceType)
	merged = mergeColumns(merged, r.settings.CustomColumns[resourceType])
	merged = mergeColumns(merged, r.settings.ContextColumns[view][resourceType])
	if resourceType == "ResearchStudy" {
		merged = mergeColumns(merged, []types.ColumnDescription{researchSubjectColumn})
	}

	visible, persisted, err := r.visibleNames(ctx, resourceType, view)
	if err != nil {
		return nil, err
	}
	order := r.settings.ColumnSort[resourceType]

	columns := make([]types.ColumnDescription, 0, len(merged))
	for _, col := range merged {
		col.Types = slices.DeleteFunc(slices.Clone(col.Types), func(t string) bool { return !r.supports(t) })
		if len(col.Types) == 0 {
			r.log.Trace().Str("resource_type", resourceType).Str("element", col.Element).Msg("Dropping column without supported types")
			continue
		}
		if col.DisplayName == "" {
			col.DisplayName = DisplayName(col.Element)
		}
		if persisted {
			col.Visible = slices.Contains(visible, col.Key())
		}
		col.SortOrder = slices.Index(order, col.Key()) + 1
		columns = append(columns, col)
	}

	slices.SortStableFunc(columns, func(a, b types.ColumnDescription) int {
		return sortRank(a) - sortRank(b)
	})
	return columns, nil
}

// VisibleColumns returns the visible subset of AvailableColumns.
func (r *Resolver) VisibleColumns(ctx context.Context, resourceType, view string) ([]types.ColumnDescription, error) {
	columns, err := r.AvailableColumns(ctx, resourceType, view)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(columns, func(c types.ColumnDescription) bool { return !c.Visible }), nil
}

// SetVisibleColumnNames persists the element (or custom element) names of
// the visible columns.
func (r *Resolver) SetVisibleColumnNames(ctx context.Context, resourceType, view string, names []string) error {
	key := StorageKey(r.serviceBaseURL, resourceType, view)
	if err := r.store.Set(ctx, key, strings.Join(names, ",")); err != nil {
		return fmt.Errorf("failed to store visible columns: %w", err)
	}
	r.log.Debug().Str("key", key).Strs("columns", names).Msg("Stored visible columns")
	return nil
}

func (r *Resolver) visibleNames(ctx context.Context, resourceType, view string) ([]string, bool, error) {
	value, ok, err := r.store.Get(ctx, StorageKey(r.serviceBaseURL, resourceType, view))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read visible columns: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if value == "" {
		return []string{}, true, nil
	}
	return strings.Split(value, ","), true, nil
}

// Elements returns the _elements projection for columns: the element itself,
// or the base name of choice elements with more than one type.
func Elements(columns []types.ColumnDescription) []string {
	var elements []string
	for _, col := range columns {
		if col.Expression != "" || strings.HasPrefix(col.Types[0], "context-") {
			continue
		}
		element := col.Element
		if i := strings.Index(element, "."); i >= 0 {
			element = element[:i]
		}
		if col.IsChoice() {
			element = col.BaseElement()
			if len(col.Types) == 1 {
				element += util.Capitalize(col.Types[0])
			}
		}
		if !slices.Contains(elements, element) {
			elements = append(elements, element)
		}
	}
	return elements
}

// mergeColumns appends extra columns, replacing columns with the same key.
func mergeColumns(base, extra []types.ColumnDescription) []types.ColumnDescription {
	for _, col := range extra {
		if i := slices.IndexFunc(base, func(c types.ColumnDescription) bool { return c.Key() == col.Key() }); i >= 0 {
			base[i] = col
			continue
		}
		base = append(base, col)
	}
	return base
}

// sortRank puts columns without a configured position last.
func sortRank(c types.ColumnDescription) int {
	if c.SortOrder == 0 {
		return int(^uint(0) >> 2)
	}
	return c.SortOrder
}
