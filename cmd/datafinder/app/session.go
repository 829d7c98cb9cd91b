// Package app ties a FHIR server connection to the definitions, column
// resolver and pipelines that work on it.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/SanteonNL/datafinder/cmd/datafinder/columns"
	"github.com/SanteonNL/datafinder/cmd/datafinder/config"
	"github.com/SanteonNL/datafinder/cmd/datafinder/criteria"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/definitions"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/searchparameter"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/valueset"
	"github.com/SanteonNL/datafinder/cmd/datafinder/lookup"
	"github.com/SanteonNL/datafinder/cmd/datafinder/output"
	"github.com/SanteonNL/datafinder/cmd/datafinder/pull"
	"github.com/SanteonNL/datafinder/cmd/datafinder/settings"
	"github.com/SanteonNL/datafinder/cmd/datafinder/values"
	"github.com/rs/zerolog"
)

type Options struct {
	Config         *config.Config
	Store          settings.Store
	ColumnSettings columns.Settings
	ClientOptions  []client.Option
}

// Session is the connection to one FHIR server. It replaces the server wide
// state of a selected server: switching servers means opening a new Session.
type Session struct {
	Client      *client.Client
	Definitions *definitions.Definitions
	Resolver    *columns.Resolver
	Pipeline    *pull.Pipeline
	Lookup      *lookup.Lookup

	cfg *config.Config
	log zerolog.Logger
}

// Open connects to the configured server, loads the definitions of its FHIR
// version and remembers the server in the preference store.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*Session, error) {
	cfg := opts.Config
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}
	log = log.With().Str("server", cfg.FHIRServerURL).Logger()

	c, err := client.Connect(ctx, cfg.Client(), cfg.FeatureFlags(), log, opts.ClientOptions...)
	if err != nil {
		return nil, err
	}
	defs, err := definitions.Load(c.VersionName())
	if err != nil {
		c.Close()
		return nil, err
	}

	if cfg.SearchParameterFile != "" {
		repo := searchparameter.NewSearchParameterRepository(log)
		if err := repo.LoadSearchParametersFromFile(cfg.SearchParameterFile); err != nil {
			c.Close()
			return nil, err
		}
		searchparameter.NewSearchParameterService(repo, log).ApplyTo(defs)
	}
	if cfg.ValueSetDir != "" {
		vs, err := valueset.NewValueSetService(valueset.Config{LocalPath: cfg.ValueSetDir, HTTPTimeout: cfg.HTTPTimeout}, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		vs.ApplyTo(defs, opts.ColumnSettings.ValueSetBindings)
	}

	if err := opts.Store.Set(ctx, settings.ServiceBaseURLKey, c.ServiceBaseURL()); err != nil {
		log.Warn().Err(err).Msg("Failed to remember the FHIR server")
	}

	supports := values.New(values.Options{}, log).Supports
	s := &Session{
		Client:      c,
		Definitions: defs,
		Resolver:    columns.NewResolver(defs, opts.Store, opts.ColumnSettings, supports, c.ServiceBaseURL(), log),
		Pipeline:    pull.New(c, log),
		Lookup:      lookup.New(c, log),
		cfg:         cfg,
		log:         log.With().Str("component", "session").Logger(),
	}
	s.log.Info().Str("version", c.VersionName()).Interface("features", c.Features()).Msg("Connected to FHIR server")
	return s, nil
}

func (s *Session) Close() {
	s.Client.Close()
}

// Criteria returns the search parameter group of a resource type. Parameters
// filter on the column of their expression's element unless opts maps them.
func (s *Session) Criteria(resourceType string, opts criteria.GroupOptions) map[string]*criteria.Description {
	searchNameToColumn := make(map[string]string)
	for _, param := range s.Definitions.SearchParameters(resourceType) {
		path := definitions.ElementPathFromExpression(param.Expression)
		if col, ok := s.Definitions.ColumnForElementPath(path); ok {
			searchNameToColumn[param.Name] = col.Key()
		}
	}
	for name, column := range opts.SearchNameToColumn {
		searchNameToColumn[name] = column
	}
	opts.SearchNameToColumn = searchNameToColumn
	return criteria.Group(s.Definitions, resourceType, opts)
}

// collector gathers the records of a pull
type collector struct {
	mu      sync.Mutex
	records []pull.Record
}

func (c *collector) Next(rec pull.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *collector) Complete()   {}
func (c *collector) Error(error) {}

// LoadPatients fetches the cohort Patients by id.
func (s *Session) LoadPatients(ctx context.Context, ids []string) ([]resource.Resource, error) {
	stubs := make([]resource.Resource, 0, len(ids))
	for _, id := range ids {
		stubs = append(stubs, resource.Resource{"resourceType": "Patient", "id": id})
	}
	c := &collector{}
	if err := s.Pipeline.Pull(ctx, pull.Request{ResourceType: "Patient", Patients: stubs}, c, nil).Wait(); err != nil {
		return nil, err
	}
	patients := make([]resource.Resource, 0, len(c.records))
	for _, rec := range c.records {
		patients = append(patients, rec.Resource)
	}
	s.log.Debug().Int("requested", len(ids)).Int("loaded", len(patients)).Msg("Loaded cohort")
	return patients, nil
}

type TableRequest struct {
	ResourceType    string
	View            string // Context the column selection is remembered for
	Patients        []resource.Resource
	Criteria        string
	PerPatientLimit int
	Progress        pull.ProgressFunc
}

// PullTable pulls the resources of a cohort into a table of the resolved
// columns. On failure the table keeps the rows loaded before the failure.
func (s *Session) PullTable(ctx context.Context, req TableRequest) (*output.Table, error) {
	available, err := s.Resolver.AvailableColumns(ctx, req.ResourceType, req.View)
	if err != nil {
		return nil, err
	}
	extractor := values.New(values.Options{
		ValueSetMapByPath: s.Definitions.ValueSetMapByPath(),
		Patients:          values.NewPatientIndex(req.Patients),
	}, s.log)
	table := output.NewTable(req.ResourceType, available, extractor, s.Client.ServiceBaseURL())

	limit := req.PerPatientLimit
	if limit == 0 {
		limit = s.cfg.PerPatientLimit
	}
	session := s.Pipeline.Pull(ctx, pull.Request{
		ResourceType:    req.ResourceType,
		Patients:        req.Patients,
		Criteria:        req.Criteria,
		PerPatientLimit: limit,
		Elements:        columns.Elements(table.Columns()),
		MaxPages:        s.cfg.MaxPages,
		ChunkSize:       s.cfg.ChunkSize,
	}, table, req.Progress)
	if err := session.Wait(); err != nil {
		return table, fmt.Errorf("pull %s: %w", req.ResourceType, err)
	}
	return table, nil
}
