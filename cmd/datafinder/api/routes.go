// Package api serves the column selection, pulls and code lookup of one FHIR
// server session over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/app"
	"github.com/SanteonNL/datafinder/cmd/datafinder/criteria"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/lookup"
	"github.com/SanteonNL/datafinder/cmd/datafinder/output"
	"github.com/SanteonNL/datafinder/cmd/datafinder/pull"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

const defaultLookupCount = 20

type Router struct {
	session  *app.Session
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func NewRouter(session *app.Session, gatherer prometheus.Gatherer, log zerolog.Logger) *Router {
	return &Router{
		session:  session,
		gatherer: gatherer,
		log:      log.With().Str("component", "api").Logger(),
	}
}

func (rt *Router) SetupRoutes() http.Handler {
	r := mux.NewRouter()
	r.Use(rt.recoverer, rt.logger)

	r.HandleFunc("/healthz", rt.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/columns/{resourceType}", rt.handleColumns).Methods(http.MethodGet)
	r.HandleFunc("/columns/{resourceType}", rt.handleSetColumns).Methods(http.MethodPut)
	r.HandleFunc("/criteria/{resourceType}", rt.handleCriteria).Methods(http.MethodGet)
	r.HandleFunc("/criteria/{resourceType}/{parameter}/references", rt.handleReferences).Methods(http.MethodGet)
	r.HandleFunc("/pull/{resourceType}", rt.handlePull).Methods(http.MethodPost)
	r.HandleFunc("/lookup/observation-codes", rt.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/cache", rt.handleClearCache).Methods(http.MethodDelete)
	if rt.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"server":   rt.session.Client.ServiceBaseURL(),
		"version":  rt.session.Client.VersionName(),
		"features": rt.session.Client.Features(),
	})
}

// resourceType returns the path resource type, writing a 404 when the FHIR
// version does not define it.
func (rt *Router) resourceType(w http.ResponseWriter, r *http.Request) (string, bool) {
	resourceType := mux.Vars(r)["resourceType"]
	if !slices.Contains(rt.session.Definitions.ResourceTypes(), resourceType) {
		respondWithError(w, http.StatusNotFound, "Resource type "+resourceType+" is not supported")
		return "", false
	}
	return resourceType, true
}

func (rt *Router) handleColumns(w http.ResponseWriter, r *http.Request) {
	resourceType, ok := rt.resourceType(w, r)
	if !ok {
		return
	}
	cols, err := rt.session.Resolver.AvailableColumns(r.Context(), resourceType, r.URL.Query().Get("context"))
	if err != nil {
		rt.respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, cols)
}

type setColumnsRequest struct {
	Visible []string `json:"visible"`
}

func (rt *Router) handleSetColumns(w http.ResponseWriter, r *http.Request) {
	resourceType, ok := rt.resourceType(w, r)
	if !ok {
		return
	}
	var req setColumnsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	view := r.URL.Query().Get("context")
	if err := rt.session.Resolver.SetVisibleColumnNames(r.Context(), resourceType, view, req.Visible); err != nil {
		rt.respondWithErr(w, err)
		return
	}
	cols, err := rt.session.Resolver.AvailableColumns(r.Context(), resourceType, view)
	if err != nil {
		rt.respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, cols)
}

func (rt *Router) handleCriteria(w http.ResponseWriter, r *http.Request) {
	resourceType, ok := rt.resourceType(w, r)
	if !ok {
		return
	}
	group := rt.session.Criteria(resourceType, criteria.GroupOptions{})
	descriptions := make([]*criteria.Description, 0, len(group))
	for _, d := range group {
		descriptions = append(descriptions, d)
	}
	if r.URL.Query().Get("bounds") == "true" {
		for _, d := range descriptions {
			if err := d.Attach(r.Context(), rt.session.Client); err != nil {
				rt.log.Warn().Err(err).Str("parameter", d.Name).Msg("Failed to load bounds")
			}
		}
	}
	slices.SortStableFunc(descriptions, func(a, b *criteria.Description) int {
		return strings.Compare(a.DisplayName, b.DisplayName)
	})
	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, d := range descriptions {
			_, _ = fmt.Fprintf(w, "<div class=\"search-param\"><label>%s</label>%s</div>\n",
				html.EscapeString(d.DisplayName), d.ControlsHTML(resourceType))
		}
		return
	}
	respondWithJSON(w, http.StatusOK, descriptions)
}

func (rt *Router) handleClearCache(w http.ResponseWriter, r *http.Request) {
	rt.session.Client.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleReferences(w http.ResponseWriter, r *http.Request) {
	resourceType, ok := rt.resourceType(w, r)
	if !ok {
		return
	}
	var param *criteria.Description
	for _, d := range rt.session.Criteria(resourceType, criteria.GroupOptions{}) {
		if d.Name == mux.Vars(r)["parameter"] && d.Kind == criteria.KindReference {
			param = d
		}
	}
	if param == nil {
		respondWithError(w, http.StatusNotFound, "No reference parameter "+mux.Vars(r)["parameter"])
		return
	}
	count, ok := countParam(w, r)
	if !ok {
		return
	}
	items, total, err := param.ReferenceSearch(r.Context(), rt.session.Client, r.URL.Query().Get("text"), count)
	if err != nil {
		rt.respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// criterionInput is the JSON form of criteria.Value
type criterionInput struct {
	Text    string               `json:"text,omitempty"`
	Checked bool                 `json:"checked,omitempty"`
	From    string               `json:"from,omitempty"`
	To      string               `json:"to,omitempty"`
	Codes   []types.ValueSetItem `json:"codes,omitempty"`
}

func (c criterionInput) value() criteria.Value {
	v := criteria.Value{Text: c.Text, Checked: c.Checked, From: c.From, To: c.To}
	if len(c.Codes) > 0 {
		v.Selector = criteria.Selection(c.Codes)
	}
	return v
}

type pullRequest struct {
	PatientIDs      []string                  `json:"patientIds"`
	Criteria        map[string]criterionInput `json:"criteria,omitempty"` // Keyed by parameter display name
	Query           string                    `json:"query,omitempty"`    // Raw conditions, appended after Criteria
	PerPatientLimit int                       `json:"perPatientLimit,omitempty"`
	Context         string                    `json:"context,omitempty"`
}

func (rt *Router) handlePull(w http.ResponseWriter, r *http.Request) {
	resourceType, ok := rt.resourceType(w, r)
	if !ok {
		return
	}
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	values := make(map[string]criteria.Value, len(req.Criteria))
	for name, in := range req.Criteria {
		values[name] = in.value()
	}
	query, err := criteria.Build(rt.session.Criteria(resourceType, criteria.GroupOptions{}), values)
	if err != nil {
		rt.respondWithErr(w, err)
		return
	}
	query += req.Query

	start := time.Now()
	patients, err := rt.session.LoadPatients(r.Context(), req.PatientIDs)
	if err != nil {
		rt.respondWithErr(w, err)
		return
	}
	table, err := rt.session.PullTable(r.Context(), app.TableRequest{
		ResourceType:    resourceType,
		View:            req.Context,
		Patients:        patients,
		Criteria:        query,
		PerPatientLimit: req.PerPatientLimit,
	})
	if err != nil {
		rt.respondWithErr(w, err)
		return
	}
	rt.log.Info().
		Str("resource_type", resourceType).
		Int("patients", len(patients)).
		Int("rows", len(table.Rows())).
		Dur("duration", time.Since(start)).
		Msg("Pull served")

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := table.RenderHTML(w); err != nil {
			rt.log.Error().Err(err).Msg("Failed to render table")
		}
		return
	}

	name, blob := table.Blob()
	w.Header().Set("Content-Type", output.CSVMimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (rt *Router) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, ok := countParam(w, r)
	if !ok {
		return
	}
	var selected []string
	if s := q.Get("selected"); s != "" {
		selected = strings.Split(s, ",")
	}
	result, err := rt.session.Lookup.Search(r.Context(), q.Get("text"), count, lookup.Options{
		Datatype: q.Get("datatype"),
		Selected: selected,
	})
	if err != nil {
		rt.respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func countParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("count")
	if s == "" {
		return defaultLookupCount, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		respondWithError(w, http.StatusBadRequest, "count must be a positive number")
		return 0, false
	}
	return n, true
}

// respondWithErr maps domain errors to a status code.
func (rt *Router) respondWithErr(w http.ResponseWriter, err error) {
	var validationErr *criteria.ValidationError
	var loadErr *pull.LoadError
	var httpErr *client.HTTPError
	switch {
	case errors.As(err, &validationErr):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, client.ErrAborted):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &loadErr), errors.As(err, &httpErr):
		rt.log.Error().Err(err).Msg("Upstream FHIR request failed")
		respondWithError(w, http.StatusBadGateway, err.Error())
	default:
		rt.log.Error().Err(err).Msg("Request failed")
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
