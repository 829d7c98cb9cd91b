// Package pull loads the resources of a patient cohort through batched FHIR
// searches and streams them to an observer.
package pull

import (
	"context"
	"sync"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/bundle"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Pipeline struct {
	q   Querier
	log zerolog.Logger
}

func New(q Querier, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		q:   q,
		log: log.With().Str("component", "pull").Logger(),
	}
}

// page is one loaded search page of a sub-request
type page struct {
	sub       subRequest
	resources []resource.Resource
	last      bool
	err       error
	aborted   bool
}

// Pull starts loading and returns immediately. All sub-requests are handed
// to the querier at once; one consumer goroutine flattens their pages in
// arrival order. Cancelling ctx aborts the pull.
func (p *Pipeline) Pull(ctx context.Context, req Request, o Observer, progress ProgressFunc) *Session {
	req = withDefaults(req)
	ctx, cancel := context.WithCancel(ctx)
	gen := context.Background()
	if g, ok := p.q.(generational); ok {
		gen = g.Generation()
	}
	s := &Session{
		ID:           uuid.NewString(),
		ResourceType: req.ResourceType,
		state:        StateIdle,
		cancel:       cancel,
		gen:          gen,
		done:         make(chan struct{}),
	}
	// clearing the querier's pending requests aborts the pull
	stopWatch := context.AfterFunc(gen, func() { s.finish(StateAborted, client.ErrAborted) })
	go func() {
		<-s.done
		stopWatch()
	}()
	log := p.log.With().Str("session", s.ID).Str("resource_type", req.ResourceType).Logger()

	subs, codes := plan(req, p.q.Features())
	log.Info().Int("patients", len(req.Patients)).Int("requests", len(subs)).Msg("Starting pull")

	s.mu.Lock()
	s.state = StateLoading
	s.mu.Unlock()

	pages := make(chan page)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subRequest) {
			defer wg.Done()
			p.fetch(ctx, sub, req.MaxPages, pages)
		}(sub)
	}
	go func() {
		wg.Wait()
		close(pages)
	}()

	capped := req.ResourceType == "Observation" && !codes
	go p.consume(s, req, capped, len(subs), pages, o, progress, log)
	return s
}

// fetch loads up to maxPages pages of a sub-request following next links.
func (p *Pipeline) fetch(ctx context.Context, sub subRequest, maxPages int, pages chan<- page) {
	url := sub.url
	for n := 1; ; n++ {
		resp := p.q.GetWithCache(ctx, url)
		if resp.Aborted() {
			pages <- page{sub: sub, last: true, aborted: true}
			return
		}
		if !resp.OK() {
			pages <- page{sub: sub, last: true, err: resp.Err}
			return
		}
		result, err := bundle.ParseSearchResult(resp.Data)
		if err != nil {
			pages <- page{sub: sub, last: true, err: err}
			return
		}
		last := n >= maxPages || result.Next == ""
		pages <- page{sub: sub, resources: result.Resources, last: last}
		if last {
			return
		}
		url = result.Next
	}
}

func (p *Pipeline) consume(s *Session, req Request, capped bool, total int, pages <-chan page, o Observer, progress ProgressFunc, log zerolog.Logger) {
	defer close(s.done)

	// patient reference -> first code -> count
	patientToCodeToCount := make(map[string]map[string]int)
	completed := 0

	if total == 0 && !s.cleared() && s.finish(StateCompleted, nil) {
		o.Complete()
	}

	for pg := range pages {
		if s.cleared() || s.State() != StateLoading {
			continue
		}
		switch {
		case pg.aborted:
			// a cancelled request ends the pull, whoever cancelled it
			if s.finish(StateAborted, client.ErrAborted) {
				log.Info().Msg("Pull aborted")
			}
			continue
		case pg.err != nil:
			loadErr := &LoadError{ResourceType: req.ResourceType, URL: pg.sub.url, Err: pg.err}
			if s.finish(StateFailed, loadErr) {
				log.Error().Err(pg.err).Str("url", pg.sub.url).Msg("Pull failed")
				o.Error(loadErr)
			}
			continue
		}

		emitted := true
		for _, res := range pg.resources {
			if capped && !allow(patientToCodeToCount, res, req.PerPatientLimit) {
				continue
			}
			if emitted = s.emit(o, Record{Resource: res, Patient: pg.sub.patient}); !emitted {
				break
			}
		}

		if emitted && pg.last {
			completed++
			if progress != nil {
				progress(completed, total)
			}
			if completed == total && !s.cleared() && s.finish(StateCompleted, nil) {
				log.Info().Int("requests", total).Msg("Pull completed")
				o.Complete()
			}
		}
	}
}

// allow applies the per patient per test cap. Observations without a code in
// their first coding are dropped.
func allow(counts map[string]map[string]int, obs resource.Resource, limit int) bool {
	code := obs.FirstCode()
	if code == "" {
		return false
	}
	patient := obs.SubjectReference()
	codeToCount, ok := counts[patient]
	if !ok {
		codeToCount = make(map[string]int)
		counts[patient] = codeToCount
	}
	if codeToCount[code] >= limit {
		return false
	}
	codeToCount[code]++
	return true
}
