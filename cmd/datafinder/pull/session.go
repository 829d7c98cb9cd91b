package pull

import (
	"context"
	"sync"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
)

// Session is one running pull
type Session struct {
	ID           string
	ResourceType string

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc
	// gen is cancelled when the querier's pending requests are cleared
	gen context.Context

	// emitMu is held while the observer handles a record
	emitMu sync.Mutex
	done   chan struct{}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Abort stops a loading pull and cancels its pending requests. When Abort
// returns the observer gets no further calls. Observers must not call Abort
// from their own methods synchronously.
func (s *Session) Abort() {
	if !s.finish(StateAborted, client.ErrAborted) {
		return
	}
	// wait for a record being handled
	s.emitMu.Lock()
	s.emitMu.Unlock()
}

// Wait blocks until every request of the pull has returned and reports how
// the pull ended: nil, a *LoadError or client.ErrAborted.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when every request of the pull has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// finish moves a loading session into a terminal state and cancels its
// requests. It reports false when the session was no longer loading.
func (s *Session) finish(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLoading {
		return false
	}
	s.state, s.err = state, err
	s.cancel()
	return true
}

// cleared aborts the session when the querier's pending requests were
// cleared since the pull started.
func (s *Session) cleared() bool {
	if s.gen.Err() == nil {
		return false
	}
	s.finish(StateAborted, client.ErrAborted)
	return true
}

// emit passes a record to the observer unless the session stopped loading.
func (s *Session) emit(o Observer, rec Record) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.cleared() || s.State() != StateLoading {
		return false
	}
	o.Next(rec)
	return true
}
