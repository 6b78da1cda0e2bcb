package signing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/secretvault/interfaces"
)

const (
	// inboxSize also caps the envelopes buffered for one unopened session,
	// so Open can always move them into the inbox.
	inboxSize = 1000
	// pendingTTL bounds how long envelopes of an unknown session and
	// tombstones of closed sessions are kept.
	pendingTTL = 5 * time.Minute
	maxPending = 10000
)

type pendingSession struct {
	envelopes []*Envelope
	first     time.Time
}

// Router hands incoming envelopes to the local party of their session.
type Router struct {
	mu       sync.Mutex
	sessions map[string]chan *Envelope
	pending  map[string]*pendingSession
	closed   map[string]time.Time
	npending int
	now      func() time.Time
	log      *slog.Logger
}

func NewRouter(log *slog.Logger) *Router {
	return &Router{
		sessions: make(map[string]chan *Envelope),
		pending:  make(map[string]*pendingSession),
		closed:   make(map[string]time.Time),
		now:      time.Now,
		log:      log,
	}
}

// Open registers a session and returns its inbox, prefilled with envelopes
// that arrived before it was opened.
func (r *Router) Open(session string) (<-chan *Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session]; ok {
		return nil, fmt.Errorf("%w: session %s already running", interfaces.ErrDuplicate, session)
	}
	delete(r.closed, session)
	inbox := make(chan *Envelope, inboxSize)
	if p, ok := r.pending[session]; ok {
		for _, e := range p.envelopes {
			inbox <- e
		}
		r.npending -= len(p.envelopes)
		delete(r.pending, session)
	}
	r.sessions[session] = inbox
	return inbox, nil
}

// Close unregisters a session. Envelopes arriving for it until pendingTTL
// passes are dropped.
func (r *Router) Close(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, session)
	r.closed[session] = r.now()
}

// Deliver routes e to its session, buffering it when the session is not
// open yet.
func (r *Router) Deliver(_ context.Context, e *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inbox, ok := r.sessions[e.Session]; ok {
		select {
		case inbox <- e:
			return nil
		default:
			return fmt.Errorf("inbox of session %s is full", e.Session)
		}
	}

	r.expire()
	if _, ok := r.closed[e.Session]; ok {
		r.log.Debug("dropping envelope of closed session", slog.String("session", e.Session), slog.String("from", string(e.From)))
		return nil
	}
	if r.npending >= maxPending {
		return fmt.Errorf("too many buffered envelopes")
	}
	p, ok := r.pending[e.Session]
	if !ok {
		p = &pendingSession{first: r.now()}
		r.pending[e.Session] = p
	}
	if len(p.envelopes) >= inboxSize {
		return fmt.Errorf("too many buffered envelopes for session %s", e.Session)
	}
	p.envelopes = append(p.envelopes, e)
	r.npending++
	return nil
}

func (r *Router) expire() {
	cutoff := r.now().Add(-pendingTTL)
	for id, p := range r.pending {
		if p.first.Before(cutoff) {
			r.log.Warn("dropping envelopes of unknown session", slog.String("session", id), slog.Int("count", len(p.envelopes)))
			r.npending -= len(p.envelopes)
			delete(r.pending, id)
		}
	}
	for id, at := range r.closed {
		if at.Before(cutoff) {
			delete(r.closed, id)
		}
	}
}
