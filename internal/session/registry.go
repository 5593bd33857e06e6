package session

import (
	"log"
	"sync"
	"time"
)

const (
	// SessionTTL bounds how long an in-flight session may live before the
	// sweep reclaims it, in case the completion hook never ran.
	SessionTTL = 15 * time.Minute

	sweepInterval = time.Minute
)

// Params are the generation knobs attached to one unified request.
type Params struct {
	Model            string
	Language         string
	MaxSearchResults int
	Temperature      float64
	MaxTokens        int
	TopP             float64
	TopK             int
	Timeout          time.Duration
}

// Session is the server-side record of one in-flight unified request.
// Owned by the Registry; the orchestrator only holds a reference for the
// request's duration.
type Session struct {
	RequestID    string
	SessionID    string
	Query        string
	CreatedAt    time.Time
	Params       Params
	disconnected bool
}

// Registry tracks in-flight stream sessions for disconnect detection and
// TTL cleanup. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      SessionTTL,
		stop:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[SWEEP] ", log.LstdFlags),
	}
}

func (r *Registry) Register(s *Session) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.RequestID] = s
}

func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// MarkDisconnected flags a session whose client connection went away. The
// orchestrator polls this at every yield point.
func (r *Registry) MarkDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.disconnected = true
	}
}

func (r *Registry) Disconnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.disconnected
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start launches the periodic sweep. Stop with Stop.
func (r *Registry) Start() {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		for {
			select {
			case <-r.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				removed := r.Sweep(time.Now())
				r.logger.Printf("session sweep removed %d stale sessions, %d active", removed, r.Len())
			}
		}
	}()
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Sweep removes sessions older than the TTL and returns how many went.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if now.Sub(s.CreatedAt) > r.ttl {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
