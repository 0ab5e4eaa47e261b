package session

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"layerstream/internal/metrics"
	"layerstream/pkg/types"
)

// Group tracks open sessions for status reporting.
type Group struct {
	mu       sync.RWMutex
	started  time.Time
	sessions []*Session
}

func NewGroup() *Group { return &Group{started: time.Now()} }

func (g *Group) Add(s *Session) {
	g.mu.Lock()
	g.sessions = append(g.sessions, s)
	g.mu.Unlock()
}

// Remove drops the session with the given id and returns it.
func (g *Group) Remove(id string) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, s := range g.sessions {
		if s.ID() == id {
			g.sessions = append(g.sessions[:i], g.sessions[i+1:]...)
			return s, true
		}
	}
	return nil, false
}

func (g *Group) Get(id string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// List returns a copy of the tracked sessions.
func (g *Group) List() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Session(nil), g.sessions...)
}

// Ready reports whether at least one tracked session is open.
func (g *Group) Ready() bool {
	for _, s := range g.List() {
		if !s.closed() {
			return true
		}
	}
	return false
}

// Models returns the model of every tracked session.
func (g *Group) Models() []types.Model {
	list := g.List()
	out := make([]types.Model, 0, len(list))
	for _, s := range list {
		out = append(out, s.Model())
	}
	return out
}

// Status builds the response for /status.
func (g *Group) Status() types.StatusResponse {
	now := time.Now()
	resp := types.StatusResponse{
		Sessions:       g.snapshots(),
		UptimeSeconds:  int64(now.Sub(g.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	return resp
}

// Collector exports every tracked session.
func (g *Group) Collector() prometheus.Collector {
	return metrics.NewCollector(g.snapshots)
}

// Close closes and drops every tracked session.
func (g *Group) Close() error {
	g.mu.Lock()
	list := g.sessions
	g.sessions = nil
	g.mu.Unlock()
	var errList []error
	for _, s := range list {
		errList = append(errList, s.Close())
	}
	return errors.Join(errList...)
}

func (g *Group) snapshots() []types.SessionStatus {
	list := g.List()
	out := make([]types.SessionStatus, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	return out
}
