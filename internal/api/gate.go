package api

import (
	"net/http"
	"sync/atomic"
)

// Gate closes the mutating endpoints once safe-fail is engaged. A closed
// gate never reopens.
type Gate struct {
	closed atomic.Bool
}

// NewGate returns an open gate
func NewGate() *Gate {
	return &Gate{}
}

// Close closes the gate
func (g *Gate) Close() {
	g.closed.Store(true)
}

// Closed reports whether the gate is closed
func (g *Gate) Closed() bool {
	return g.closed.Load()
}

// Middleware rejects requests with 503 while the gate is closed
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Closed() {
			writeJSON(w, map[string]any{"error": "safe-fail engaged"}, http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}
