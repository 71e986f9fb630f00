package pad

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/inkpad/inkpad/internal/db"
)

// Defaults for RegistryConfig fields left zero.
const (
	DefaultExpiryDays      = 1
	DefaultPersistInterval = 3 * time.Second
	DefaultPersistJitter   = time.Second
	DefaultSweepInterval   = time.Hour
)

// RegistryConfig tunes session lifecycle behavior. Zero fields take
// defaults.
type RegistryConfig struct {
	// ExpiryDays is how long an idle session stays in memory before the
	// sweeper evicts it.
	ExpiryDays int
	// PersistInterval is the base delay between persistence checks.
	PersistInterval time.Duration
	// PersistJitter is the maximum random delay added to each persistence
	// check, spreading writes across sessions.
	PersistJitter time.Duration
	// SweepInterval is how often the sweeper looks for idle sessions.
	SweepInterval time.Duration
	// Limits applies to every session the registry creates.
	Limits Limits
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.ExpiryDays == 0 {
		c.ExpiryDays = DefaultExpiryDays
	}
	if c.PersistInterval == 0 {
		c.PersistInterval = DefaultPersistInterval
	}
	if c.PersistJitter == 0 {
		c.PersistJitter = DefaultPersistJitter
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type entry struct {
	pad          *Pad
	lastAccessed time.Time
}

// Registry tracks the live session for each document id. Sessions are
// created lazily on first access, persisted in the background while live,
// and evicted after sitting idle.
type Registry struct {
	database *db.DB
	config   RegistryConfig

	mu        sync.Mutex
	documents map[string]*entry
}

// NewRegistry creates a registry backed by the given database.
func NewRegistry(database *db.DB, config RegistryConfig) *Registry {
	return &Registry{
		database:  database,
		config:    config.withDefaults(),
		documents: make(map[string]*entry),
	}
}

// Acquire returns the live session for a document id, creating it from
// the store (or empty) if none exists. Access refreshes the idle timer.
func (r *Registry) Acquire(id string) *Pad {
	r.mu.Lock()
	if e, ok := r.documents[id]; ok {
		e.lastAccessed = time.Now()
		r.mu.Unlock()
		return e.pad
	}
	r.mu.Unlock()

	p := r.loadPad(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.documents[id]; ok {
		// Another acquire won the race; discard ours.
		p.Kill()
		e.lastAccessed = time.Now()
		return e.pad
	}
	r.documents[id] = &entry{pad: p, lastAccessed: time.Now()}
	go r.persist(id, p)
	return p
}

// loadPad builds a session from the persisted document, or an empty one
// when the document is unknown or the store read fails.
func (r *Registry) loadPad(id string) *Pad {
	doc, err := r.database.LoadDocument(id)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Error("failed to load document", "id", id, "err", err)
		}
		p := New(r.database, r.config.Limits)
		p.LoadColors()
		return p
	}
	p := FromDocument(doc, r.database, r.config.Limits)
	p.LoadColors()
	return p
}

// Lookup returns the live session for a document id without creating one.
func (r *Registry) Lookup(id string) (*Pad, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.documents[id]
	if !ok {
		return nil, false
	}
	return e.pad, true
}

// Remove evicts a document's live session, killing it. Connected clients
// are dropped.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.documents[id]
	delete(r.documents, id)
	r.mu.Unlock()
	if ok {
		e.pad.Kill()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.documents)
}

// Close kills every live session. Used on shutdown, after which the
// registry should not be reused.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.documents
	r.documents = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.pad.Kill()
	}
}

// RunSweeper evicts idle sessions on an interval until the context is
// canceled. Evicted sessions are killed; their documents reload from the
// store on next access.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	expiry := time.Duration(r.config.ExpiryDays) * 24 * time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(expiry)
		}
	}
}

func (r *Registry) sweep(expiry time.Duration) {
	cutoff := time.Now().Add(-expiry)
	var killed []*Pad

	r.mu.Lock()
	for id, e := range r.documents {
		if e.lastAccessed.Before(cutoff) {
			slog.Info("evicting idle document", "id", id)
			killed = append(killed, e.pad)
			delete(r.documents, id)
		}
	}
	r.mu.Unlock()

	for _, p := range killed {
		p.Kill()
	}
}

// persist stores the document whenever its revision has advanced, on a
// jittered interval, until the session is killed. Store failures are
// retried on the next tick.
func (r *Registry) persist(id string, p *Pad) {
	lastRevision := 0
	for !p.Killed() {
		time.Sleep(r.config.PersistInterval + rand.N(r.config.PersistJitter+1))
		revision := p.Revision()
		if revision > lastRevision {
			slog.Info("persisting document", "id", id, "revision", revision)
			if err := r.database.StoreDocument(id, p.Snapshot()); err != nil {
				slog.Error("failed to persist document", "id", id, "err", err)
			} else {
				lastRevision = revision
			}
		}
	}
}
