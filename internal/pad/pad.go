// Package pad implements live collaborative editing sessions. Each Pad
// holds one document's in-memory state: its committed operation history,
// current text, language, and the info, cursors, and color preferences of
// connected users. Concurrent edits are reconciled with operational
// transformation so every client converges on the same text.
package pad

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/inkpad/inkpad/internal/db"
	"github.com/inkpad/inkpad/internal/ot"
	"github.com/inkpad/inkpad/internal/protocol"
)

// Defaults for Limits fields left zero.
const (
	DefaultMaxTargetLen      = 256 * 1024
	DefaultBroadcastCapacity = 16
)

// ErrInvalidRevision is returned when an edit claims a revision beyond the
// current history.
var ErrInvalidRevision = errors.New("invalid revision")

// ErrDocumentTooLarge is returned when an edit would grow the document
// past the configured maximum.
var ErrDocumentTooLarge = errors.New("document too large")

// ErrSubscriberLag is returned from Connect when the connection fell too
// far behind the broadcast stream and was dropped.
var ErrSubscriberLag = errors.New("subscriber lagged behind broadcasts")

// Limits bounds a session's resource usage. Zero fields take defaults.
type Limits struct {
	// MaxTargetLen is the maximum document length in codepoints.
	MaxTargetLen int
	// BroadcastCapacity is the per-connection buffer for metadata
	// broadcasts; a connection that falls this far behind is dropped.
	BroadcastCapacity int
}

func (l Limits) withDefaults() Limits {
	if l.MaxTargetLen == 0 {
		l.MaxTargetLen = DefaultMaxTargetLen
	}
	if l.BroadcastCapacity == 0 {
		l.BroadcastCapacity = DefaultBroadcastCapacity
	}
	return l
}

// Pad is a single document's live editing session. All methods are safe
// for concurrent use.
type Pad struct {
	database *db.DB
	limits   Limits

	count  atomic.Uint64
	killed atomic.Bool

	mu sync.RWMutex
	// notify is closed and replaced whenever a new operation commits, so
	// connections waiting on the previous channel wake up.
	notify      chan struct{}
	subscribers map[uint64]chan protocol.ServerMsg
	nextSub     uint64

	operations []protocol.UserOperation
	text       string
	language   *string
	users      map[uint64]protocol.UserInfo
	cursors    map[uint64]protocol.CursorData
	userColors map[string]uint32
}

// New creates an empty session. The database handle may be nil, in which
// case color preferences are not persisted.
func New(database *db.DB, limits Limits) *Pad {
	return &Pad{
		database:    database,
		limits:      limits.withDefaults(),
		notify:      make(chan struct{}),
		subscribers: make(map[uint64]chan protocol.ServerMsg),
		users:       make(map[uint64]protocol.UserInfo),
		cursors:     make(map[uint64]protocol.CursorData),
		userColors:  make(map[string]uint32),
	}
}

// FromDocument creates a session seeded from a persisted document. The
// restored text is recorded as a single operation attributed to the
// system user, so revision numbers stay consistent with history length.
func FromDocument(document *db.PersistedDocument, database *db.DB, limits Limits) *Pad {
	op := ot.New()
	op.Insert(document.Text)

	p := New(database, limits)
	p.text = document.Text
	p.language = document.Language
	p.operations = append(p.operations, protocol.UserOperation{
		ID:        protocol.SystemUserID,
		Operation: op,
	})
	return p
}

// LoadColors seeds the session's color preferences from the database.
// Failures are logged and leave the session usable.
func (p *Pad) LoadColors() {
	if p.database == nil {
		return
	}
	colors, err := p.database.LoadUserColors()
	if err != nil {
		slog.Warn("failed to load user colors", "err", err)
		return
	}
	p.mu.Lock()
	for email, hue := range colors {
		p.userColors[email] = hue
	}
	p.mu.Unlock()
}

// Text returns a snapshot of the latest text.
func (p *Pad) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// Snapshot returns the current document state for persistence.
func (p *Pad) Snapshot() *db.PersistedDocument {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &db.PersistedDocument{Text: p.text, Language: p.language}
}

// Revision returns the number of committed operations.
func (p *Pad) Revision() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.operations)
}

// Kill ends the session immediately, dropping all current connections.
func (p *Pad) Kill() {
	if !p.killed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.notify)
	p.notify = make(chan struct{})
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
}

// Killed reports whether the session has been killed.
func (p *Pad) Killed() bool {
	return p.killed.Load()
}

// notified returns a channel that is closed on the next committed
// operation or kill. Callers must obtain the channel before checking the
// state they wait on, so a concurrent commit cannot be missed.
func (p *Pad) notified() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.notify
}

// wakeWaitersLocked closes the current notify channel. Callers hold mu.
func (p *Pad) wakeWaitersLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// subscribe registers a broadcast channel for a connection. The returned
// cancel func is idempotent with respect to lag and kill teardown.
func (p *Pad) subscribe() (<-chan protocol.ServerMsg, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan protocol.ServerMsg, p.limits.BroadcastCapacity)
	p.subscribers[id] = ch
	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if ch, ok := p.subscribers[id]; ok {
			close(ch)
			delete(p.subscribers, id)
		}
	}
	return ch, cancel
}

// broadcastLocked fans a metadata message out to all subscribers. A
// subscriber whose buffer is full is dropped; its connection observes the
// closed channel and terminates. Callers hold mu.
func (p *Pad) broadcastLocked(msg protocol.ServerMsg) {
	for id, ch := range p.subscribers {
		select {
		case ch <- msg:
		default:
			close(ch)
			delete(p.subscribers, id)
		}
	}
}

// ApplyEdit commits an operation issued against the given revision. The
// operation is transformed over any operations committed since, cursors
// are remapped through it, and waiting connections are woken.
func (p *Pad) ApplyEdit(id uint64, revision int, operation *ot.OperationSeq, email *string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if revision < 0 || revision > len(p.operations) {
		return fmt.Errorf("%w: got revision %d, but current is %d", ErrInvalidRevision, revision, len(p.operations))
	}
	for _, committed := range p.operations[revision:] {
		transformed, _, err := operation.Transform(committed.Operation)
		if err != nil {
			return fmt.Errorf("transform edit: %w", err)
		}
		operation = transformed
	}
	if operation.TargetLen() > p.limits.MaxTargetLen {
		return fmt.Errorf("%w: target length %d exceeds maximum %d", ErrDocumentTooLarge, operation.TargetLen(), p.limits.MaxTargetLen)
	}
	newText, err := operation.Apply(p.text)
	if err != nil {
		return fmt.Errorf("apply edit: %w", err)
	}

	for uid, data := range p.cursors {
		for i, cursor := range data.Cursors {
			data.Cursors[i] = operation.TransformIndex(cursor)
		}
		for i, sel := range data.Selections {
			data.Selections[i][0] = operation.TransformIndex(sel[0])
			data.Selections[i][1] = operation.TransformIndex(sel[1])
		}
		p.cursors[uid] = data
	}

	p.operations = append(p.operations, protocol.UserOperation{ID: id, Operation: operation, Email: email})
	p.text = newText
	p.wakeWaitersLocked()
	return nil
}

// SetLanguage records the document language, last writer wins, and
// broadcasts it.
func (p *Pad) SetLanguage(language string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.language = &language
	p.broadcastLocked(protocol.NewLanguageMsg(language))
}

// SetUserInfo records a user's display info and broadcasts it.
func (p *Pad) SetUserInfo(id uint64, info protocol.UserInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[id] = info
	p.broadcastLocked(protocol.NewUserInfoMsg(id, &info))
}

// SetCursorData records a user's cursor state and broadcasts it. The
// broadcast carries a copy: subscribers marshal messages outside the
// lock, while ApplyEdit remaps the stored positions in place.
func (p *Pad) SetCursorData(id uint64, data protocol.CursorData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[id] = data
	p.broadcastLocked(protocol.NewUserCursorMsg(id, data.Clone()))
}

// SetColor records an authenticated user's color preference, broadcasts
// it, and persists it in the background. Store failures are logged; the
// in-memory preference stands either way.
func (p *Pad) SetColor(email string, hue uint32) {
	p.mu.Lock()
	p.userColors[email] = hue
	p.broadcastLocked(protocol.NewUserColorMsg(email, hue))
	p.mu.Unlock()

	if p.database != nil {
		go func() {
			if err := p.database.SaveUserColor(email, hue); err != nil {
				slog.Warn("failed to save user color", "email", email, "err", err)
			}
		}()
	}
}

// removeUser drops a disconnected user's presence and announces it.
func (p *Pad) removeUser(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, id)
	delete(p.cursors, id)
	p.broadcastLocked(protocol.NewUserInfoMsg(id, nil))
}

// initialMessages builds the dump sent to a new connection, and returns
// the revision the connection is caught up to.
func (p *Pad) initialMessages(id uint64, email *string) ([]protocol.ServerMsg, int) {
	msgs := []protocol.ServerMsg{
		protocol.NewIdentityMsg(id),
		protocol.NewAuthenticatedEmailMsg(email),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.operations) > 0 {
		ops := make([]protocol.UserOperation, len(p.operations))
		copy(ops, p.operations)
		msgs = append(msgs, protocol.NewHistoryMsg(0, ops))
	}
	if p.language != nil {
		msgs = append(msgs, protocol.NewLanguageMsg(*p.language))
	}
	for uid, info := range p.users {
		info := info
		msgs = append(msgs, protocol.NewUserInfoMsg(uid, &info))
	}
	for uid, data := range p.cursors {
		msgs = append(msgs, protocol.NewUserCursorMsg(uid, data.Clone()))
	}
	for email, hue := range p.userColors {
		msgs = append(msgs, protocol.NewUserColorMsg(email, hue))
	}
	return msgs, len(p.operations)
}

// historySince returns operations committed at revisions start onward.
func (p *Pad) historySince(start int) []protocol.UserOperation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if start >= len(p.operations) {
		return nil
	}
	ops := make([]protocol.UserOperation, len(p.operations)-start)
	copy(ops, p.operations[start:])
	return ops
}
