package pad

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkpad/inkpad/internal/db"
	"github.com/inkpad/inkpad/internal/ot"
	"github.com/inkpad/inkpad/internal/protocol"
)

// testSocket is an in-memory Socket backed by channels.
type testSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	rev    int // revision this socket has caught up to via recvUntilRevision
}

func newTestSocket() *testSocket {
	return &testSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (s *testSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.in:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, net.ErrClosed
	}
}

func (s *testSocket) WriteMessage(_ int, data []byte) error {
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return net.ErrClosed
	}
}

func (s *testSocket) close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *testSocket) send(t *testing.T, msg protocol.ClientMsg) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	select {
	case s.in <- data:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out sending client message")
	}
}

func (s *testSocket) recv(t *testing.T) protocol.ServerMsg {
	t.Helper()
	select {
	case data := <-s.out:
		var msg protocol.ServerMsg
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server message")
		return protocol.ServerMsg{}
	}
}

// recvUntilRevision reads messages until history catches up to the wanted
// revision, returning all operations seen.
func (s *testSocket) recvUntilRevision(t *testing.T, revision int) []protocol.UserOperation {
	t.Helper()
	var ops []protocol.UserOperation
	seen := s.rev
	for seen < revision {
		msg := s.recv(t)
		h, ok := msg.History()
		if !ok {
			continue
		}
		require.Equal(t, seen, h.Start)
		ops = append(ops, h.Operations...)
		seen += len(h.Operations)
	}
	s.rev = seen
	return ops
}

// connect starts a connection on a fresh socket and consumes the Identity
// and AuthenticatedEmail messages.
func connect(t *testing.T, p *Pad, email *string) (*testSocket, chan error) {
	t.Helper()
	sock := newTestSocket()
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Connect(context.Background(), sock, email)
	}()
	t.Cleanup(sock.close)

	msg := sock.recv(t)
	_, ok := msg.Identity()
	require.True(t, ok, "expected Identity first")

	msg = sock.recv(t)
	got, ok := msg.AuthenticatedEmail()
	require.True(t, ok, "expected AuthenticatedEmail second")
	assert.Equal(t, email, got)

	return sock, errCh
}

func editMsg(revision int, build func(op *ot.OperationSeq)) protocol.ClientMsg {
	op := ot.New()
	build(op)
	return protocol.ClientMsg{Edit: &protocol.EditMsg{Revision: revision, Operation: op}}
}

func waitErr(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection to finish")
		return nil
	}
}

func TestSingleUserEdit(t *testing.T) {
	p := New(nil, Limits{})
	sock, errCh := connect(t, p, nil)

	sock.send(t, editMsg(0, func(op *ot.OperationSeq) { op.Insert("hello") }))

	ops := sock.recvUntilRevision(t, 1)
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(0), ops[0].ID)
	assert.Equal(t, "hello", p.Text())
	assert.Equal(t, 1, p.Revision())

	sock.close()
	assert.NoError(t, waitErr(t, errCh))
}

func TestTwoUsersConverge(t *testing.T) {
	p := New(nil, Limits{})
	alice, _ := connect(t, p, nil)
	bob, _ := connect(t, p, nil)

	alice.send(t, editMsg(0, func(op *ot.OperationSeq) { op.Insert("hello") }))
	alice.recvUntilRevision(t, 1)
	bob.recvUntilRevision(t, 1)

	// Bob edits against revision 0; his operation is transformed over
	// Alice's before committing.
	bob.send(t, editMsg(0, func(op *ot.OperationSeq) { op.Insert("world") }))
	alice.recvUntilRevision(t, 2)
	bob.recvUntilRevision(t, 2)

	assert.Equal(t, 2, p.Revision())
	assert.Contains(t, []string{"helloworld", "worldhello"}, p.Text())
}

func TestConnectionReceivesInitialDump(t *testing.T) {
	email := "ada@example.com"
	p := New(nil, Limits{})
	p.SetLanguage("go")
	p.SetUserInfo(7, protocol.UserInfo{Name: "ada", Hue: 10})
	p.SetCursorData(7, protocol.CursorData{Cursors: []uint32{0}})
	p.SetColor(email, 99)
	require.NoError(t, p.ApplyEdit(7, 0, insertOp("hi"), &email))

	sock, _ := connect(t, p, &email)

	var sawHistory, sawLanguage, sawUser, sawCursor, sawColor bool
	for i := 0; i < 5; i++ {
		msg := sock.recv(t)
		if h, ok := msg.History(); ok {
			assert.Equal(t, 0, h.Start)
			require.Len(t, h.Operations, 1)
			require.NotNil(t, h.Operations[0].Email)
			assert.Equal(t, email, *h.Operations[0].Email)
			sawHistory = true
		}
		if lang, ok := msg.Language(); ok {
			assert.Equal(t, "go", lang)
			sawLanguage = true
		}
		if id, info, ok := msg.UserInfo(); ok {
			assert.Equal(t, uint64(7), id)
			require.NotNil(t, info)
			sawUser = true
		}
		if id, _, ok := msg.UserCursor(); ok {
			assert.Equal(t, uint64(7), id)
			sawCursor = true
		}
		if gotEmail, hue, ok := msg.UserColor(); ok {
			assert.Equal(t, email, gotEmail)
			assert.Equal(t, uint32(99), hue)
			sawColor = true
		}
	}
	assert.True(t, sawHistory && sawLanguage && sawUser && sawCursor && sawColor,
		"history=%v language=%v user=%v cursor=%v color=%v",
		sawHistory, sawLanguage, sawUser, sawCursor, sawColor)
}

func TestDisconnectBroadcastsUserRemoval(t *testing.T) {
	p := New(nil, Limits{})
	alice, aliceErr := connect(t, p, nil)
	bob, _ := connect(t, p, nil)

	alice.send(t, protocol.ClientMsg{ClientInfo: &protocol.UserInfo{Name: "alice", Hue: 1}})
	id, info, ok := bob.recv(t).UserInfo()
	require.True(t, ok)
	assert.Equal(t, uint64(0), id)
	require.NotNil(t, info)

	alice.close()
	require.NoError(t, waitErr(t, aliceErr))

	id, info, ok = bob.recv(t).UserInfo()
	require.True(t, ok)
	assert.Equal(t, uint64(0), id)
	assert.Nil(t, info)
}

func TestInvalidRevisionClosesConnection(t *testing.T) {
	p := New(nil, Limits{})
	sock, errCh := connect(t, p, nil)

	sock.send(t, editMsg(5, func(op *ot.OperationSeq) { op.Insert("x") }))

	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, ErrInvalidRevision)
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	p := New(nil, Limits{})
	sock := newTestSocket()
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Connect(context.Background(), sock, nil)
	}()
	t.Cleanup(sock.close)

	sock.recv(t)
	sock.recv(t)
	sock.in <- []byte(`{"Unknown":true}`)

	assert.Error(t, waitErr(t, errCh))
}

func TestKillDropsConnections(t *testing.T) {
	p := New(nil, Limits{})
	_, errCh := connect(t, p, nil)

	p.Kill()
	assert.True(t, p.Killed())
	assert.NoError(t, waitErr(t, errCh))

	// Kill is idempotent.
	p.Kill()
}

func TestContextCancelStopsConnection(t *testing.T) {
	p := New(nil, Limits{})
	sock := newTestSocket()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Connect(ctx, sock, nil)
	}()
	t.Cleanup(sock.close)

	sock.recv(t)
	sock.recv(t)
	cancel()

	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
}

func insertOp(text string) *ot.OperationSeq {
	op := ot.New()
	op.Insert(text)
	return op
}

func TestApplyEditTransformsOutdated(t *testing.T) {
	p := New(nil, Limits{})
	require.NoError(t, p.ApplyEdit(0, 0, insertOp("hello"), nil))

	// An edit against revision 0 after "hello" committed gets rebased.
	op := ot.New()
	op.Insert("world")
	require.NoError(t, p.ApplyEdit(1, 0, op, nil))
	assert.Contains(t, []string{"helloworld", "worldhello"}, p.Text())
}

func TestConcurrentInsertsAgainstSeededDocument(t *testing.T) {
	p := FromDocument(&db.PersistedDocument{Text: "ab"}, nil, Limits{})

	a := ot.New()
	a.Retain(1)
	a.Insert("X")
	a.Retain(1)
	require.NoError(t, p.ApplyEdit(0, 1, a, nil))
	assert.Equal(t, "aXb", p.Text())

	// B edited against revision 1 without seeing A's commit; the server
	// rebases B's insert past X.
	b := ot.New()
	b.Retain(2)
	b.Insert("Y")
	require.NoError(t, p.ApplyEdit(1, 1, b, nil))

	assert.Equal(t, "aXbY", p.Text())
	assert.Equal(t, 3, p.Revision())

	// Replaying the full history from scratch reproduces the text.
	replayed := ""
	p.mu.RLock()
	for _, uo := range p.operations {
		var err error
		replayed, err = uo.Operation.Apply(replayed)
		require.NoError(t, err)
	}
	p.mu.RUnlock()
	assert.Equal(t, p.Text(), replayed)
}

func TestApplyEditRejectsOversizedDocument(t *testing.T) {
	p := New(nil, Limits{MaxTargetLen: 8})
	err := p.ApplyEdit(0, 0, insertOp("too long text"), nil)
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
	assert.Equal(t, 0, p.Revision())
}

func TestApplyEditRejectsNegativeRevision(t *testing.T) {
	p := New(nil, Limits{})
	require.NoError(t, p.ApplyEdit(0, 0, insertOp("hello"), nil))

	// A hostile client can claim any revision; a negative one must be an
	// error, not a panic.
	err := p.handleMessage(0, []byte(`{"Edit":{"revision":-1,"operation":["x",5]}}`), nil)
	assert.ErrorIs(t, err, ErrInvalidRevision)
	assert.Equal(t, "hello", p.Text())
}

func TestApplyEditRejectsFutureRevision(t *testing.T) {
	p := New(nil, Limits{})
	err := p.ApplyEdit(0, 3, insertOp("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidRevision)
}

func TestApplyEditTransformsCursors(t *testing.T) {
	p := New(nil, Limits{})
	require.NoError(t, p.ApplyEdit(0, 0, insertOp("hello"), nil))
	p.SetCursorData(1, protocol.CursorData{
		Cursors:    []uint32{3},
		Selections: [][2]uint32{{1, 4}},
	})

	// Insert two characters at the front; positions shift right.
	op := ot.New()
	op.Insert("ab")
	op.Retain(5)
	require.NoError(t, p.ApplyEdit(0, 1, op, nil))

	p.mu.RLock()
	data := p.cursors[1]
	p.mu.RUnlock()
	assert.Equal(t, []uint32{5}, data.Cursors)
	assert.Equal(t, [][2]uint32{{3, 6}}, data.Selections)
}

func TestQueuedCursorMessageIsDetached(t *testing.T) {
	p := New(nil, Limits{})
	require.NoError(t, p.ApplyEdit(0, 0, insertOp("hello"), nil))

	ch, cancel := p.subscribe()
	defer cancel()

	p.SetCursorData(1, protocol.CursorData{
		Cursors:    []uint32{3},
		Selections: [][2]uint32{{1, 4}},
	})

	// Remap the stored positions while the broadcast is still queued;
	// the queued message must keep the positions it was built with.
	op := ot.New()
	op.Insert("ab")
	op.Retain(5)
	require.NoError(t, p.ApplyEdit(0, 1, op, nil))

	id, data, ok := (<-ch).UserCursor()
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, []uint32{3}, data.Cursors)
	assert.Equal(t, [][2]uint32{{1, 4}}, data.Selections)

	p.mu.RLock()
	stored := p.cursors[1]
	p.mu.RUnlock()
	assert.Equal(t, []uint32{5}, stored.Cursors)
	assert.Equal(t, [][2]uint32{{3, 6}}, stored.Selections)
}

func TestFromDocumentSeedsHistory(t *testing.T) {
	lang := "rust"
	p := FromDocument(&db.PersistedDocument{Text: "seeded text", Language: &lang}, nil, Limits{})

	assert.Equal(t, "seeded text", p.Text())
	assert.Equal(t, 1, p.Revision())

	snapshot := p.Snapshot()
	assert.Equal(t, "seeded text", snapshot.Text)
	require.NotNil(t, snapshot.Language)
	assert.Equal(t, "rust", *snapshot.Language)

	p.mu.RLock()
	seed := p.operations[0]
	p.mu.RUnlock()
	assert.Equal(t, protocol.SystemUserID, seed.ID)
	assert.Nil(t, seed.Email)
}

func TestSetColorRequiresEmail(t *testing.T) {
	p := New(nil, Limits{})

	// Anonymous connections cannot set persistent colors.
	require.NoError(t, p.handleMessage(0, []byte(`{"SetColor":120}`), nil))
	p.mu.RLock()
	n := len(p.userColors)
	p.mu.RUnlock()
	assert.Zero(t, n)

	email := "ada@example.com"
	require.NoError(t, p.handleMessage(0, []byte(`{"SetColor":120}`), &email))
	p.mu.RLock()
	hue := p.userColors[email]
	p.mu.RUnlock()
	assert.Equal(t, uint32(120), hue)
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	p := New(nil, Limits{BroadcastCapacity: 2})
	ch, cancel := p.subscribe()
	defer cancel()

	// Fill the buffer and push one past it; the subscriber is dropped and
	// its channel closed.
	p.SetLanguage("a")
	p.SetLanguage("b")
	p.SetLanguage("c")

	drained := 0
	for range 3 {
		if _, ok := <-ch; !ok {
			break
		}
		drained++
	}
	assert.Equal(t, 2, drained)
}
