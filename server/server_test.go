package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata/livequery"
	"livedata/store"
	"livedata/wire"
)

// testConn is an in-memory Conn: frames the server sends are parsed
// and recorded, frames the client sends are injected through the data
// handler.
type testConn struct {
	mu      sync.Mutex
	out     []wire.Message
	closed  bool
	onData  func([]byte)
	onClose func()
}

func newTestConn() *testConn { return &testConn{} }

func (c *testConn) Send(frame []byte) error {
	msg, err := wire.Parse(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, msg)
	return nil
}

func (c *testConn) SetHandlers(onData func([]byte), onClose func()) {
	c.onData = onData
	c.onClose = onClose
}

func (c *testConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *testConn) RemoteAddr() string   { return "192.0.2.1:40000" }
func (c *testConn) Headers() http.Header { return http.Header{} }

func (c *testConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// inject delivers one client frame to the server.
func (c *testConn) inject(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Stringify(msg)
	require.NoError(t, err)
	c.onData(data)
}

func (c *testConn) messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, len(c.out))
	copy(out, c.out)
	return out
}

// waitFor blocks until a received frame satisfies pred.
func (c *testConn) waitFor(t *testing.T, what string, pred func(wire.Message) bool) wire.Message {
	t.Helper()
	var found wire.Message
	require.Eventually(t, func() bool {
		for _, msg := range c.messages() {
			if pred(msg) {
				found = msg
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", what)
	return found
}

func (c *testConn) waitType(t *testing.T, msgType string) wire.Message {
	t.Helper()
	return c.waitFor(t, msgType, func(m wire.Message) bool { return m.Type() == msgType })
}

// frameIndex returns the position of the first frame satisfying pred,
// or -1.
func (c *testConn) frameIndex(pred func(wire.Message) bool) int {
	for i, msg := range c.messages() {
		if pred(msg) {
			return i
		}
	}
	return -1
}

func isMsg(msgType string) func(wire.Message) bool {
	return func(m wire.Message) bool { return m.Type() == msgType }
}

func isDoc(msgType, collection, id string) func(wire.Message) bool {
	return func(m wire.Message) bool {
		return m.Type() == msgType && m.Str("collection") == collection && m.ID() == id
	}
}

type serverFixture struct {
	store *store.MemoryStore
	srv   *Server
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	st := store.NewMemoryStore()
	srv := New(st, Options{
		PollingThrottle: 2 * time.Millisecond,
		PollingInterval: 30 * time.Millisecond,
	})
	t.Cleanup(srv.Close)
	return &serverFixture{store: st, srv: srv}
}

func (f *serverFixture) connect(t *testing.T, version string) *testConn {
	t.Helper()
	conn := newTestConn()
	f.srv.HandleConnection(conn)
	conn.inject(t, wire.Message{"msg": "connect", "version": version, "support": []any{version}})
	connected := conn.waitType(t, wire.MsgConnected)
	require.NotEmpty(t, connected.Str("session"))
	return conn
}

func (f *serverFixture) insertTask(t *testing.T, id string, extra store.Fields) {
	t.Helper()
	doc := store.Document{"_id": id, "kind": "task"}
	for k, v := range extra {
		doc[k] = v
	}
	require.NoError(t, f.store.InsertOne(context.Background(), "tasks", doc))
}

func publishTasks(f *serverFixture) {
	f.srv.Publish("tasks.all", func(sub *Subscription, params []any) (any, error) {
		return NewCursor("tasks", store.Selector{"kind": "task"}, livequery.CursorOptions{}), nil
	})
}

func TestConnectHandshake(t *testing.T) {
	f := setupServer(t)
	conn := f.connect(t, "1")
	assert.False(t, conn.isClosed())
	assert.Equal(t, 1, f.srv.SessionCount())
}

func TestConnectVersionMismatch(t *testing.T) {
	f := setupServer(t)
	conn := newTestConn()
	f.srv.HandleConnection(conn)

	// The client proposes pre2 but also supports 1; the server prefers
	// 1 and asks the client to reconnect with it.
	conn.inject(t, wire.Message{"msg": "connect", "version": "pre2", "support": []any{"pre2", "1"}})
	failed := conn.waitType(t, wire.MsgFailed)
	assert.Equal(t, "1", failed.Str("version"))
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, f.srv.SessionCount())
}

func TestConnectUnsupportedVersion(t *testing.T) {
	f := setupServer(t)
	conn := newTestConn()
	f.srv.HandleConnection(conn)

	conn.inject(t, wire.Message{"msg": "connect", "version": "99", "support": []any{"99"}})
	failed := conn.waitType(t, wire.MsgFailed)
	assert.Equal(t, wire.SupportedVersions[0], failed.Str("version"))
	assert.True(t, conn.isClosed())
}

func TestFirstMessageMustBeConnect(t *testing.T) {
	f := setupServer(t)
	conn := newTestConn()
	f.srv.HandleConnection(conn)

	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.all"})
	conn.waitType(t, wire.MsgError)
	assert.True(t, conn.isClosed())
}

func TestPingPong(t *testing.T) {
	f := setupServer(t)
	conn := f.connect(t, "1")

	conn.inject(t, wire.Message{"msg": "ping", "id": "p1"})
	pong := conn.waitType(t, wire.MsgPong)
	assert.Equal(t, "p1", pong.ID())
}

func TestSubscribeSnapshotThenReady(t *testing.T) {
	f := setupServer(t)
	publishTasks(f)
	f.insertTask(t, "a", store.Fields{"title": "one"})
	f.insertTask(t, "b", store.Fields{"title": "two"})

	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.all"})

	ready := conn.waitFor(t, "ready", func(m wire.Message) bool {
		if m.Type() != wire.MsgReady {
			return false
		}
		subs := m.StringSlice("subs")
		return len(subs) == 1 && subs[0] == "s1"
	})
	_ = ready

	addedA := conn.frameIndex(isDoc(wire.MsgAdded, "tasks", "a"))
	addedB := conn.frameIndex(isDoc(wire.MsgAdded, "tasks", "b"))
	readyIdx := conn.frameIndex(isMsg(wire.MsgReady))
	require.GreaterOrEqual(t, addedA, 0)
	require.GreaterOrEqual(t, addedB, 0)
	assert.Less(t, addedA, readyIdx, "snapshot precedes ready")
	assert.Less(t, addedB, readyIdx, "snapshot precedes ready")

	added := conn.waitFor(t, "added a", isDoc(wire.MsgAdded, "tasks", "a"))
	fields := added["fields"].(map[string]any)
	assert.Equal(t, "one", fields["title"])
}

func TestSubscribeUnknownName(t *testing.T) {
	f := setupServer(t)
	conn := f.connect(t, "1")

	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "no.such"})
	nosub := conn.waitType(t, wire.MsgNosub)
	assert.Equal(t, "s1", nosub.ID())
	errObj, ok := nosub["error"].(map[string]any)
	require.True(t, ok)
	assert.True(t, store.ValueEqual(errObj["error"], 404))
}

func TestLiveDelta(t *testing.T) {
	f := setupServer(t)
	publishTasks(f)
	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.all"})
	conn.waitType(t, wire.MsgReady)

	f.insertTask(t, "late", store.Fields{"title": "fresh"})
	conn.waitFor(t, "added late", isDoc(wire.MsgAdded, "tasks", "late"))

	_, err := f.store.UpdateOne(context.Background(), "tasks", store.Selector{"_id": "late"},
		map[string]any{"$set": map[string]any{"title": "edited"}})
	require.NoError(t, err)
	changed := conn.waitFor(t, "changed late", isDoc(wire.MsgChanged, "tasks", "late"))
	fields := changed["fields"].(map[string]any)
	assert.Equal(t, "edited", fields["title"])

	_, err = f.store.DeleteOne(context.Background(), "tasks", store.Selector{"_id": "late"})
	require.NoError(t, err)
	conn.waitFor(t, "removed late", isDoc(wire.MsgRemoved, "tasks", "late"))
}

func TestUnsubscribeWithdrawsDocuments(t *testing.T) {
	f := setupServer(t)
	publishTasks(f)
	f.insertTask(t, "a", nil)

	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.all"})
	conn.waitType(t, wire.MsgReady)

	conn.inject(t, wire.Message{"msg": "unsub", "id": "s1"})
	conn.waitFor(t, "removed a", isDoc(wire.MsgRemoved, "tasks", "a"))
	nosub := conn.waitType(t, wire.MsgNosub)
	assert.Equal(t, "s1", nosub.ID())
	_, hasErr := nosub["error"]
	assert.False(t, hasErr)
}

func TestVersion1AInitBatchAndCleanUnsub(t *testing.T) {
	f := setupServer(t)
	publishTasks(f)
	f.insertTask(t, "a", store.Fields{"title": "one"})
	f.insertTask(t, "b", store.Fields{"title": "two"})

	conn := f.connect(t, "1a")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.all"})
	conn.waitType(t, wire.MsgReady)

	initFrame := conn.waitType(t, wire.MsgInit)
	assert.Equal(t, "tasks", initFrame.Str("collection"))
	items, ok := initFrame["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
	assert.Equal(t, -1, conn.frameIndex(isMsg(wire.MsgAdded)),
		"1a replaces the initial burst with init")

	// 1a clients clean up on nosub themselves; no removed frames.
	conn.inject(t, wire.Message{"msg": "unsub", "id": "s1"})
	conn.waitType(t, wire.MsgNosub)
	assert.Equal(t, -1, conn.frameIndex(isMsg(wire.MsgRemoved)))
}

func TestVersion1AUnsubUnwindsSharedDocuments(t *testing.T) {
	f := setupServer(t)
	f.srv.Publish("by.kind", func(sub *Subscription, params []any) (any, error) {
		return NewCursor("tasks", store.Selector{"kind": "task"}, livequery.CursorOptions{}), nil
	})
	f.srv.Publish("by.tag", func(sub *Subscription, params []any) (any, error) {
		return NewCursor("tasks", store.Selector{"tag": "x"}, livequery.CursorOptions{}), nil
	})
	f.insertTask(t, "d", store.Fields{"tag": "x"})

	conn := f.connect(t, "1a")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "by.kind"})
	conn.waitFor(t, "ready s1", func(m wire.Message) bool {
		return m.Type() == wire.MsgReady && len(m.StringSlice("subs")) == 1 && m.StringSlice("subs")[0] == "s1"
	})
	conn.inject(t, wire.Message{"msg": "sub", "id": "s2", "name": "by.tag"})
	conn.waitFor(t, "ready s2", func(m wire.Message) bool {
		return m.Type() == wire.MsgReady && len(m.StringSlice("subs")) == 1 && m.StringSlice("subs")[0] == "s2"
	})

	conn.inject(t, wire.Message{"msg": "unsub", "id": "s1"})
	conn.waitFor(t, "nosub s1", func(m wire.Message) bool {
		return m.Type() == wire.MsgNosub && m.ID() == "s1"
	})
	assert.Equal(t, -1, conn.frameIndex(isMsg(wire.MsgRemoved)),
		"the surviving subscription still publishes the shared document")

	// The unsub must have unwound the dead subscription's merge-box
	// state: deleting the shared document now reaches the client.
	_, err := f.store.DeleteOne(context.Background(), "tasks", store.Selector{"_id": "d"})
	require.NoError(t, err)
	conn.waitFor(t, "removed d", isDoc(wire.MsgRemoved, "tasks", "d"))
}

func TestMethodWriteFenceOrdering(t *testing.T) {
	f := setupServer(t)
	publishTasks(f)
	f.srv.Methods(map[string]MethodHandler{
		"tasks.add": func(inv *MethodInvocation, params []any) (any, error) {
			id := params[0].(string)
			err := f.store.InsertOne(inv.Context(), "tasks",
				store.Document{"_id": id, "kind": "task"})
			return id, err
		},
	})

	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.all"})
	conn.waitType(t, wire.MsgReady)

	conn.inject(t, wire.Message{"msg": "method", "id": "m1", "method": "tasks.add", "params": []any{"x"}})
	conn.waitType(t, wire.MsgUpdated)

	resultIdx := conn.frameIndex(isMsg(wire.MsgResult))
	addedIdx := conn.frameIndex(isDoc(wire.MsgAdded, "tasks", "x"))
	updatedIdx := conn.frameIndex(isMsg(wire.MsgUpdated))
	require.GreaterOrEqual(t, resultIdx, 0)
	require.GreaterOrEqual(t, addedIdx, 0)
	require.GreaterOrEqual(t, updatedIdx, 0)
	assert.Less(t, resultIdx, updatedIdx)
	assert.Less(t, addedIdx, updatedIdx,
		"updated must not arrive before the method's own delta")

	result := conn.messages()[resultIdx]
	assert.Equal(t, "m1", result.ID())
	assert.Equal(t, "x", result["result"])
	updated := conn.messages()[updatedIdx]
	assert.Equal(t, []string{"m1"}, updated.StringSlice("methods"))
}

func TestMethodUnknown(t *testing.T) {
	f := setupServer(t)
	conn := f.connect(t, "1")

	conn.inject(t, wire.Message{"msg": "method", "id": "m1", "method": "no.such"})
	result := conn.waitType(t, wire.MsgResult)
	errObj, ok := result["error"].(map[string]any)
	require.True(t, ok)
	assert.True(t, store.ValueEqual(errObj["error"], 404))
	conn.waitType(t, wire.MsgUpdated)
}

func TestMethodErrorSanitization(t *testing.T) {
	f := setupServer(t)
	f.srv.Methods(map[string]MethodHandler{
		"denied": func(inv *MethodInvocation, params []any) (any, error) {
			return nil, wire.NewError(403, "Access denied")
		},
		"broken": func(inv *MethodInvocation, params []any) (any, error) {
			return nil, errors.New("db password is hunter2")
		},
		"panicky": func(inv *MethodInvocation, params []any) (any, error) {
			panic("internal detail")
		},
	})
	conn := f.connect(t, "1")

	conn.inject(t, wire.Message{"msg": "method", "id": "m1", "method": "denied"})
	result := conn.waitFor(t, "m1 result", func(m wire.Message) bool {
		return m.Type() == wire.MsgResult && m.ID() == "m1"
	})
	errObj := result["error"].(map[string]any)
	assert.Equal(t, "Access denied", errObj["reason"])

	for i, method := range []string{"broken", "panicky"} {
		id := fmt.Sprintf("m%d", i+2)
		conn.inject(t, wire.Message{"msg": "method", "id": id, "method": method})
		result := conn.waitFor(t, id+" result", func(m wire.Message) bool {
			return m.Type() == wire.MsgResult && m.ID() == id
		})
		errObj := result["error"].(map[string]any)
		assert.True(t, store.ValueEqual(errObj["error"], 500),
			"%s must be masked, got %v", method, errObj)
		assert.NotContains(t, fmt.Sprint(errObj), "hunter2")
		assert.NotContains(t, fmt.Sprint(errObj), "internal detail")
	}
}

func TestSetUserIDRerunsSubscriptions(t *testing.T) {
	f := setupServer(t)
	f.srv.Publish("tasks.mine", func(sub *Subscription, params []any) (any, error) {
		return NewCursor("tasks", store.Selector{"kind": "task", "owner": sub.UserID()}, livequery.CursorOptions{}), nil
	})
	f.srv.Methods(map[string]MethodHandler{
		"login": func(inv *MethodInvocation, params []any) (any, error) {
			inv.SetUserID(params[0].(string))
			return nil, nil
		},
	})
	f.insertTask(t, "mine", store.Fields{"owner": "alice"})
	f.insertTask(t, "other", store.Fields{"owner": "bob"})

	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.mine"})
	conn.waitType(t, wire.MsgReady)
	assert.Equal(t, -1, conn.frameIndex(isMsg(wire.MsgAdded)),
		"anonymous session sees no owned documents")

	conn.inject(t, wire.Message{"msg": "method", "id": "m1", "method": "login", "params": []any{"alice"}})
	conn.waitType(t, wire.MsgUpdated)
	conn.waitFor(t, "added mine", isDoc(wire.MsgAdded, "tasks", "mine"))
	assert.Equal(t, -1, conn.frameIndex(isDoc(wire.MsgAdded, "tasks", "other")))
}

func TestOverlappingSubscriptionsMerge(t *testing.T) {
	f := setupServer(t)
	f.srv.Publish("by.kind", func(sub *Subscription, params []any) (any, error) {
		return NewCursor("tasks", store.Selector{"kind": "task"}, livequery.CursorOptions{}), nil
	})
	f.srv.Publish("by.tag", func(sub *Subscription, params []any) (any, error) {
		return NewCursor("tasks", store.Selector{"tag": "x"}, livequery.CursorOptions{}), nil
	})
	f.insertTask(t, "d", store.Fields{"tag": "x", "v": 1})

	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "by.kind"})
	conn.waitFor(t, "ready s1", func(m wire.Message) bool {
		return m.Type() == wire.MsgReady && len(m.StringSlice("subs")) == 1 && m.StringSlice("subs")[0] == "s1"
	})
	conn.inject(t, wire.Message{"msg": "sub", "id": "s2", "name": "by.tag"})
	conn.waitFor(t, "ready s2", func(m wire.Message) bool {
		return m.Type() == wire.MsgReady && len(m.StringSlice("subs")) == 1 && m.StringSlice("subs")[0] == "s2"
	})

	// One added despite two subscriptions, and no spurious changed.
	var addedCount, changedCount int
	for _, m := range conn.messages() {
		switch m.Type() {
		case wire.MsgAdded:
			addedCount++
		case wire.MsgChanged:
			changedCount++
		}
	}
	assert.Equal(t, 1, addedCount)
	assert.Zero(t, changedCount)

	// Dropping one overlapping subscription must not remove the
	// document the other still publishes.
	conn.inject(t, wire.Message{"msg": "unsub", "id": "s1"})
	conn.waitType(t, wire.MsgNosub)
	assert.Equal(t, -1, conn.frameIndex(isMsg(wire.MsgRemoved)))

	conn.inject(t, wire.Message{"msg": "unsub", "id": "s2"})
	conn.waitFor(t, "removed d", isDoc(wire.MsgRemoved, "tasks", "d"))
}

func TestDuplicateCollectionCursorsRejected(t *testing.T) {
	f := setupServer(t)
	f.srv.Publish("doubled", func(sub *Subscription, params []any) (any, error) {
		return []*Cursor{
			NewCursor("tasks", store.Selector{"kind": "task"}, livequery.CursorOptions{}),
			NewCursor("tasks", store.Selector{"kind": "note"}, livequery.CursorOptions{}),
		}, nil
	})

	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "doubled"})
	nosub := conn.waitType(t, wire.MsgNosub)
	errObj, ok := nosub["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fmt.Sprint(errObj["reason"]), "multiple cursors")
}

func TestUniversalPublication(t *testing.T) {
	f := setupServer(t)
	f.insertTask(t, "a", nil)
	f.srv.Publish("", func(sub *Subscription, params []any) (any, error) {
		return NewCursor("tasks", store.Selector{"kind": "task"}, livequery.CursorOptions{}), nil
	})

	conn := f.connect(t, "1")
	conn.waitFor(t, "universal added", isDoc(wire.MsgAdded, "tasks", "a"))
	assert.Equal(t, -1, conn.frameIndex(isMsg(wire.MsgReady)),
		"universal subscriptions have no ready ack")
}

func TestSessionCloseTearsDownObservers(t *testing.T) {
	f := setupServer(t)
	publishTasks(f)

	conn := f.connect(t, "1")
	conn.inject(t, wire.Message{"msg": "sub", "id": "s1", "name": "tasks.all"})
	conn.waitType(t, wire.MsgReady)
	require.Equal(t, 1, f.srv.Registry().MultiplexerCount())

	// Simulate the transport dropping.
	conn.onClose()
	require.Eventually(t, func() bool {
		return f.srv.SessionCount() == 0 && f.srv.Registry().MultiplexerCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProtocolErrors(t *testing.T) {
	f := setupServer(t)
	conn := f.connect(t, "1")

	conn.inject(t, wire.Message{"msg": "sub", "name": "missing-id"})
	errFrame := conn.waitType(t, wire.MsgError)
	assert.NotEmpty(t, errFrame.Str("reason"))

	conn.inject(t, wire.Message{"msg": "made-up"})
	conn.waitFor(t, "unknown type error", func(m wire.Message) bool {
		return m.Type() == wire.MsgError && m.Str("reason") == "Unknown message type"
	})
}
