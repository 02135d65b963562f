package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livedata/core"
	"livedata/livequery"
	"livedata/mergebox"
	"livedata/store"
	"livedata/wire"
)

// Session is one connected client: its subscriptions, its merge-box
// views and its inbox worker. Client messages are processed strictly in
// arrival order on the inbox queue; observer callbacks arrive on their
// multiplexers' queues and synchronize through the state mutex.
type Session struct {
	id      string
	server  *Server
	conn    Conn
	version string

	inbox *livequery.TaskQueue

	stateMu         sync.Mutex
	userID          string
	collectionViews map[string]*mergebox.CollectionView
	namedSubs       map[string]*Subscription
	universalSubs   []*Subscription
	// isSending gates data messages; during a setUserID rerun the
	// views rebuild silently and the rerun ends with a diff.
	isSending    bool
	pendingReady []string

	// Version-1a init batching, guarded by stateMu.
	batching   bool
	batchOrder []string
	batch      map[string][]wire.InitItem

	// muteRemoved suppresses removed frames while a 1a unsub unwinds
	// the merge box. Guarded by stateMu.
	muteRemoved bool

	sendMu sync.Mutex

	hb *heartbeat

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(server *Server, conn Conn, version string) *Session {
	return &Session{
		id:              uuid.NewString(),
		server:          server,
		conn:            conn,
		version:         version,
		inbox:           livequery.NewTaskQueue(),
		collectionViews: make(map[string]*mergebox.CollectionView),
		namedSubs:       make(map[string]*Subscription),
		isSending:       true,
	}
}

// ID returns the session id announced in the connected message.
func (s *Session) ID() string { return s.id }

// Version returns the negotiated protocol version.
func (s *Session) Version() string { return s.version }

// UserID returns the authenticated user id, or "".
func (s *Session) UserID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.userID
}

// ClientAddress returns the client IP as derived from the connection
// and the configured proxy depth.
func (s *Session) ClientAddress() string {
	return ClientAddress(s.conn.RemoteAddr(), s.conn.Headers(), s.server.opts.ForwardedCount)
}

// start announces the session and begins serving. The heartbeat only
// runs on versions that understand ping.
func (s *Session) start() {
	if s.version != wire.VersionPre1 && s.server.opts.HeartbeatInterval > 0 {
		s.hb = newHeartbeat(s.server.opts.HeartbeatInterval, s.server.opts.HeartbeatTimeout,
			func() { s.writeMessage(wire.Ping("")) },
			func() {
				core.Info("Session heartbeat timed out", zap.String("session", s.id))
				s.Close()
			})
	}
	s.writeMessage(wire.Connected(s.id))
	if s.hb != nil {
		s.hb.start()
	}
	s.inbox.QueueTask(s.startUniversalSubs)
}

// handleFrame is the raw-data entry point, called from the transport's
// read loop.
func (s *Session) handleFrame(data []byte) {
	s.server.metrics.messageIn()
	if s.hb != nil {
		s.hb.messageReceived()
	}
	msg, err := wire.Parse(data)
	if err != nil {
		s.writeMessage(wire.ProtocolError("Parse error", nil))
		return
	}
	if err := msg.Validate(); err != nil {
		s.writeMessage(wire.ProtocolError(err.Error(), msg))
		return
	}
	s.inbox.QueueTask(func() { s.processMessage(msg) })
}

// processMessage dispatches one client message. Runs on the inbox
// worker, so messages of one session never interleave.
func (s *Session) processMessage(msg wire.Message) {
	switch msg.Type() {
	case wire.MsgSub:
		s.handleSub(msg)
	case wire.MsgUnsub:
		s.handleUnsub(msg.ID())
	case wire.MsgMethod:
		s.handleMethod(msg)
	case wire.MsgPing:
		if s.version != wire.VersionPre1 {
			s.writeMessage(wire.Pong(msg.ID()))
		}
	case wire.MsgPong:
		// Any inbound frame already fed the heartbeat.
	case wire.MsgConnect:
		s.writeMessage(wire.ProtocolError("Already connected", msg))
	default:
		s.writeMessage(wire.ProtocolError("Unknown message type", msg))
	}
}

func (s *Session) handleSub(msg wire.Message) {
	id, name := msg.ID(), msg.Str("name")

	s.stateMu.Lock()
	_, exists := s.namedSubs[id]
	s.stateMu.Unlock()
	if exists {
		// Duplicate sub ids are a client bug; the first one stands.
		return
	}

	handler, ok := s.server.publishHandler(name)
	if !ok {
		s.writeMessage(wire.Nosub(id, wire.ErrSubNotFound))
		return
	}

	sub := newSubscription(s, id, name, handler, msg.Params(), s.server.strategyFor(name))
	s.stateMu.Lock()
	if s.closed.Load() {
		s.stateMu.Unlock()
		return
	}
	s.namedSubs[id] = sub
	s.stateMu.Unlock()
	s.server.metrics.subStarted()
	sub.runHandler()
}

func (s *Session) handleUnsub(id string) {
	s.stateMu.Lock()
	sub := s.namedSubs[id]
	s.stateMu.Unlock()
	if sub == nil {
		s.writeMessage(wire.Nosub(id, nil))
		return
	}
	s.stopSubscription(sub, nil)
}

// stopSubscription tears one subscription down: detach, stop observers,
// withdraw its documents and acknowledge. 1a clients drop the
// subscription's solely-owned documents themselves on nosub, so their
// removed frames are muted; the merge box is still unwound so shared
// documents keep correct precedence.
func (s *Session) stopSubscription(sub *Subscription, cause error) {
	s.removeSubscription(sub)
	sub.deactivate()
	sub.removeAllDocuments()

	if sub.id == "" {
		if cause != nil {
			core.Error("Universal publication failed",
				zap.String("session", s.id), zap.Error(cause))
		}
		return
	}
	var clientErr *wire.Error
	if cause != nil {
		var masked bool
		clientErr, masked = wire.Sanitize(cause)
		if masked {
			core.Error("Publication failed",
				zap.String("publication", sub.name),
				zap.String("session", s.id),
				zap.Error(cause))
		}
	}
	s.writeMessage(wire.Nosub(sub.id, clientErr))
}

func (s *Session) removeSubscription(sub *Subscription) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if sub.id != "" {
		if s.namedSubs[sub.id] == sub {
			delete(s.namedSubs, sub.id)
		}
		return
	}
	for i, u := range s.universalSubs {
		if u == sub {
			s.universalSubs = append(s.universalSubs[:i], s.universalSubs[i+1:]...)
			return
		}
	}
}

func (s *Session) handleMethod(msg wire.Message) {
	id, name := msg.ID(), msg.Str("method")
	s.server.metrics.methodCalled()

	handler, ok := s.server.methodHandler(name)
	if !ok {
		s.writeMessage(wire.Result(id, nil, wire.ErrMethodNotFound))
		s.writeMessage(wire.Updated([]string{id}))
		return
	}

	fence := livequery.NewFence()
	ctx := livequery.WithFence(context.Background(), fence)
	inv := &MethodInvocation{session: s, ctx: ctx, randomSeed: msg["randomSeed"]}

	result, err := invokeMethod(name, handler, inv, msg.Params())
	clientErr, masked := wire.Sanitize(err)
	if masked {
		core.Error("Method failed",
			zap.String("method", name),
			zap.String("session", s.id),
			zap.Error(err))
	}
	s.writeMessage(wire.Result(id, result, clientErr))

	// The updated ack waits for every write of the method to flush to
	// this session's subscriptions.
	fence.OnAllCommitted(func() {
		fence.Retire()
		s.writeMessage(wire.Updated([]string{id}))
	})
	fence.Arm(context.Background())
}

// setUserID switches the authenticated user: every subscription is torn
// down and rerun against the new user, and the client receives only the
// diff between its old and new data set.
func (s *Session) setUserID(userID string) {
	s.stateMu.Lock()
	s.isSending = false
	oldViews := s.collectionViews
	s.collectionViews = make(map[string]*mergebox.CollectionView)
	named := make([]*Subscription, 0, len(s.namedSubs))
	for _, sub := range s.namedSubs {
		named = append(named, sub)
	}
	universal := s.universalSubs
	s.universalSubs = nil
	s.userID = userID
	s.stateMu.Unlock()

	for _, sub := range named {
		sub.deactivate()
	}
	for _, sub := range universal {
		sub.deactivate()
	}

	for _, old := range named {
		fresh := old.recreate()
		s.stateMu.Lock()
		s.namedSubs[fresh.id] = fresh
		s.stateMu.Unlock()
		s.server.metrics.subStarted()
		fresh.runHandler()
	}
	s.startUniversalSubs()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.isSending = true
	pending := s.pendingReady
	s.pendingReady = nil
	mergebox.DiffViews(oldViews, s.collectionViews, mergebox.Callbacks{
		Added: func(collection, id string, fields store.Fields) {
			s.writeMessage(wire.Added(collection, id, fields))
		},
		Changed: func(collection, id string, fields store.Fields) {
			if len(fields) > 0 {
				s.writeMessage(wire.Changed(collection, id, fields))
			}
		},
		Removed: func(collection, id string) {
			s.writeMessage(wire.Removed(collection, id))
		},
	})
	if len(pending) > 0 {
		s.writeMessage(wire.Ready(pending))
	}
}

func (s *Session) startUniversalSubs() {
	for _, handler := range s.server.universalHandlerList() {
		s.startUniversalSub(handler)
	}
}

func (s *Session) startUniversalSub(handler PublishHandler) {
	if s.closed.Load() {
		return
	}
	sub := newSubscription(s, "", "", handler, nil, s.server.strategyFor(""))
	s.stateMu.Lock()
	s.universalSubs = append(s.universalSubs, sub)
	s.stateMu.Unlock()
	s.server.metrics.subStarted()
	sub.runHandler()
}

// Merge-box plumbing. All view operations and the locked send helpers
// require stateMu.

func (s *Session) viewFor(collection string) *mergebox.CollectionView {
	view := s.collectionViews[collection]
	if view == nil {
		view = mergebox.NewCollectionView(collection, mergebox.Callbacks{
			Added:   s.sendAddedLocked,
			Changed: s.sendChangedLocked,
			Removed: s.sendRemovedLocked,
		})
		s.collectionViews[collection] = view
	}
	return view
}

func (s *Session) viewRemoved(subHandle, collection, id string) {
	view := s.collectionViews[collection]
	if view == nil {
		return
	}
	view.Removed(subHandle, id)
	if view.IsEmpty() {
		delete(s.collectionViews, collection)
	}
}

func (s *Session) sendAddedLocked(collection, id string, fields store.Fields) {
	if !s.isSending {
		return
	}
	if s.batching {
		if _, seen := s.batch[collection]; !seen {
			s.batchOrder = append(s.batchOrder, collection)
		}
		s.batch[collection] = append(s.batch[collection], wire.InitItem{ID: id, Fields: fields})
		return
	}
	s.writeMessage(wire.Added(collection, id, fields))
}

func (s *Session) sendChangedLocked(collection, id string, fields store.Fields) {
	if !s.isSending || len(fields) == 0 {
		return
	}
	if s.batching {
		s.flushAddBatchLocked()
	}
	s.writeMessage(wire.Changed(collection, id, fields))
}

func (s *Session) sendRemovedLocked(collection, id string) {
	if !s.isSending || s.muteRemoved {
		return
	}
	if s.batching {
		s.flushAddBatchLocked()
	}
	s.writeMessage(wire.Removed(collection, id))
}

func (s *Session) sendReadyLocked(subIDs []string) {
	if !s.isSending {
		s.pendingReady = append(s.pendingReady, subIDs...)
		return
	}
	s.writeMessage(wire.Ready(subIDs))
}

func (s *Session) beginAddBatch() {
	s.batching = true
	if s.batch == nil {
		s.batch = make(map[string][]wire.InitItem)
	}
}

func (s *Session) endAddBatch() {
	s.flushAddBatchLocked()
	s.batching = false
}

func (s *Session) flushAddBatchLocked() {
	for _, collection := range s.batchOrder {
		if items := s.batch[collection]; len(items) > 0 {
			s.writeMessage(wire.Init(collection, items))
		}
	}
	s.batchOrder = nil
	s.batch = make(map[string][]wire.InitItem)
}

// writeMessage encodes and sends one frame. Send failures are logged
// and otherwise ignored; a dying connection surfaces through the read
// loop's close.
func (s *Session) writeMessage(msg wire.Message) {
	if s.closed.Load() {
		return
	}
	data, err := wire.Stringify(msg)
	if err != nil {
		core.Error("Frame encode failed",
			zap.String("session", s.id),
			zap.Error(err))
		return
	}
	s.sendMu.Lock()
	err = s.conn.Send(data)
	s.sendMu.Unlock()
	if err != nil {
		core.Debug("Session send failed",
			zap.String("session", s.id),
			zap.Error(err))
		return
	}
	s.server.metrics.messageOut()
}

// Close tears the session down: connection, inbox, then observers.
// Observer teardown can wait on multiplexer queues, so it runs off the
// close path. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.hb != nil {
			s.hb.stop()
		}
		_ = s.conn.Close()
		s.inbox.Stop()

		s.stateMu.Lock()
		subs := make([]*Subscription, 0, len(s.namedSubs)+len(s.universalSubs))
		for _, sub := range s.namedSubs {
			subs = append(subs, sub)
		}
		subs = append(subs, s.universalSubs...)
		s.namedSubs = make(map[string]*Subscription)
		s.universalSubs = nil
		s.collectionViews = make(map[string]*mergebox.CollectionView)
		s.stateMu.Unlock()

		go func() {
			for _, sub := range subs {
				sub.deactivate()
			}
		}()

		s.server.removeSession(s.id)
		s.server.metrics.sessionClosed()
		core.Debug("Session closed", zap.String("session", s.id))
	})
}
