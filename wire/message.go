// Package wire implements the client protocol: JSON messages over a
// WebSocket, one message per frame, with EJSON-style value adjustment
// and the cleared-fields transform on changed messages.
package wire

import (
	"fmt"

	"livedata/store"
)

// Message type names, client to server.
const (
	MsgConnect = "connect"
	MsgSub     = "sub"
	MsgUnsub   = "unsub"
	MsgMethod  = "method"
	MsgPing    = "ping"
	MsgPong    = "pong"
)

// Message type names, server to client.
const (
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgNosub     = "nosub"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgReady     = "ready"
	MsgUpdated   = "updated"
	MsgResult    = "result"
	MsgError     = "error"
	// MsgInit is the version-1a extension replacing an initial burst
	// of added messages with one batched frame.
	MsgInit = "init"
)

// Message is one protocol frame in decoded form. Field values are in
// the engine's data model (time.Time, []byte, Undefined markers), not
// their wire escapes; Parse and Stringify translate.
type Message map[string]any

// Type returns the msg discriminator, or "".
func (m Message) Type() string {
	t, _ := m["msg"].(string)
	return t
}

// ID returns the id field, or "".
func (m Message) ID() string {
	id, _ := m["id"].(string)
	return id
}

// Str returns a string field, or "".
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Params returns the params array of a sub or method message.
func (m Message) Params() []any {
	params, _ := m["params"].([]any)
	return params
}

// StringSlice returns a []string field such as connect's support list.
func (m Message) StringSlice(key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		if out, ok := m[key].([]string); ok {
			return out
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the required fields of a client message. It returns
// a descriptive error for malformed messages; unknown msg types pass
// through so the session can reply with a protocol error.
func (m Message) Validate() error {
	switch m.Type() {
	case "":
		return fmt.Errorf("message missing msg field")
	case MsgConnect:
		if m.Str("version") == "" {
			return fmt.Errorf("connect requires a version")
		}
	case MsgSub:
		if m.ID() == "" || m.Str("name") == "" {
			return fmt.Errorf("sub requires id and name")
		}
	case MsgUnsub:
		if m.ID() == "" {
			return fmt.Errorf("unsub requires id")
		}
	case MsgMethod:
		if m.ID() == "" || m.Str("method") == "" {
			return fmt.Errorf("method requires id and method")
		}
	}
	return nil
}

// Builders for server-to-client messages.

func Connected(session string) Message {
	return Message{"msg": MsgConnected, "session": session}
}

func Failed(version string) Message {
	return Message{"msg": MsgFailed, "version": version}
}

func Nosub(id string, err *Error) Message {
	m := Message{"msg": MsgNosub, "id": id}
	if err != nil {
		m["error"] = err.wireForm()
	}
	return m
}

func Added(collection, id string, fields store.Fields) Message {
	return Message{"msg": MsgAdded, "collection": collection, "id": id, "fields": fields}
}

func Changed(collection, id string, fields store.Fields) Message {
	return Message{"msg": MsgChanged, "collection": collection, "id": id, "fields": fields}
}

func Removed(collection, id string) Message {
	return Message{"msg": MsgRemoved, "collection": collection, "id": id}
}

func Ready(subs []string) Message {
	return Message{"msg": MsgReady, "subs": subs}
}

func Updated(methods []string) Message {
	return Message{"msg": MsgUpdated, "methods": methods}
}

func Result(id string, result any, err *Error) Message {
	m := Message{"msg": MsgResult, "id": id}
	if err != nil {
		m["error"] = err.wireForm()
	} else if result != nil {
		m["result"] = result
	}
	return m
}

func ProtocolError(reason string, offending Message) Message {
	m := Message{"msg": MsgError, "reason": reason}
	if offending != nil {
		m["offendingMessage"] = map[string]any(offending)
	}
	return m
}

func Ping(id string) Message {
	m := Message{"msg": MsgPing}
	if id != "" {
		m["id"] = id
	}
	return m
}

func Pong(id string) Message {
	m := Message{"msg": MsgPong}
	if id != "" {
		m["id"] = id
	}
	return m
}

// InitItem is one document of a version-1a init batch.
type InitItem struct {
	ID     string       `json:"id"`
	Fields store.Fields `json:"fields"`
}

func Init(collection string, items []InitItem) Message {
	converted := make([]any, len(items))
	for i, item := range items {
		converted[i] = map[string]any{"id": item.ID, "fields": item.Fields}
	}
	return Message{"msg": MsgInit, "collection": collection, "items": converted}
}
