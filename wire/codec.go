package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"livedata/store"
)

// Decimal is a round-trip-preserving decimal value, carried on the
// wire as {"$decimal": "…"}.
type Decimal string

// Parse decodes one frame. Values inside fields, params and result are
// EJSON-adjusted (dates, binary, decimal become native values), and a
// changed message's cleared list is expanded back into Undefined field
// markers.
func Parse(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	msg := Message(adjustIn(raw).(map[string]any))

	if msg.Type() == MsgChanged {
		fields, _ := msg["fields"].(map[string]any)
		if cleared, ok := msg["cleared"].([]any); ok {
			if fields == nil {
				fields = map[string]any{}
			}
			for _, key := range cleared {
				if name, ok := key.(string); ok {
					fields[name] = store.Undefined
				}
			}
			delete(msg, "cleared")
			msg["fields"] = fields
		}
	}
	return msg, nil
}

// Stringify encodes one frame. Undefined field values of a changed
// message collapse into its cleared list; all values receive the
// inverse EJSON adjustment.
func Stringify(msg Message) ([]byte, error) {
	out := make(map[string]any, len(msg))
	for k, v := range msg {
		out[k] = v
	}

	if msg.Type() == MsgChanged {
		if fields, ok := out["fields"].(map[string]any); ok {
			kept := map[string]any{}
			var cleared []string
			for key, value := range fields {
				if store.IsUndefined(value) {
					cleared = append(cleared, key)
				} else {
					kept[key] = value
				}
			}
			if len(kept) > 0 {
				out["fields"] = kept
			} else {
				delete(out, "fields")
			}
			if len(cleared) > 0 {
				out["cleared"] = cleared
			}
		}
	}

	data, err := json.Marshal(adjustOut(out))
	if err != nil {
		return nil, fmt.Errorf("stringify frame: %w", err)
	}
	return data, nil
}

// adjustOut converts native values into their wire escapes.
func adjustOut(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{"$date": val.UnixMilli()}
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(val)}
	case Decimal:
		return map[string]any{"$decimal": string(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = adjustOut(item)
		}
		return out
	case Message:
		return adjustOut(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = adjustOut(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	default:
		return v
	}
}

// adjustIn converts wire escapes back into native values.
func adjustIn(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if ms, ok := val["$date"]; ok {
				if n, ok := numeric(ms); ok {
					return time.UnixMilli(int64(n)).UTC()
				}
			}
			if b64, ok := val["$binary"].(string); ok {
				if data, err := base64.StdEncoding.DecodeString(b64); err == nil {
					return data
				}
			}
			if dec, ok := val["$decimal"].(string); ok {
				return Decimal(dec)
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = adjustIn(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = adjustIn(item)
		}
		return out
	default:
		return v
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
