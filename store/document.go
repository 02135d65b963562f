// Package store defines the document model used throughout the livedata
// server together with the document-store interface and its adapters.
//
// The engine treats the store as an external collaborator: it only ever
// executes queries through the Store interface and never reaches into a
// concrete driver. Two adapters are provided: MongoStore, backed by the
// official MongoDB driver, and MemoryStore, an in-process store used by
// tests and the demo binary.
package store

import (
	"time"

	"github.com/jinzhu/copier"
)

// Document is a single stored document: a mapping from field name to
// value with a mandatory string identity under "_id". Identity is
// immutable for the lifetime of the document.
type Document = map[string]any

// Fields is a partial document image: a mapping from field name to value.
// A value of Undefined marks a field as cleared (removed).
type Fields = map[string]any

// undefinedType is the type of the Undefined sentinel.
type undefinedType struct{}

// Undefined marks a field as absent. It is distinct from nil, which is a
// legitimate stored value; the wire codec translates Undefined into the
// "cleared" list of a changed message.
var Undefined = undefinedType{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// DocumentID extracts the string identity of a document. The second
// return value is false when the document has no string _id.
func DocumentID(doc Document) (string, bool) {
	id, ok := doc["_id"].(string)
	return id, ok
}

// CloneValue returns a deep copy of an arbitrary field value. Maps and
// slices are copied recursively; times, byte slices and scalars are
// copied by value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case undefinedType:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		if err := copier.CopyWithOption(&out, val, copier.Option{DeepCopy: true}); err != nil {
			// Fall back to a manual copy; copier only fails on exotic types.
			for k, item := range val {
				out[k] = CloneValue(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	case time.Time:
		return val
	default:
		return val
	}
}

// CloneDocument returns a deep copy of a document.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return CloneValue(doc).(map[string]any)
}

// CloneFields returns a deep copy of a field image, preserving
// Undefined markers.
func CloneFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = CloneValue(v)
	}
	return out
}

// ValueEqual reports deep equality of two field values. Numeric values
// are compared across widths (int32 1 equals float64 1), matching the
// comparison the database itself would make.
func ValueEqual(a, b any) bool {
	return compareValues(a, b) == 0
}

// FieldsEqual reports whether two field images contain the same keys
// with equal values.
func FieldsEqual(a, b Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !ValueEqual(av, bv) {
			return false
		}
	}
	return true
}
