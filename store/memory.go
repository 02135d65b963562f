package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"livedata/core"
)

// MemoryStore is an in-process Store. It backs the test suite and the
// demo binary, and implements the same observable-write contract as the
// mongo adapter: every successful write produces a notification through
// the registered WriteObserver, carrying the caller's context.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	observer    WriteObserver
	closed      bool

	// findErr, when non-nil, is returned by the next findErrCount
	// calls to Find. Tests use this to simulate transient and
	// permanent query failures.
	findErr      error
	findErrCount int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
	}
}

// OnWrite registers the write observer.
func (s *MemoryStore) OnWrite(observer WriteObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

// FailFinds makes the next count calls to Find return err.
func (s *MemoryStore) FailFinds(count int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findErr = err
	s.findErrCount = count
}

// Find runs a query against the store. The returned documents are deep
// copies; callers may retain and mutate them freely.
func (s *MemoryStore) Find(ctx context.Context, collection string, selector Selector, opts FindOptions) ([]Document, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.findErrCount > 0 {
		s.findErrCount--
		err := s.findErr
		s.mu.Unlock()
		return nil, err
	}
	docs := make([]Document, 0, len(s.collections[collection]))
	for _, doc := range s.collections[collection] {
		docs = append(docs, doc)
	}
	s.mu.Unlock()

	matcher, err := CompileMatcher(selector)
	if err != nil {
		// An uncompilable selector is what a database would reject
		// with a coded error.
		return nil, &PermanentError{Code: 2, Message: err.Error()}
	}

	matched := docs[:0]
	for _, doc := range docs {
		if matcher.DocumentMatches(doc).Result {
			matched = append(matched, doc)
		}
	}
	NewSorter(opts.Sort).Sort(matched)

	if opts.Skip > 0 {
		if int64(len(matched)) <= opts.Skip {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]Document, len(matched))
	for i, doc := range matched {
		out[i] = applyProjection(CloneDocument(doc), opts.Projection)
	}
	return out, nil
}

// FindOne fetches a single document by id, or nil when absent.
func (s *MemoryStore) FindOne(ctx context.Context, collection string, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return CloneDocument(doc), nil
}

// InsertOne stores a new document. The document must carry a string
// _id; inserting a duplicate id fails.
func (s *MemoryStore) InsertOne(ctx context.Context, collection string, doc Document) error {
	id, ok := DocumentID(doc)
	if !ok {
		return fmt.Errorf("insert into %q: document has no string _id", collection)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		s.mu.Unlock()
		return &PermanentError{Code: 11000, Message: fmt.Sprintf("duplicate _id %q in %q", id, collection)}
	}
	coll[id] = CloneDocument(doc)
	observer := s.observer
	s.mu.Unlock()

	s.notify(ctx, observer, collection, id)
	return nil
}

// UpdateOne applies an update to the first document matching the
// selector. Update documents using $set/$unset/$inc are applied field
// by field; any other update document replaces the document wholesale,
// keeping its _id.
func (s *MemoryStore) UpdateOne(ctx context.Context, collection string, selector Selector, update map[string]any) (WriteResult, error) {
	matcher, err := CompileMatcher(selector)
	if err != nil {
		return WriteResult{}, &PermanentError{Code: 2, Message: err.Error()}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return WriteResult{}, ErrClosed
	}
	var target Document
	var targetID string
	for id, doc := range s.collections[collection] {
		if matcher.DocumentMatches(doc).Result {
			target, targetID = doc, id
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return WriteResult{}, nil
	}
	updated, err := applyUpdate(target, update)
	if err != nil {
		s.mu.Unlock()
		return WriteResult{}, err
	}
	s.collections[collection][targetID] = updated
	observer := s.observer
	s.mu.Unlock()

	s.notify(ctx, observer, collection, targetID)
	return WriteResult{Matched: 1, Modified: 1}, nil
}

// DeleteOne removes the first document matching the selector.
func (s *MemoryStore) DeleteOne(ctx context.Context, collection string, selector Selector) (WriteResult, error) {
	matcher, err := CompileMatcher(selector)
	if err != nil {
		return WriteResult{}, &PermanentError{Code: 2, Message: err.Error()}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return WriteResult{}, ErrClosed
	}
	var targetID string
	found := false
	for id, doc := range s.collections[collection] {
		if matcher.DocumentMatches(doc).Result {
			targetID, found = id, true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return WriteResult{}, nil
	}
	delete(s.collections[collection], targetID)
	observer := s.observer
	s.mu.Unlock()

	s.notify(ctx, observer, collection, targetID)
	return WriteResult{Matched: 1, Modified: 1}, nil
}

// Close marks the store closed; subsequent operations fail.
func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) notify(ctx context.Context, observer WriteObserver, collection, id string) {
	if observer == nil {
		return
	}
	observer(ctx, Notification{"collection": collection, "id": id})
}

func applyProjection(doc Document, projection map[string]bool) Document {
	if len(projection) == 0 {
		return doc
	}
	inclusive := false
	for field, include := range projection {
		if field != "_id" && include {
			inclusive = true
			break
		}
	}
	out := Document{}
	if inclusive {
		for field, include := range projection {
			if !include {
				continue
			}
			if v, ok := doc[field]; ok {
				out[field] = v
			}
		}
		if id, ok := doc["_id"]; ok {
			if include, specified := projection["_id"]; !specified || include {
				out["_id"] = id
			}
		}
		return out
	}
	for field, v := range doc {
		if exclude, specified := projection[field]; specified && !exclude && field != "_id" {
			continue
		}
		out[field] = v
	}
	return out
}

func applyUpdate(doc Document, update map[string]any) (Document, error) {
	hasOperator := false
	for key := range update {
		if len(key) > 0 && key[0] == '$' {
			hasOperator = true
			break
		}
	}
	out := CloneDocument(doc)
	if !hasOperator {
		id := out["_id"]
		out = CloneDocument(update)
		out["_id"] = id
		return out, nil
	}
	for op, arg := range update {
		fields, ok := arg.(map[string]any)
		if !ok {
			return nil, &PermanentError{Code: 9, Message: fmt.Sprintf("update operator %q requires a document", op)}
		}
		switch op {
		case "$set":
			for field, value := range fields {
				if field == "_id" {
					continue
				}
				out[field] = CloneValue(value)
			}
		case "$unset":
			for field := range fields {
				if field == "_id" {
					continue
				}
				delete(out, field)
			}
		case "$inc":
			for field, value := range fields {
				delta, ok := numericValue(value)
				if !ok {
					return nil, &PermanentError{Code: 9, Message: fmt.Sprintf("$inc value for %q is not numeric", field)}
				}
				current, _ := numericValue(out[field])
				out[field] = current + delta
			}
		default:
			core.Warn("Unsupported update operator ignored", zap.String("operator", op))
		}
	}
	return out, nil
}
