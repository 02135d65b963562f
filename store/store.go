package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("store is closed")

// FindOptions shape a query beyond its selector.
type FindOptions struct {
	// Sort orders the result set; nil means store order.
	Sort SortSpec
	// Projection limits the returned fields. Keys map to true for an
	// inclusive projection or false for an exclusive one; _id is always
	// returned.
	Projection map[string]bool
	Limit      int64
	Skip       int64
	// MaxTime bounds the server-side execution time of the query.
	MaxTime time.Duration
}

// WriteResult reports the outcome of a single-document write.
type WriteResult struct {
	// Matched is the number of documents the selector matched.
	Matched int64
	// Modified is the number of documents actually changed.
	Modified int64
}

// Notification describes one write for interested observers. It always
// carries a "collection" key and, when the write targets a single
// document, an "id" key.
type Notification = map[string]any

// WriteObserver receives a notification after every successful write.
// The context is the caller's: it may carry a write fence, which the
// observer's listeners use to tie their own work to the write.
type WriteObserver func(ctx context.Context, n Notification)

// Store is the document store as the engine sees it. Reads return
// detached documents the caller may freely retain. Errors from Find for
// which IsPermanent returns true are permanent query errors (a bad
// selector, an unknown operator); anything else is transient and the
// caller is expected to retry.
type Store interface {
	Find(ctx context.Context, collection string, selector Selector, opts FindOptions) ([]Document, error)
	FindOne(ctx context.Context, collection string, id string) (Document, error)

	InsertOne(ctx context.Context, collection string, doc Document) error
	UpdateOne(ctx context.Context, collection string, selector Selector, update map[string]any) (WriteResult, error)
	DeleteOne(ctx context.Context, collection string, selector Selector) (WriteResult, error)

	// OnWrite registers the observer invoked after each successful
	// write. At most one observer is supported; the server wires it to
	// the invalidation crossbar.
	OnWrite(observer WriteObserver)

	Close(ctx context.Context) error
}

// PermanentError marks an error as a permanent query failure. The
// memory store uses it directly; the mongo adapter relies on the
// server's numeric command codes instead.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string { return e.Message }

// IsPermanent reports whether a query error is permanent: retrying the
// same query can never succeed. Mongo command errors carry a numeric
// code; transient network and timeout failures do not.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return ce.Code != 0
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		return true
	}
	return false
}

// OplogTailer is the black-box stream of raw database mutations used by
// the oplog observe driver. Only its lifecycle is modeled here; the
// polling driver never consumes it, and the registry merely checks for
// its presence when selecting a driver.
type OplogTailer interface {
	// OnMutation registers a callback receiving (collection, id, op)
	// for every mutation in the current database.
	OnMutation(cb func(collection, id, op string)) (stop func())
	Stop()
}
