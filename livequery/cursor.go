package livequery

import (
	"encoding/json"
	"fmt"
	"time"

	"livedata/store"
)

// Default polling cadence, overridable per cursor and process-wide via
// configuration.
const (
	DefaultPollingThrottle = 50 * time.Millisecond
	DefaultPollingInterval = 10 * time.Second
)

// CursorOptions shape an observed query beyond its selector.
type CursorOptions struct {
	Sort       store.SortSpec  `json:"sort,omitempty"`
	Projection map[string]bool `json:"projection,omitempty"`
	Limit      int64           `json:"limit,omitempty"`
	Skip       int64           `json:"skip,omitempty"`

	// PollingThrottle is the minimum spacing between polls triggered
	// by invalidations; PollingInterval is the forced-poll period that
	// catches writes the crossbar never saw. Zero means the process
	// default.
	PollingThrottle time.Duration `json:"pollingThrottleMs,omitempty"`
	PollingInterval time.Duration `json:"pollingIntervalMs,omitempty"`

	// DisableOplog forces the polling driver even when an oplog
	// tailer is available.
	DisableOplog bool `json:"disableOplog,omitempty"`
	// Tailable marks an added-only stream over a capped collection.
	Tailable bool `json:"tailable,omitempty"`

	// MaxTime bounds the store-side execution time of each poll.
	MaxTime time.Duration `json:"maxTimeMs,omitempty"`
}

// CursorDescription is the immutable identity of an observed query:
// collection, selector and options. Two descriptions are equivalent iff
// their canonical serializations are byte-equal; the registry uses that
// as the deduplication key for multiplexers.
type CursorDescription struct {
	Collection string            `json:"collection"`
	Selector   store.Selector    `json:"selector"`
	Options    CursorOptions     `json:"options"`
}

// NewCursorDescription normalizes the selector (rejecting arrays and
// rewriting empty or falsy-id selectors into unmatchable ones) and
// builds a description.
func NewCursorDescription(collection string, selector any, options CursorOptions) (CursorDescription, error) {
	if collection == "" {
		return CursorDescription{}, fmt.Errorf("cursor: collection name is required")
	}
	rewritten, err := store.RewriteSelector(selector)
	if err != nil {
		return CursorDescription{}, err
	}
	return CursorDescription{Collection: collection, Selector: rewritten, Options: options}, nil
}

// CanonicalKey serializes the description (plus the ordered flag) into
// a stable string. encoding/json emits map keys in sorted order, which
// gives byte equality for equivalent descriptions.
func (d CursorDescription) CanonicalKey(ordered bool) string {
	payload := struct {
		Ordered    bool           `json:"ordered"`
		Collection string         `json:"collection"`
		Selector   store.Selector `json:"selector"`
		Options    CursorOptions  `json:"options"`
	}{ordered, d.Collection, d.Selector, d.Options}
	data, err := json.Marshal(payload)
	if err != nil {
		// Selectors are plain JSON-shaped data; failure here means a
		// caller handed us something that could never reach the store.
		panic(fmt.Sprintf("cursor: canonicalization failed: %v", err))
	}
	return string(data)
}

// pollingThrottle resolves the effective throttle window.
func (d CursorDescription) pollingThrottle(processDefault time.Duration) time.Duration {
	if d.Options.PollingThrottle > 0 {
		return d.Options.PollingThrottle
	}
	if processDefault > 0 {
		return processDefault
	}
	return DefaultPollingThrottle
}

// pollingInterval resolves the effective forced-poll period.
func (d CursorDescription) pollingInterval(processDefault time.Duration) time.Duration {
	if d.Options.PollingInterval > 0 {
		return d.Options.PollingInterval
	}
	if processDefault > 0 {
		return processDefault
	}
	return DefaultPollingInterval
}

// FindOptions converts the cursor options into store query options.
func (d CursorDescription) FindOptions() store.FindOptions {
	return store.FindOptions{
		Sort:       d.Options.Sort,
		Projection: d.Options.Projection,
		Limit:      d.Options.Limit,
		Skip:       d.Options.Skip,
		MaxTime:    d.Options.MaxTime,
	}
}
