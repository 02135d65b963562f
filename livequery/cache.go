package livequery

import (
	"fmt"

	"livedata/store"
)

// observeCache is the multiplexer's authoritative snapshot of a query's
// current documents. In unordered mode it is a map from id to document;
// in ordered mode a doubly-linked list indexed by id, preserving
// insertion and move order with O(1) move-before by id.
//
// The cache is a single-writer structure: all mutation happens inside
// the owning multiplexer's task queue. Applying a change to a missing
// document panics; that indicates a driver bug, not a recoverable
// condition.
type observeCache struct {
	ordered bool
	docs    map[string]*cacheNode
	// head and tail of the ordered list; nil in unordered mode.
	head *cacheNode
	tail *cacheNode
}

type cacheNode struct {
	id   string
	doc  store.Document
	prev *cacheNode
	next *cacheNode
}

func newObserveCache(ordered bool) *observeCache {
	return &observeCache{ordered: ordered, docs: make(map[string]*cacheNode)}
}

// initialAdds replaces the cache contents with docs.
func (c *observeCache) initialAdds(docs []store.Document) {
	c.docs = make(map[string]*cacheNode, len(docs))
	c.head, c.tail = nil, nil
	for _, doc := range docs {
		id, ok := store.DocumentID(doc)
		if !ok {
			panic("observe cache: initial add without string _id")
		}
		c.insert(id, store.CloneDocument(doc), "")
	}
}

// added inserts a document (unordered mode).
func (c *observeCache) added(id string, fields store.Fields) {
	if c.ordered {
		panic("observe cache: added on an ordered cache")
	}
	if _, exists := c.docs[id]; exists {
		panic(fmt.Sprintf("observe cache: added existing document %q", id))
	}
	doc := store.CloneFields(fields)
	doc["_id"] = id
	c.insert(id, doc, "")
}

// addedBefore inserts a document before beforeID; "" appends (ordered
// mode).
func (c *observeCache) addedBefore(id string, fields store.Fields, beforeID string) {
	if !c.ordered {
		panic("observe cache: addedBefore on an unordered cache")
	}
	if _, exists := c.docs[id]; exists {
		panic(fmt.Sprintf("observe cache: added existing document %q", id))
	}
	doc := store.CloneFields(fields)
	doc["_id"] = id
	c.insert(id, doc, beforeID)
}

// changed applies a field patch to an existing document.
func (c *observeCache) changed(id string, fields store.Fields) {
	node, exists := c.docs[id]
	if !exists {
		panic(fmt.Sprintf("observe cache: changed nonexistent document %q", id))
	}
	ApplyFields(node.doc, store.CloneFields(fields))
}

// movedBefore reorders an existing document (ordered mode).
func (c *observeCache) movedBefore(id string, beforeID string) {
	if !c.ordered {
		panic("observe cache: movedBefore on an unordered cache")
	}
	node, exists := c.docs[id]
	if !exists {
		panic(fmt.Sprintf("observe cache: moved nonexistent document %q", id))
	}
	if id == beforeID {
		return
	}
	c.unlink(node)
	c.link(node, beforeID)
}

// removed deletes a document.
func (c *observeCache) removed(id string) {
	node, exists := c.docs[id]
	if !exists {
		panic(fmt.Sprintf("observe cache: removed nonexistent document %q", id))
	}
	delete(c.docs, id)
	if c.ordered {
		c.unlink(node)
	}
}

// snapshot returns the cached documents, in order for ordered caches.
// Documents are the cache's own; callers must clone before sharing.
func (c *observeCache) snapshot() []store.Document {
	out := make([]store.Document, 0, len(c.docs))
	if c.ordered {
		for node := c.head; node != nil; node = node.next {
			out = append(out, node.doc)
		}
		return out
	}
	for _, node := range c.docs {
		out = append(out, node.doc)
	}
	return out
}

func (c *observeCache) size() int { return len(c.docs) }

func (c *observeCache) insert(id string, doc store.Document, beforeID string) {
	node := &cacheNode{id: id, doc: doc}
	c.docs[id] = node
	if c.ordered {
		c.link(node, beforeID)
	}
}

func (c *observeCache) link(node *cacheNode, beforeID string) {
	if beforeID == "" {
		node.prev, node.next = c.tail, nil
		if c.tail != nil {
			c.tail.next = node
		} else {
			c.head = node
		}
		c.tail = node
		return
	}
	before, exists := c.docs[beforeID]
	if !exists {
		panic(fmt.Sprintf("observe cache: before-document %q not present", beforeID))
	}
	node.prev, node.next = before.prev, before
	if before.prev != nil {
		before.prev.next = node
	} else {
		c.head = node
	}
	before.prev = node
}

func (c *observeCache) unlink(node *cacheNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev, node.next = nil, nil
}
