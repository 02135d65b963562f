package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"livedata/core"
)

// MongoStore adapts a MongoDB database to the Store interface.
//
// Query results are normalized into the engine's document model: bson
// documents become plain maps, ObjectID identities become their hex
// string form, and date/binary values become time.Time and []byte.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	observer WriteObserver
}

// NewMongoStore creates a store over one database of a connected client.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		client: client,
		db:     client.Database(database),
	}
}

// OnWrite registers the write observer.
func (s *MongoStore) OnWrite(observer WriteObserver) {
	s.observer = observer
}

// Find executes a query and returns the full, normalized result set.
func (s *MongoStore) Find(ctx context.Context, collection string, selector Selector, opts FindOptions) ([]Document, error) {
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		sort := bson.D{}
		for _, field := range opts.Sort {
			dir := 1
			if field.Descending {
				dir = -1
			}
			sort = append(sort, bson.E{Key: field.Name, Value: dir})
		}
		findOpts.SetSort(sort)
	}
	if len(opts.Projection) > 0 {
		projection := bson.D{}
		for field, include := range opts.Projection {
			v := 0
			if include {
				v = 1
			}
			projection = append(projection, bson.E{Key: field, Value: v})
		}
		findOpts.SetProjection(projection)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.MaxTime > 0 {
		findOpts.SetMaxTime(opts.MaxTime)
	}

	cursor, err := s.db.Collection(collection).Find(ctx, bson.M(selector), findOpts)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var out []Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %q result: %w", collection, err)
		}
		out = append(out, normalizeDocument(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("find %q: %w", collection, err)
	}
	return out, nil
}

// FindOne fetches a single document by id, or nil when absent.
func (s *MongoStore) FindOne(ctx context.Context, collection string, id string) (Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("findOne %q: %w", collection, err)
	}
	return normalizeDocument(raw), nil
}

// InsertOne stores a new document.
func (s *MongoStore) InsertOne(ctx context.Context, collection string, doc Document) error {
	id, ok := DocumentID(doc)
	if !ok {
		return fmt.Errorf("insert into %q: document has no string _id", collection)
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc)); err != nil {
		return fmt.Errorf("insert into %q: %w", collection, err)
	}
	s.notify(ctx, collection, id)
	return nil
}

// UpdateOne applies an update to the first document matching the selector.
func (s *MongoStore) UpdateOne(ctx context.Context, collection string, selector Selector, update map[string]any) (WriteResult, error) {
	// The changed document's id drives the invalidation notification;
	// resolve it before the write so selector-based updates notify the
	// right document.
	id := s.resolveID(ctx, collection, selector)

	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M(selector), bson.M(update))
	if err != nil {
		return WriteResult{}, fmt.Errorf("update %q: %w", collection, err)
	}
	if res.ModifiedCount > 0 {
		s.notify(ctx, collection, id)
	}
	return WriteResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// DeleteOne removes the first document matching the selector.
func (s *MongoStore) DeleteOne(ctx context.Context, collection string, selector Selector) (WriteResult, error) {
	id := s.resolveID(ctx, collection, selector)

	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M(selector))
	if err != nil {
		return WriteResult{}, fmt.Errorf("delete from %q: %w", collection, err)
	}
	if res.DeletedCount > 0 {
		s.notify(ctx, collection, id)
	}
	return WriteResult{Matched: res.DeletedCount, Modified: res.DeletedCount}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) resolveID(ctx context.Context, collection string, selector Selector) string {
	if id, ok := selector["_id"].(string); ok {
		return id
	}
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M(selector)).Decode(&raw)
	if err != nil {
		return ""
	}
	doc := normalizeDocument(raw)
	id, _ := DocumentID(doc)
	return id
}

func (s *MongoStore) notify(ctx context.Context, collection, id string) {
	if s.observer == nil {
		return
	}
	n := Notification{"collection": collection}
	if id != "" {
		n["id"] = id
	} else {
		core.Debug("Write without resolvable id, firing any-id notification",
			zap.String("collection", collection))
	}
	s.observer(ctx, n)
}

// normalizeDocument converts a decoded bson document into the engine's
// document model.
func normalizeDocument(raw bson.M) Document {
	out := make(Document, len(raw))
	for k, v := range raw {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return normalizeDocument(val)
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Binary:
		data := make([]byte, len(val.Data))
		copy(data, val.Data)
		return data
	case primitive.Decimal128:
		return val.String()
	default:
		return val
	}
}
