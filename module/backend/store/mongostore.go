package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"MBackend/module/backend/filter"
)

// MongoStore is the durable EntityStore: one collection per kind, the
// document id in _id, properties at the top level.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) coll(kind string) *mongo.Collection {
	return s.db.Collection(kind)
}

func (s *MongoStore) Get(ctx context.Context, kind, id string) (Document, error) {
	var raw bson.M
	err := s.coll(kind).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s/%s", kind, id)
	}
	return fromRaw(raw), nil
}

func (s *MongoStore) GetMulti(ctx context.Context, kind string, ids []string) (map[string]Document, error) {
	if len(ids) == 0 {
		return map[string]Document{}, nil
	}
	cur, err := s.coll(kind).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, errors.Wrapf(err, "getmulti %s", kind)
	}
	defer cur.Close(ctx)

	out := make(map[string]Document, len(ids))
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		id, _ := raw["_id"].(string)
		out[id] = fromRaw(raw)
	}
	return out, cur.Err()
}

func (s *MongoStore) Put(ctx context.Context, kind, id string, doc Document) error {
	raw := bson.M{"_id": id}
	for k, v := range doc {
		raw[k] = v
	}
	_, err := s.coll(kind).ReplaceOne(ctx, bson.M{"_id": id}, raw, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "put %s/%s", kind, id)
}

func (s *MongoStore) Delete(ctx context.Context, kind string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	// deleting an already-deleted key is a no-op, not an error
	_, err := s.coll(kind).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return errors.Wrapf(err, "delete %s", kind)
}

func (s *MongoStore) Run(ctx context.Context, q Query) ([]KeyedDocument, error) {
	match := bson.M{}
	if q.Filter != nil {
		var err error
		match, err = q.Filter.ToMongo()
		if err != nil {
			return nil, err
		}
	}
	opt := options.Find()
	if q.SortField != "" {
		dir := -1
		if q.SortAscending {
			dir = 1
		}
		opt.SetSort(bson.D{{Key: q.SortField, Value: dir}})
	}
	if q.Limit > 0 {
		opt.SetLimit(int64(q.Limit))
	}
	cur, err := s.coll(q.Kind).Find(ctx, match, opt)
	if err != nil {
		return nil, errors.Wrapf(err, "run query on %s", q.Kind)
	}
	defer cur.Close(ctx)
	return drain(ctx, cur)
}

func (s *MongoStore) Scan(ctx context.Context, kind string, f *filter.Filter, limit int, c Cursor) ([]KeyedDocument, Cursor, error) {
	match := bson.M{}
	if f != nil {
		var err error
		match, err = f.ToMongo()
		if err != nil {
			return nil, Cursor{}, err
		}
	}
	if !c.IsZero() {
		match = bson.M{"$and": []bson.M{match, {"_id": bson.M{"$gt": c.String()}}}}
	}
	opt := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opt.SetLimit(int64(limit))
	}
	cur, err := s.coll(kind).Find(ctx, match, opt)
	if err != nil {
		return nil, Cursor{}, errors.Wrapf(err, "scan %s", kind)
	}
	defer cur.Close(ctx)

	out, err := drain(ctx, cur)
	if err != nil {
		return nil, Cursor{}, err
	}
	if limit > 0 && len(out) == limit {
		return out, cursorAfter(out[len(out)-1].ID), nil
	}
	return out, Cursor{}, nil
}

func drain(ctx context.Context, cur *mongo.Cursor) ([]KeyedDocument, error) {
	var out []KeyedDocument
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		id, _ := raw["_id"].(string)
		out = append(out, KeyedDocument{ID: id, Doc: fromRaw(raw)})
	}
	return out, cur.Err()
}

func fromRaw(raw bson.M) Document {
	doc := make(Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = normalize(v)
	}
	return doc
}

// normalize maps driver types back to the plain forms the filter evaluator
// and JSON encoding understand.
func normalize(v any) any {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case bson.A:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}
