package visibility

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"picnode/internal/apierr"
)

// Mongo stores each public path as a document keyed by _id in the
// public_paths collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if database == "" {
		database = "picnode"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Mongo{
		client: client,
		coll:   client.Database(database).Collection("public_paths"),
	}, nil
}

func (m *Mongo) List(ctx context.Context) ([]string, error) {
	cur, err := m.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, apierr.ErrStorageUnavailable.Wrap(err)
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var doc struct {
			Path string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, apierr.ErrStorageUnavailable.Wrap(err)
		}
		out = append(out, doc.Path)
	}
	if err := cur.Err(); err != nil {
		return nil, apierr.ErrStorageUnavailable.Wrap(err)
	}
	return out, nil
}

func (m *Mongo) SetPublic(ctx context.Context, path string, enabled bool) error {
	if err := CheckPath(path); err != nil {
		return err
	}
	var err error
	if enabled {
		_, err = m.coll.ReplaceOne(ctx, bson.M{"_id": path}, bson.M{"_id": path},
			options.Replace().SetUpsert(true))
	} else {
		_, err = m.coll.DeleteOne(ctx, bson.M{"_id": path})
	}
	if err != nil {
		return apierr.ErrStorageUnavailable.Wrap(err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }
