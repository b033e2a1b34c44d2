package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// VectorFormat marks documents whose embeddings field holds an
// EncodeVectors block. The collection may also hold documents written by
// other tools in other layouts; those are skipped on load.
const VectorFormat = "msgpack-f32"

// mongoIdentity is one document in the embeddings collection.
type mongoIdentity struct {
	Name       string    `bson:"name"`
	Format     string    `bson:"format"`
	Embeddings []byte    `bson:"embeddings"`
	Count      int       `bson:"count"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// MongoStore keeps identities in a MongoDB collection, one document per name.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects, pings and ensures a unique index on name.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		logging.Component("storage").WithError(err).Warn("Could not ensure unique index on name")
	}

	return &MongoStore{client: client, collection: coll}, nil
}

// LoadAll reads every identity document.
func (m *MongoStore) LoadAll(ctx context.Context) ([]Record, error) {
	cursor, err := m.collection.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}

	var docs []mongoIdentity
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read identities: %w", err)
	}

	return recordsFromDocs(docs)
}

// recordsFromDocs decodes documents in VectorFormat and skips the rest.
func recordsFromDocs(docs []mongoIdentity) ([]Record, error) {
	log := logging.Component("storage")
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		if doc.Format != VectorFormat {
			log.Warnf("Skipping identity %s: unsupported embeddings format %q", doc.Name, doc.Format)
			continue
		}
		vectors, err := DecodeVectors(doc.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", doc.Name, err)
		}
		records = append(records, Record{Name: doc.Name, Vectors: vectors, UpdatedAt: doc.UpdatedAt})
	}
	return records, nil
}

// Upsert replaces the document for rec.Name, creating it if needed.
func (m *MongoStore) Upsert(ctx context.Context, rec Record) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	block, err := EncodeVectors(rec.Vectors)
	if err != nil {
		return err
	}

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	doc := mongoIdentity{
		Name:       rec.Name,
		Format:     VectorFormat,
		Embeddings: block,
		Count:      len(rec.Vectors),
		UpdatedAt:  updated,
	}

	_, err = m.collection.ReplaceOne(ctx, bson.M{"name": rec.Name}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}
	logging.Component("storage").Debugf("Upserted %d vectors for: %s", len(rec.Vectors), rec.Name)
	return nil
}

// Delete removes the document for name.
func (m *MongoStore) Delete(ctx context.Context, name string) error {
	res, err := m.collection.DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
