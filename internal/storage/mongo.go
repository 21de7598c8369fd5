package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gcliproxy/internal/credential"
)

const mongoTimeout = 5 * time.Second

// MongoBackend keeps credential states, the config blob and usage
// counters in three collections. Usage increments use $inc so several
// gateway instances can share one database.
type MongoBackend struct {
	client *mongo.Client
	db     *mongo.Database
}

type mongoStateDoc struct {
	ID      string    `bson:"_id"`
	State   []byte    `bson:"state"`
	Updated time.Time `bson:"updated_at"`
}

type mongoUsageDoc struct {
	Key             string    `bson:"_id"`
	CredentialID    string    `bson:"credential_id"`
	Model           string    `bson:"model"`
	Requests        int64     `bson:"requests"`
	Successes       int64     `bson:"successes"`
	Failures        int64     `bson:"failures"`
	PromptTokens    int64     `bson:"prompt_tokens"`
	CandidateTokens int64     `bson:"candidate_tokens"`
	Updated         time.Time `bson:"updated_at"`
}

func NewMongoBackend(ctx context.Context, uri, dbName string) (*MongoBackend, error) {
	if dbName == "" {
		dbName = "gcliproxy"
	}

	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetMaxPoolSize(10)
	clientOptions.SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	if _, err := db.Collection("usage_stats").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "credential_id", Value: 1}},
	}); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create usage_stats index: %w", err)
	}

	return &MongoBackend{client: client, db: db}, nil
}

func (m *MongoBackend) Name() string { return "mongo" }

func (m *MongoBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoBackend) SaveCredentialState(ctx context.Context, id string, st credential.State) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", id, err)
	}
	doc := mongoStateDoc{ID: id, State: payload, Updated: time.Now().UTC()}
	opts := options.Replace().SetUpsert(true)
	_, err = m.db.Collection("credential_states").ReplaceOne(ctx, bson.M{"_id": id}, doc, opts)
	return err
}

func (m *MongoBackend) LoadCredentialStates(ctx context.Context) (map[string]credential.State, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cursor, err := m.db.Collection("credential_states").Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load credential states: %w", err)
	}
	defer cursor.Close(ctx)

	out := make(map[string]credential.State)
	for cursor.Next(ctx) {
		var doc mongoStateDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode state doc: %w", err)
		}
		var st credential.State
		if err := json.Unmarshal(doc.State, &st); err != nil {
			continue
		}
		out[doc.ID] = st
	}
	return out, cursor.Err()
}

func (m *MongoBackend) DeleteCredentialState(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	_, err := m.db.Collection("credential_states").DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (m *MongoBackend) SaveConfig(ctx context.Context, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	doc := bson.M{"_id": "config", "raw": raw, "updated_at": time.Now().UTC()}
	opts := options.Replace().SetUpsert(true)
	_, err := m.db.Collection("config").ReplaceOne(ctx, bson.M{"_id": "config"}, doc, opts)
	return err
}

func (m *MongoBackend) LoadConfig(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc struct {
		Raw []byte `bson:"raw"`
	}
	err := m.db.Collection("config").FindOne(ctx, bson.M{"_id": "config"}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return doc.Raw, nil
}

func (m *MongoBackend) AddUsage(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	coll := m.db.Collection("usage_stats")
	for _, row := range rows {
		filter := bson.M{"_id": row.Key()}
		update := bson.M{
			"$inc": bson.M{
				"requests":         row.Requests,
				"successes":        row.Successes,
				"failures":         row.Failures,
				"prompt_tokens":    row.PromptTokens,
				"candidate_tokens": row.CandidateTokens,
			},
			"$set": bson.M{
				"credential_id": row.CredentialID,
				"model":         row.Model,
				"updated_at":    time.Now().UTC(),
			},
		}
		opts := options.Update().SetUpsert(true)
		if _, err := coll.UpdateOne(ctx, filter, update, opts); err != nil {
			return fmt.Errorf("upsert usage for %s: %w", row.Key(), err)
		}
	}
	return nil
}

func (m *MongoBackend) LoadUsage(ctx context.Context) ([]UsageRow, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cursor, err := m.db.Collection("usage_stats").Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	defer cursor.Close(ctx)

	var out []UsageRow
	for cursor.Next(ctx) {
		var doc mongoUsageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode usage doc: %w", err)
		}
		out = append(out, UsageRow{
			CredentialID:    doc.CredentialID,
			Model:           doc.Model,
			Requests:        doc.Requests,
			Successes:       doc.Successes,
			Failures:        doc.Failures,
			PromptTokens:    doc.PromptTokens,
			CandidateTokens: doc.CandidateTokens,
			UpdatedAt:       doc.Updated,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *MongoBackend) ResetUsage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	_, err := m.db.Collection("usage_stats").DeleteMany(ctx, bson.M{})
	return err
}
