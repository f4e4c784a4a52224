package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dukerupert/pushflow/internal/model"
)

type MessageStore struct {
	coll *mongo.Collection
}

func NewMessageStore(d *DB) *MessageStore {
	return &MessageStore{coll: d.db.Collection(messagesCollection)}
}

func (s *MessageStore) Append(ctx context.Context, m *model.Message) error {
	doc := *m
	doc.CreatedAt = doc.CreatedAt.UTC()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListByDevice returns the messages sent by a device, newest first.
func (s *MessageStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, bson.D{{Key: "deviceId", Value: deviceID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages by device: %w", err)
	}
	var msgs []model.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}
