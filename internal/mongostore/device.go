package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dukerupert/pushflow/internal/model"
)

type DeviceStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewDeviceStore(d *DB) *DeviceStore {
	return &DeviceStore{coll: d.db.Collection(devicesCollection), now: time.Now}
}

// Upsert stores the device keyed by deviceId. createdAt is only written when
// the document is first inserted.
func (s *DeviceStore) Upsert(ctx context.Context, d *model.Device) error {
	now := s.now().UTC()
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "endpoint", Value: d.Endpoint},
			{Key: "keys", Value: d.Keys},
			{Key: "deviceName", Value: d.DeviceName},
			{Key: "lastSeen", Value: now},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "createdAt", Value: now},
		}},
	}
	_, err := s.coll.UpdateOne(ctx, bson.D{{Key: "deviceId", Value: d.DeviceID}}, update,
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *DeviceStore) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	var d model.Device
	err := s.coll.FindOne(ctx, bson.D{{Key: "deviceId", Value: deviceID}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

func (s *DeviceStore) List(ctx context.Context) ([]model.Device, error) {
	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var devices []model.Device
	if err := cur.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return devices, nil
}

// ListRecent returns up to limit devices, most recently seen first.
func (s *DeviceStore) ListRecent(ctx context.Context, limit int) ([]model.Device, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "lastSeen", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list recent devices: %w", err)
	}
	var devices []model.Device
	if err := cur.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return devices, nil
}

func (s *DeviceStore) Count(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return int(n), nil
}

func (s *DeviceStore) Delete(ctx context.Context, deviceID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "deviceId", Value: deviceID}}); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (s *DeviceStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("delete all devices: %w", err)
	}
	return res.DeletedCount, nil
}
