package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/padsign/padsign/domain"
)

// DeviceRepositoryMongo implements domain.DeviceRepository using MongoDB.
type DeviceRepositoryMongo struct {
	collection *mongo.Collection
}

// NewDeviceRepositoryMongo creates a new DeviceRepositoryMongo and
// ensures the collection's indexes.
func NewDeviceRepositoryMongo(ctx context.Context, db *mongo.Database) (domain.DeviceRepository, error) {
	repo := &DeviceRepositoryMongo{
		collection: db.Collection(DevicesCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "location_id", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "workstation_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}

	opts := options.CreateIndexes()
	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels, opts); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for paired_devices collection (might already exist or other error)")
	} else {
		log.Info().Msg("Indexes for paired_devices collection ensured.")
	}

	return repo, nil
}

// CreateDevice persists a new pairing record.
func (r *DeviceRepositoryMongo) CreateDevice(ctx context.Context, device *domain.Device) error {
	if device.PairedAt.IsZero() {
		device.PairedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, device)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.New("device with this ID already paired")
		}
		log.Error().Err(err).Str("device_id", device.DeviceID).Msg("Error storing device in MongoDB")
		return err
	}
	return nil
}

// GetDeviceByID retrieves a pairing record.
func (r *DeviceRepositoryMongo) GetDeviceByID(ctx context.Context, deviceID string) (*domain.Device, error) {
	var device domain.Device
	err := r.collection.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&device)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		log.Error().Err(err).Str("device_id", deviceID).Msg("Error getting device from MongoDB")
		return nil, err
	}
	return &device, nil
}

// TouchDevice records the device as seen. Best-effort.
func (r *DeviceRepositoryMongo) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{"last_seen_at": seenAt}},
	)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Error touching device in MongoDB")
	}
	return err
}

// DeactivateDevice marks the device inactive, blocking future
// authentication without deleting the pairing history.
func (r *DeviceRepositoryMongo) DeactivateDevice(ctx context.Context, deviceID string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{"active": false}},
	)
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Error deactivating device in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListDevicesByTenant retrieves all pairing records of a tenant.
func (r *DeviceRepositoryMongo) ListDevicesByTenant(ctx context.Context, tenantID string) ([]*domain.Device, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"tenant_id": tenantID}, options.Find().SetSort(bson.D{{Key: "paired_at", Value: -1}}))
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Error listing devices by tenant from MongoDB")
		return nil, err
	}
	defer cursor.Close(ctx)

	var devices []*domain.Device
	if err = cursor.All(ctx, &devices); err != nil {
		log.Error().Err(err).Msg("Error decoding listed devices from MongoDB")
		return nil, err
	}
	return devices, nil
}
