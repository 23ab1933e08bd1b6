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

// SessionRepositoryMongo implements domain.SessionRepository using MongoDB.
type SessionRepositoryMongo struct {
	collection *mongo.Collection
}

// NewSessionRepositoryMongo creates a new SessionRepositoryMongo.
// It also ensures that necessary indexes are created on the collection.
// No TTL index on expires_at: expired sessions transition to Expired,
// they are not dropped.
func NewSessionRepositoryMongo(ctx context.Context, db *mongo.Database) (domain.SessionRepository, error) {
	repo := &SessionRepositoryMongo{
		collection: db.Collection(SessionsCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
		{
			// Serves the expiry sweep.
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "target_device_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}

	opts := options.CreateIndexes()
	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels, opts); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for sign_sessions collection (might already exist or other error)")
	} else {
		log.Info().Msg("Indexes for sign_sessions collection ensured.")
	}

	return repo, nil
}

// StoreSession persists a new session.
func (r *SessionRepositoryMongo) StoreSession(ctx context.Context, session *domain.SignatureSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, session)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.New("session with this ID already exists")
		}
		log.Error().Err(err).Msg("Error storing session in MongoDB")
		return err
	}
	return nil
}

// GetSessionByID retrieves a session by its primary ID.
func (r *SessionRepositoryMongo) GetSessionByID(ctx context.Context, id string) (*domain.SignatureSession, error) {
	var session domain.SignatureSession
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		log.Error().Err(err).Str("id", id).Msg("Error getting session by ID from MongoDB")
		return nil, err
	}
	return &session, nil
}

// UpdateSessionStatus applies the update only when the stored status
// still matches expectedStatus. The filter is the compare-and-set that
// linearizes concurrent submit/cancel/expire on one session: the first
// writer to a terminal state wins.
func (r *SessionRepositoryMongo) UpdateSessionStatus(ctx context.Context, id string, expectedStatus domain.SessionStatus, update *domain.SignatureSession) error {
	filter := bson.M{"_id": id, "status": expectedStatus}
	set := bson.M{
		"status":           update.Status,
		"status_reason":    update.StatusReason,
		"target_device_id": update.TargetDeviceID,
		"signer_name":      update.SignerName,
		"signature_ref":    update.SignatureRef,
	}
	if update.Signature != nil {
		set["signature"] = update.Signature
	}
	if update.CompletedAt != nil {
		set["completed_at"] = update.CompletedAt
	}

	result, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("Error updating session status in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		// Distinguish a missing session from a lost status race.
		count, countErr := r.collection.CountDocuments(ctx, bson.M{"_id": id})
		if countErr == nil && count == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrStatusConflict
	}
	return nil
}

// ListExpiredSessions returns non-terminal sessions whose expiry passed.
func (r *SessionRepositoryMongo) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.SignatureSession, error) {
	filter := bson.M{
		"status": bson.M{"$nin": bson.A{
			domain.StatusCompleted, domain.StatusExpired, domain.StatusCancelled, domain.StatusError,
		}},
		"expires_at": bson.M{"$lt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Msg("Error listing expired sessions from MongoDB")
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*domain.SignatureSession
	if err = cursor.All(ctx, &sessions); err != nil {
		log.Error().Err(err).Msg("Error decoding expired sessions from MongoDB")
		return nil, err
	}
	return sessions, nil
}

// ListSessionsByTenant retrieves a tenant's sessions, optionally filtered.
func (r *SessionRepositoryMongo) ListSessionsByTenant(ctx context.Context, tenantID string, filter domain.SessionFilter) ([]*domain.SignatureSession, error) {
	mongoFilter := bson.M{"tenant_id": tenantID}
	if filter.Status != "" {
		mongoFilter["status"] = filter.Status
	}
	if filter.Kind != "" {
		mongoFilter["kind"] = filter.Kind
	}
	if !filter.FromDate.IsZero() || !filter.ToDate.IsZero() {
		dateFilter := bson.M{}
		if !filter.FromDate.IsZero() {
			dateFilter["$gte"] = filter.FromDate
		}
		if !filter.ToDate.IsZero() {
			dateFilter["$lte"] = filter.ToDate
		}
		mongoFilter["created_at"] = dateFilter
	}

	cursor, err := r.collection.Find(ctx, mongoFilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Error listing sessions by tenant from MongoDB")
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*domain.SignatureSession
	if err = cursor.All(ctx, &sessions); err != nil {
		log.Error().Err(err).Msg("Error decoding listed sessions from MongoDB")
		return nil, err
	}
	return sessions, nil
}
