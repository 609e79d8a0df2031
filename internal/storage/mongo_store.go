package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatbotgo/internal/config"
	"chatbotgo/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	chatsCollection = "chats"
	usersCollection = "users"
)

type chatDocument struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	UserID      primitive.ObjectID `bson:"userId"`
	UserMessage string             `bson:"userMessage"`
	BotResponse string             `bson:"botResponse"`
	Timestamp   time.Time          `bson:"timestamp"`
}

type userDocument struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Email        string             `bson:"email"`
	PasswordHash string             `bson:"password"`
	CreatedAt    time.Time          `bson:"createdAt"`
}

// MongoStore keeps users and chat turns in two MongoDB collections.
type MongoStore struct {
	client *mongo.Client
	chats  *mongo.Collection
	users  *mongo.Collection
}

// OpenMongo connects to cfg.URI and pings the primary before returning.
func OpenMongo(ctx context.Context, cfg config.StorageConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri must be provided")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(cfg.Database)
	return &MongoStore{
		client: client,
		chats:  db.Collection(chatsCollection),
		users:  db.Collection(usersCollection),
	}, nil
}

// Migrate creates the unique email index and the per-user history index.
func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create users index: %w", err)
	}
	_, err = s.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create chats index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) AppendTurn(ctx context.Context, turn models.ChatTurn) (*models.ChatTurn, error) {
	if err := prepareTurn(&turn); err != nil {
		return nil, err
	}
	uid, err := parseObjectID(turn.UserID)
	if err != nil {
		return nil, err
	}
	// mongo keeps millisecond precision
	turn.Timestamp = turn.Timestamp.Truncate(time.Millisecond)
	doc := chatDocument{
		ID:          primitive.NewObjectID(),
		UserID:      uid,
		UserMessage: turn.UserMessage,
		BotResponse: turn.BotResponse,
		Timestamp:   turn.Timestamp,
	}
	if _, err := s.chats.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert chat turn: %w", err)
	}
	turn.ID = doc.ID.Hex()
	return &turn, nil
}

func (s *MongoStore) ListTurnsByUser(ctx context.Context, userID string) ([]models.ChatTurn, error) {
	uid, err := parseObjectID(userID)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.chats.Find(ctx, bson.M{"userId": uid}, opts)
	if err != nil {
		return nil, fmt.Errorf("find chat turns: %w", err)
	}
	var docs []chatDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode chat turns: %w", err)
	}

	turns := make([]models.ChatTurn, 0, len(docs))
	for _, doc := range docs {
		turns = append(turns, models.ChatTurn{
			ID:          doc.ID.Hex(),
			UserID:      userID,
			UserMessage: doc.UserMessage,
			BotResponse: doc.BotResponse,
			Timestamp:   doc.Timestamp.UTC(),
		})
	}
	return turns, nil
}

func (s *MongoStore) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	doc := userDocument{
		ID:           primitive.NewObjectID(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &models.User{
		ID:           doc.ID.Hex(),
		Email:        doc.Email,
		PasswordHash: doc.PasswordHash,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

func (s *MongoStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var doc userDocument
	err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &models.User{
		ID:           doc.ID.Hex(),
		Email:        doc.Email,
		PasswordHash: doc.PasswordHash,
		CreatedAt:    doc.CreatedAt.UTC(),
	}, nil
}

func parseObjectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return oid, nil
}
