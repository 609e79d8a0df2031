// Package storage persists accounts and chat turns. Turns are append-only:
// no backend exposes an update or delete operation for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatbotgo/internal/config"
	"chatbotgo/internal/models"
)

var (
	ErrDuplicateEmail = errors.New("email already registered")
	ErrNotFound       = errors.New("record not found")
	ErrInvalidUserID  = errors.New("invalid user id")
	ErrIncompleteTurn = errors.New("chat turn requires user id, message and response")
)

// Store is implemented by every backend.
type Store interface {
	AppendTurn(ctx context.Context, turn models.ChatTurn) (*models.ChatTurn, error)
	ListTurnsByUser(ctx context.Context, userID string) ([]models.ChatTurn, error)
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "mongo", "mongodb":
		return OpenMongo(ctx, cfg)
	case "sqlite", "sqlite3", "mysql":
		db, err := OpenSQL(cfg)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, cfg.Driver), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// prepareTurn checks the pair invariant and stamps the creation instant.
func prepareTurn(turn *models.ChatTurn) error {
	if turn.UserID == "" || turn.UserMessage == "" || turn.BotResponse == "" {
		return ErrIncompleteTurn
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	turn.Timestamp = turn.Timestamp.UTC()
	return nil
}
