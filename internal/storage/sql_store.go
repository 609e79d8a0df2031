package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatbotgo/internal/models"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const mysqlDuplicateEntry = 1062

// SQLStore keeps users and chat turns in a sqlite3 or mysql database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: strings.ToLower(driver)}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db, s.driver)
}

func (s *SQLStore) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLStore) AppendTurn(ctx context.Context, turn models.ChatTurn) (*models.ChatTurn, error) {
	if err := prepareTurn(&turn); err != nil {
		return nil, err
	}
	uid, err := parseSQLID(turn.UserID)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(user_id, user_message, bot_response, timestamp) VALUES(?, ?, ?, ?)`,
		uid, turn.UserMessage, turn.BotResponse, turn.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat turn id: %w", err)
	}
	turn.ID = strconv.FormatInt(id, 10)
	return &turn, nil
}

func (s *SQLStore) ListTurnsByUser(ctx context.Context, userID string) ([]models.ChatTurn, error) {
	uid, err := parseSQLID(userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_message, bot_response, timestamp FROM chats WHERE user_id = ? ORDER BY timestamp ASC, id ASC`,
		uid,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat turns: %w", err)
	}
	defer rows.Close()

	turns := make([]models.ChatTurn, 0)
	for rows.Next() {
		var (
			id   int64
			turn models.ChatTurn
		)
		if err := rows.Scan(&id, &turn.UserMessage, &turn.BotResponse, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		turn.ID = strconv.FormatInt(id, 10)
		turn.UserID = userID
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat turns: %w", err)
	}
	return turns, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, password_hash, created_at) VALUES(?, ?, ?)`,
		email, passwordHash, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{
		ID:           strconv.FormatInt(id, 10),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}, nil
}

func (s *SQLStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var (
		id   int64
		user models.User
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		email,
	).Scan(&id, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.ID = strconv.FormatInt(id, 10)
	return &user, nil
}

func parseSQLID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}
