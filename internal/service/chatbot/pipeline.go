package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbotgo/internal/auth"
	"chatbotgo/internal/models"
	"chatbotgo/internal/observability"
)

// Failure kinds of a chat turn, mapped to HTTP statuses at the request boundary.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrGateway      = errors.New("failed to process chatbot message")
	ErrStore        = errors.New("failed to save chat")
)

// Completer is the completion gateway as seen by the pipeline.
type Completer interface {
	Complete(ctx context.Context, system, message string) (string, error)
}

// TurnStore persists and lists chat turns.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn models.ChatTurn) (*models.ChatTurn, error)
	ListTurnsByUser(ctx context.Context, userID string) ([]models.ChatTurn, error)
}

type Options struct {
	SystemPrompt    string
	MaxMessageBytes int
	Now             func() time.Time
	Metrics         *observability.Metrics
}

// Pipeline runs one chat turn per call. It holds no per-request state, so
// concurrent calls for the same account are independent.
type Pipeline struct {
	gateway      Completer
	store        TurnStore
	systemPrompt string
	maxBytes     int
	now          func() time.Time
	metrics      *observability.Metrics
}

func NewPipeline(gateway Completer, store TurnStore, opts Options) *Pipeline {
	p := &Pipeline{
		gateway:      gateway,
		store:        store,
		systemPrompt: opts.SystemPrompt,
		maxBytes:     opts.MaxMessageBytes,
		now:          opts.Now,
		metrics:      opts.Metrics,
	}
	if p.systemPrompt == "" {
		p.systemPrompt = "You are a helpful assistant."
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Handle authenticates, validates, completes, sanitizes and persists one turn.
// Nothing is written unless every earlier step succeeded.
func (p *Pipeline) Handle(ctx context.Context, claims *auth.Claims, message string) (*models.ChatTurn, error) {
	turn, err := p.handle(ctx, claims, message)
	p.metrics.RecordTurn(outcome(err))
	return turn, err
}

func (p *Pipeline) handle(ctx context.Context, claims *auth.Claims, message string) (*models.ChatTurn, error) {
	userID, err := p.identity(claims)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrBadRequest)
	}
	if p.maxBytes > 0 && len(message) > p.maxBytes {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrBadRequest, p.maxBytes)
	}

	raw, err := p.gateway.Complete(ctx, p.systemPrompt, message)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	reply := Sanitize(raw)
	if reply == "" {
		return nil, fmt.Errorf("%w: reply empty after sanitizing", ErrGateway)
	}

	saved, err := p.store.AppendTurn(ctx, models.ChatTurn{
		UserID:      userID,
		UserMessage: message,
		BotResponse: reply,
		Timestamp:   p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	slog.Debug("chat turn stored", "user_id", userID, "turn_id", saved.ID)
	return saved, nil
}

// History returns the caller's turns oldest first.
func (p *Pipeline) History(ctx context.Context, claims *auth.Claims) ([]models.ChatTurn, error) {
	userID, err := p.identity(claims)
	if err != nil {
		return nil, err
	}
	turns, err := p.store.ListTurnsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return turns, nil
}

func (p *Pipeline) identity(claims *auth.Claims) (string, error) {
	if claims == nil {
		return "", ErrUnauthorized
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: user id missing from token", ErrBadRequest)
	}
	return claims.UserID, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrUnauthorized):
		return observability.OutcomeUnauthorized
	case errors.Is(err, ErrBadRequest):
		return observability.OutcomeBadRequest
	case errors.Is(err, ErrGateway):
		return observability.OutcomeGatewayError
	default:
		return observability.OutcomeStoreError
	}
}
