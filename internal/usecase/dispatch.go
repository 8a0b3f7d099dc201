package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chat-gateway/internal/blob"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/repository"
)

const (
	DefaultModel          = "L3.2-8X3B"
	DefaultMaxTokens      = 150
	DefaultTemperature    = 0.7
	DefaultBackendTimeout = 45 * time.Second
	DefaultMaxPromptLen   = 4000
	defaultPersistTimeout = 15 * time.Second
	maxTokensLimit        = 4096
	recordVersion         = "2.0"
)

// DefaultStopSequences end generation at the next speaker turn.
var DefaultStopSequences = []string{"\n", "User:", "Human:"}

var errEmptyAfterCleanup = errors.New("usecase: backend text empty after cleanup")

// Generator is the inference backend client.
type Generator interface {
	Configured() bool
	Generate(ctx context.Context, prompt string, params domain.GenerationParams, deadline time.Duration) (string, error)
}

// ChatStore is the date-sharded chat record store.
type ChatStore interface {
	Save(ctx context.Context, rec domain.ChatRecord) (string, error)
	LoadByID(ctx context.Context, id string) (domain.ChatRecord, error)
	ListRecent(ctx context.Context, days int) ([]domain.ChatSummary, error)
	ListDay(ctx context.Context, day time.Time) ([]domain.ChatRecord, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Location() *time.Location
}

type GatewayConfig struct {
	DefaultModel   string
	BackendTimeout time.Duration
	MaxPromptLen   int
	PersistTimeout time.Duration
}

// Gateway answers chat requests from the backend or the fallback responder and
// records each exchange.
type Gateway struct {
	gen    Generator
	store  ChatStore
	cfg    GatewayConfig
	logger *slog.Logger
	now    func() time.Time
}

type HandleInput struct {
	Prompt      string
	Model       string
	ChatID      string
	MaxTokens   int
	Temperature *float64
	TopP        float64
}

type HandleOutput struct {
	Result     domain.GenerationResult
	ChatID     string
	StorageKey string
}

type LegacyInput struct {
	Message     string
	Model       string
	History     []domain.Message
	MaxTokens   int
	Temperature *float64
}

type LegacyOutput struct {
	Response  string
	Model     string
	Timestamp time.Time
}

type HealthOutput struct {
	Status            string
	StorageReachable  bool
	BackendConfigured bool
	Timestamp         time.Time
}

func NewGateway(gen Generator, store ChatStore, cfg GatewayConfig, logger *slog.Logger) (*Gateway, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: chat store must not be nil")
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultBackendTimeout
	}
	if cfg.MaxPromptLen <= 0 {
		cfg.MaxPromptLen = DefaultMaxPromptLen
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{gen: gen, store: store, cfg: cfg, logger: logger, now: time.Now}, nil
}

type dispatchRequest struct {
	backendPrompt string
	userText      string
	model         string
	chatID        string
	params        domain.GenerationParams
}

// Handle answers one prompt. Backend failures never surface as errors; only
// invalid input does.
func (g *Gateway) Handle(ctx context.Context, in HandleInput) (HandleOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return HandleOutput{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if utf8.RuneCountInString(prompt) > g.cfg.MaxPromptLen {
		return HandleOutput{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	chatID := strings.TrimSpace(in.ChatID)
	if chatID != "" {
		if err := repository.ValidateID(chatID); err != nil {
			return HandleOutput{}, newError(ErrorInvalidInput, "invalid_chat_id", err)
		}
	}
	params, err := buildParams(in.MaxTokens, in.Temperature, in.TopP)
	if err != nil {
		return HandleOutput{}, err
	}

	return g.dispatch(ctx, dispatchRequest{
		backendPrompt: prompt,
		userText:      prompt,
		model:         g.modelOrDefault(in.Model),
		chatID:        chatID,
		params:        params,
	}), nil
}

// Legacy serves the older message/history request shape through the same
// dispatch path.
func (g *Gateway) Legacy(ctx context.Context, in LegacyInput) (LegacyOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return LegacyOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	for _, m := range in.History {
		if !m.Role.Valid() {
			return LegacyOutput{}, newError(ErrorInvalidInput, "invalid_history_role", nil)
		}
	}
	prompt := transcriptPrompt(in.History, message)
	if utf8.RuneCountInString(prompt) > g.cfg.MaxPromptLen {
		return LegacyOutput{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	params, err := buildParams(in.MaxTokens, in.Temperature, 0)
	if err != nil {
		return LegacyOutput{}, err
	}

	out := g.dispatch(ctx, dispatchRequest{
		backendPrompt: prompt,
		userText:      message,
		model:         g.modelOrDefault(in.Model),
		params:        params,
	})
	return LegacyOutput{
		Response:  out.Result.Text,
		Model:     out.Result.Model,
		Timestamp: out.Result.Timestamp,
	}, nil
}

// Health reports whether the chat store answers. The backend is not probed.
func (g *Gateway) Health(ctx context.Context) HealthOutput {
	out := HealthOutput{
		Status:            "healthy",
		StorageReachable:  true,
		BackendConfigured: g.gen.Configured(),
		Timestamp:         g.now(),
	}
	if err := g.store.Ping(ctx); err != nil {
		if !errors.Is(err, blob.ErrUnconfigured) {
			g.logger.Warn("storage health check failed", "err", err)
		}
		out.Status = "degraded"
		out.StorageReachable = false
	}
	return out
}

func (g *Gateway) modelOrDefault(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return g.cfg.DefaultModel
	}
	return model
}

func buildParams(maxTokens int, temperature *float64, topP float64) (domain.GenerationParams, error) {
	params := domain.GenerationParams{
		MaxTokens:     DefaultMaxTokens,
		Temperature:   DefaultTemperature,
		TopP:          topP,
		StopSequences: append([]string(nil), DefaultStopSequences...),
	}
	switch {
	case maxTokens < 0 || maxTokens > maxTokensLimit:
		return params, newError(ErrorInvalidInput, "invalid_max_tokens", nil)
	case maxTokens > 0:
		params.MaxTokens = maxTokens
	}
	if temperature != nil {
		if *temperature < 0 || *temperature > 2 {
			return params, newError(ErrorInvalidInput, "invalid_temperature", nil)
		}
		params.Temperature = *temperature
	}
	if topP < 0 || topP > 1 {
		return params, newError(ErrorInvalidInput, "invalid_top_p", nil)
	}
	return params, nil
}

func (g *Gateway) dispatch(ctx context.Context, req dispatchRequest) HandleOutput {
	result := domain.GenerationResult{Model: req.model}

	if !g.gen.Configured() {
		g.logger.Debug("inference backend unconfigured, using fallback", "model", req.model)
	} else {
		text, err := g.gen.Generate(ctx, req.backendPrompt, req.params, g.cfg.BackendTimeout)
		if err == nil {
			text = cleanOutput(text, req.backendPrompt)
			if text == "" {
				err = errEmptyAfterCleanup
			}
		}
		if err != nil {
			g.logger.Warn("inference backend failed, using fallback", "model", req.model, "err", err)
		} else {
			result.Text = text
			result.Source = domain.SourceBackend
		}
	}
	if result.Source == "" {
		result.Text = Synthesize(req.userText, req.model)
		result.Source = domain.SourceFallback
	}
	result.Timestamp = g.now()

	chatID, key := g.persist(ctx, req, result)
	return HandleOutput{Result: result, ChatID: chatID, StorageKey: key}
}

// persist appends the exchange to its chat record. It runs on a context that
// outlives caller cancellation and only logs failures.
func (g *Gateway) persist(ctx context.Context, req dispatchRequest, result domain.GenerationResult) (string, string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.PersistTimeout)
	defer cancel()

	chatID := req.chatID
	var rec domain.ChatRecord
	if chatID == "" {
		chatID = newUUID()
		rec = g.newRecord(chatID, result.Timestamp)
	} else {
		existing, err := g.store.LoadByID(ctx, chatID)
		switch {
		case err == nil:
			rec = existing
		case errors.Is(err, repository.ErrNotFound):
			rec = g.newRecord(chatID, result.Timestamp)
		default:
			g.logPersistError("chat load before append failed, not persisting", chatID, err)
			return chatID, ""
		}
	}

	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	if _, ok := rec.Metadata["version"]; !ok {
		rec.Metadata["version"] = recordVersion
	}
	rec.Metadata["model"] = req.model
	rec.Messages = append(rec.Messages,
		domain.Message{ID: newUUID(), Content: req.userText, Role: domain.RoleUser, Timestamp: result.Timestamp},
		domain.Message{ID: newUUID(), Content: result.Text, Role: domain.RoleAssistant, Timestamp: result.Timestamp, Model: result.Model},
	)

	key, err := g.store.Save(ctx, rec)
	if err != nil {
		g.logPersistError("chat persistence failed", chatID, err)
		return chatID, ""
	}
	return chatID, key
}

func (g *Gateway) newRecord(id string, now time.Time) domain.ChatRecord {
	return domain.ChatRecord{
		ID:        id,
		CreatedAt: now,
		Messages:  []domain.Message{},
		Metadata:  map[string]any{"version": recordVersion},
	}
}

func (g *Gateway) logPersistError(msg, chatID string, err error) {
	switch {
	case errors.Is(err, blob.ErrUnconfigured):
		g.logger.Debug(msg, "chatId", chatID, "err", err)
	case errors.Is(err, repository.ErrKeySchemeViolation), errors.Is(err, repository.ErrCorruptRecord):
		g.logger.Error(msg, "chatId", chatID, "err", err)
	default:
		g.logger.Warn(msg, "chatId", chatID, "err", err)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
