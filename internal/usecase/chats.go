package usecase

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"chat-gateway/internal/blob"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/repository"
)

const maxHistoryDays = 366

// History serves explicit chat record operations: save, load, list and delete.
type History struct {
	store  ChatStore
	logger *slog.Logger
	now    func() time.Time
}

type SaveInput struct {
	ChatID   string
	Messages []domain.Message
	Metadata map[string]any
}

type SaveOutput struct {
	ChatID     string
	StorageKey string
}

type ListOutput struct {
	Chats []domain.ChatSummary
	Total int
}

func NewHistory(store ChatStore, logger *slog.Logger) (*History, error) {
	if store == nil {
		return nil, errors.New("usecase: chat store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{store: store, logger: logger, now: time.Now}, nil
}

// SaveChat writes the full message list for a chat, creating it when the id is
// new. An existing chat keeps its original storage day and creation time.
func (h *History) SaveChat(ctx context.Context, in SaveInput) (SaveOutput, error) {
	chatID := strings.TrimSpace(in.ChatID)
	if chatID == "" {
		chatID = newUUID()
	}
	if err := repository.ValidateID(chatID); err != nil {
		return SaveOutput{}, newError(ErrorInvalidInput, "invalid_chat_id", err)
	}

	now := h.now()
	messages := make([]domain.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		if !m.Role.Valid() {
			return SaveOutput{}, newError(ErrorInvalidInput, "invalid_message_role", nil)
		}
		if m.ID == "" {
			m.ID = newUUID()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		messages = append(messages, m)
	}

	metadata := map[string]any{
		"version": recordVersion,
		"model":   "unknown",
		"userId":  "anonymous",
	}
	maps.Copy(metadata, in.Metadata)

	rec := domain.ChatRecord{
		ID:        chatID,
		Messages:  messages,
		CreatedAt: now,
		Metadata:  metadata,
	}
	existing, err := h.store.LoadByID(ctx, chatID)
	switch {
	case err == nil:
		rec.StorageDate = existing.StorageDate
		if !existing.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return SaveOutput{}, h.storeError("save_lookup", err)
	}

	key, err := h.store.Save(ctx, rec)
	if err != nil {
		return SaveOutput{}, h.storeError("save", err)
	}
	return SaveOutput{ChatID: chatID, StorageKey: key}, nil
}

func (h *History) LoadChat(ctx context.Context, chatID string) (domain.ChatRecord, error) {
	chatID = strings.TrimSpace(chatID)
	if err := repository.ValidateID(chatID); err != nil {
		return domain.ChatRecord{}, newError(ErrorInvalidInput, "invalid_chat_id", err)
	}
	rec, err := h.store.LoadByID(ctx, chatID)
	if err != nil {
		return domain.ChatRecord{}, h.storeError("load", err)
	}
	return rec, nil
}

// ListChats summarizes the last days days; zero means the store default.
func (h *History) ListChats(ctx context.Context, days int) (ListOutput, error) {
	if days < 0 || days > maxHistoryDays {
		return ListOutput{}, newError(ErrorInvalidInput, "invalid_days", nil)
	}
	chats, err := h.store.ListRecent(ctx, days)
	if err != nil {
		return ListOutput{}, h.storeError("list", err)
	}
	return ListOutput{Chats: chats, Total: len(chats)}, nil
}

// ChatsForDay returns every record stored under one day. day is YYYY-MM-DD or
// YYYY/MM/DD.
func (h *History) ChatsForDay(ctx context.Context, day string) ([]domain.ChatRecord, error) {
	d, err := repository.ParseDay(day, h.store.Location())
	if err != nil {
		return nil, newError(ErrorInvalidInput, "invalid_date", err)
	}
	recs, err := h.store.ListDay(ctx, d)
	if err != nil {
		return nil, h.storeError("list_day", err)
	}
	return recs, nil
}

func (h *History) DeleteChat(ctx context.Context, chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if err := repository.ValidateID(chatID); err != nil {
		return newError(ErrorInvalidInput, "invalid_chat_id", err)
	}
	if err := h.store.Delete(ctx, chatID); err != nil {
		return h.storeError("delete", err)
	}
	return nil
}

// storeError maps repository and blob failures onto caller-visible codes.
func (h *History) storeError(op string, err error) *Error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(ErrorNotFound, "chat_not_found", err)
	case errors.Is(err, repository.ErrInvalidRecord):
		return newError(ErrorInvalidInput, "invalid_record", err)
	case errors.Is(err, blob.ErrUnconfigured):
		return newError(ErrorStorageUnavailable, "storage_unconfigured", err)
	case errors.Is(err, repository.ErrKeySchemeViolation):
		h.logger.Error("chat store contract violation", "op", op, "err", err)
		return newError(ErrorInternal, "key_scheme_violation", err)
	case errors.Is(err, repository.ErrCorruptRecord):
		h.logger.Error("chat record corrupt", "op", op, "err", err)
		return newError(ErrorInternal, "corrupt_record", err)
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("chat store timed out", "op", op, "err", err)
		return newError(ErrorStorageUnavailable, "storage_timeout", err)
	default:
		h.logger.Warn("chat store failed", "op", op, "err", err)
		return newError(ErrorStorageUnavailable, "storage_error", err)
	}
}
