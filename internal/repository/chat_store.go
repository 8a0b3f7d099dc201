// Package repository implements the date-sharded chat record store on top of
// a blob.Store. Records live at chats/{YYYY}/{MM}/{DD}/{id}.json; there is no
// id→key index, so point lookups probe one key per day of a bounded window.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"chat-gateway/internal/blob"
	"chat-gateway/internal/domain"
)

const (
	DefaultLookbackDays     = 30
	DefaultListCap          = 50
	DefaultListDays         = 7
	DefaultOperationTimeout = 5 * time.Second

	maxListDays   = 366
	titleMaxRunes = 30
	untitledTitle = "Untitled"
)

var (
	// ErrNotFound means no record with the id exists inside the lookback window.
	ErrNotFound = errors.New("repository: chat not found")
	// ErrKeySchemeViolation means the store returned data that contradicts the key layout.
	ErrKeySchemeViolation = errors.New("repository: key scheme violation")
	// ErrInvalidRecord means a record cannot be stored as given.
	ErrInvalidRecord = errors.New("repository: invalid record")
	// ErrCorruptRecord means a stored object could not be decoded into a record.
	ErrCorruptRecord = errors.New("repository: corrupt record")
)

// ChatStore saves and retrieves chat records. It holds no cache: every read
// goes to the blob store.
type ChatStore struct {
	store        blob.Store
	loc          *time.Location
	lookbackDays int
	listCap      int
	opTimeout    time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

type Option func(*ChatStore)

// WithLocation sets the zone whose calendar day names the shard. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *ChatStore) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLookbackDays(days int) Option {
	return func(s *ChatStore) {
		if days > 0 {
			s.lookbackDays = days
		}
	}
}

func WithListCap(n int) Option {
	return func(s *ChatStore) {
		if n > 0 {
			s.listCap = n
		}
	}
}

// WithOperationTimeout bounds every individual blob call. Zero disables the bound.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *ChatStore) {
		s.opTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ChatStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a ChatStore over the given blob store.
func New(store blob.Store, opts ...Option) (*ChatStore, error) {
	if store == nil {
		return nil, errors.New("repository: blob store must not be nil")
	}
	s := &ChatStore{
		store:        store,
		loc:          time.Local,
		lookbackDays: DefaultLookbackDays,
		listCap:      DefaultListCap,
		opTimeout:    DefaultOperationTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Location returns the zone used for day shards.
func (s *ChatStore) Location() *time.Location {
	return s.loc
}

func (s *ChatStore) today() time.Time {
	t := s.now().In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

func (s *ChatStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Save writes the record to its day shard, overwriting any previous version,
// and returns the key. A record without StorageDate is assigned today's date.
func (s *ChatStore) Save(ctx context.Context, rec domain.ChatRecord) (string, error) {
	if err := ValidateID(rec.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.StorageDate == "" {
		rec.StorageDate = s.today().Format(dateLayout)
	}
	day, err := time.ParseInLocation(dateLayout, rec.StorageDate, s.loc)
	if err != nil {
		return "", fmt.Errorf("%w: storage date %q: %v", ErrInvalidRecord, rec.StorageDate, err)
	}
	if rec.Messages == nil {
		rec.Messages = []domain.Message{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("repository: Save encode %q: %w", rec.ID, err)
	}

	key := ChatKey(day, rec.ID)
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.store.Put(opCtx, key, data); err != nil {
		return "", fmt.Errorf("repository: Save: %w", err)
	}
	return key, nil
}

// LoadByID probes chats/{day}/{id}.json for each day of the lookback window,
// newest first. Records older than the window are reported as ErrNotFound
// even though their object still exists.
func (s *ChatStore) LoadByID(ctx context.Context, id string) (domain.ChatRecord, error) {
	key, data, err := s.locate(ctx, id)
	if err != nil {
		return domain.ChatRecord{}, err
	}
	return decodeRecord(key, data)
}

// Delete removes the first object found for id by the bounded scan. The object
// is not decoded, so corrupt records can be removed too. Copies of the same id
// on other days are left untouched.
func (s *ChatStore) Delete(ctx context.Context, id string) error {
	key, _, err := s.locate(ctx, id)
	if err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.store.Delete(opCtx, key); err != nil {
		return fmt.Errorf("repository: Delete %q: %w", key, err)
	}
	return nil
}

// locate returns the key and raw bytes of the newest object for id within the
// lookback window.
func (s *ChatStore) locate(ctx context.Context, id string) (string, []byte, error) {
	if err := ValidateID(id); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	today := s.today()
	var probeErr error
	for i := 0; i < s.lookbackDays; i++ {
		if err := ctx.Err(); err != nil {
			return "", nil, fmt.Errorf("repository: lookup %q: %w", id, err)
		}
		key := ChatKey(today.AddDate(0, 0, -i), id)
		data, err := s.get(ctx, key)
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if errors.Is(err, blob.ErrUnconfigured) {
			return "", nil, fmt.Errorf("repository: lookup %q: %w", id, err)
		}
		if err != nil {
			s.logger.Warn("chat probe failed", "key", key, "err", err)
			probeErr = err
			continue
		}
		return key, data, nil
	}
	if probeErr != nil {
		return "", nil, fmt.Errorf("repository: lookup %q: %w", id, probeErr)
	}
	return "", nil, ErrNotFound
}

func (s *ChatStore) get(ctx context.Context, key string) ([]byte, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.Get(opCtx, key)
}

// ListRecent summarizes the records of the last `days` days (today included),
// newest first, capped at the configured limit. Objects that cannot be fetched
// or decoded are skipped.
func (s *ChatStore) ListRecent(ctx context.Context, days int) ([]domain.ChatSummary, error) {
	if days <= 0 {
		days = DefaultListDays
	}
	if days > maxListDays {
		days = maxListDays
	}

	today := s.today()
	summaries := make([]domain.ChatSummary, 0)
	failedDays := 0
	var lastErr error
	for i := 0; i < days; i++ {
		recs, err := s.listDay(ctx, today.AddDate(0, 0, -i))
		if errors.Is(err, blob.ErrUnconfigured) {
			return nil, fmt.Errorf("repository: ListRecent: %w", err)
		}
		if err != nil {
			s.logger.Warn("chat day listing failed", "day", today.AddDate(0, 0, -i).Format(dateLayout), "err", err)
			failedDays++
			lastErr = err
			continue
		}
		for _, rec := range recs {
			summaries = append(summaries, Summarize(rec))
		}
	}
	if failedDays == days {
		return nil, fmt.Errorf("repository: ListRecent: %w", lastErr)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Timestamp.Equal(summaries[j].Timestamp) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})
	if len(summaries) > s.listCap {
		summaries = summaries[:s.listCap]
	}
	return summaries, nil
}

// ListDay returns every decodable record of one day shard, newest first.
func (s *ChatStore) ListDay(ctx context.Context, day time.Time) ([]domain.ChatRecord, error) {
	recs, err := s.listDay(ctx, day.In(s.loc))
	if err != nil {
		return nil, fmt.Errorf("repository: ListDay: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recordTime(recs[i]).After(recordTime(recs[j]))
	})
	return recs, nil
}

func (s *ChatStore) listDay(ctx context.Context, day time.Time) ([]domain.ChatRecord, error) {
	prefix := dayPrefix(day)
	opCtx, cancel := s.opContext(ctx)
	keys, err := s.store.List(opCtx, prefix)
	cancel()
	if err != nil {
		return nil, err
	}

	recs := make([]domain.ChatRecord, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, keySuffix) {
			continue
		}
		data, err := s.get(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable chat object", "key", key, "err", err)
			continue
		}
		rec, err := decodeRecord(key, data)
		if err != nil {
			s.logger.Warn("skipping undecodable chat object", "key", key, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Ping checks that the blob store answers a listing of today's shard.
func (s *ChatStore) Ping(ctx context.Context) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.store.List(opCtx, dayPrefix(s.today())); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func decodeRecord(key string, data []byte) (domain.ChatRecord, error) {
	date, id, err := parseKey(key)
	if err != nil {
		return domain.ChatRecord{}, err
	}
	var rec domain.ChatRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.ChatRecord{}, fmt.Errorf("%w: decode %q: %v", ErrCorruptRecord, key, err)
	}
	if rec.ID == "" {
		return domain.ChatRecord{}, fmt.Errorf("%w: decode %q: record has no id", ErrCorruptRecord, key)
	}
	if rec.ID != id {
		return domain.ChatRecord{}, fmt.Errorf("%w: %q holds chat %q", ErrKeySchemeViolation, key, rec.ID)
	}
	// Records written without storageDate take it from their key.
	if rec.StorageDate == "" {
		rec.StorageDate = date
	}
	return rec, nil
}

// Summarize projects a record to its listing summary.
func Summarize(rec domain.ChatRecord) domain.ChatSummary {
	return domain.ChatSummary{
		ID:           rec.ID,
		Title:        Title(rec.Messages),
		Timestamp:    recordTime(rec),
		MessageCount: len(rec.Messages),
	}
}

// Title is the first user message cut to 30 runes, or "Untitled".
func Title(msgs []domain.Message) string {
	for _, m := range msgs {
		if m.Role != domain.RoleUser {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		runes := []rune(content)
		if len(runes) > titleMaxRunes {
			return string(runes[:titleMaxRunes]) + "..."
		}
		return content
	}
	return untitledTitle
}

func recordTime(rec domain.ChatRecord) time.Time {
	if !rec.CreatedAt.IsZero() {
		return rec.CreatedAt
	}
	if n := len(rec.Messages); n > 0 {
		return rec.Messages[n-1].Timestamp
	}
	return time.Time{}
}
