package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-gateway/internal/blob"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/integrations/inference"
	"chat-gateway/internal/repository"
)

type fakeGenerator struct {
	configured bool
	text       string
	err        error
	delay      time.Duration

	mu       sync.Mutex
	calls    int
	prompts  []string
	params   []domain.GenerationParams
	deadline time.Duration
}

func (f *fakeGenerator) Configured() bool { return f.configured }

func (f *fakeGenerator) Generate(_ context.Context, prompt string, params domain.GenerationParams, deadline time.Duration) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.params = append(f.params, params)
	f.deadline = deadline
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.text, f.err
}

type faultyStore struct {
	*repository.ChatStore
	loadErr error
	saveErr error
	listErr error
	pingErr error
	delErr  error
	saves   int
}

func (f *faultyStore) LoadByID(ctx context.Context, id string) (domain.ChatRecord, error) {
	if f.loadErr != nil {
		return domain.ChatRecord{}, f.loadErr
	}
	return f.ChatStore.LoadByID(ctx, id)
}

func (f *faultyStore) Save(ctx context.Context, rec domain.ChatRecord) (string, error) {
	f.saves++
	if f.saveErr != nil {
		return "", f.saveErr
	}
	return f.ChatStore.Save(ctx, rec)
}

func (f *faultyStore) ListRecent(ctx context.Context, days int) ([]domain.ChatSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ChatStore.ListRecent(ctx, days)
}

func (f *faultyStore) Delete(ctx context.Context, id string) error {
	if f.delErr != nil {
		return f.delErr
	}
	return f.ChatStore.Delete(ctx, id)
}

func (f *faultyStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.ChatStore.Ping(ctx)
}

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newChatStore(t *testing.T, bs blob.Store, at time.Time) *repository.ChatStore {
	t.Helper()
	s, err := repository.New(bs,
		repository.WithLocation(time.UTC),
		repository.WithClock(func() time.Time { return at }),
		repository.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	return s
}

func newTestGateway(t *testing.T, gen Generator, store ChatStore) *Gateway {
	t.Helper()
	g, err := NewGateway(gen, store, GatewayConfig{BackendTimeout: time.Second}, discardLogger())
	require.NoError(t, err)
	g.now = func() time.Time { return testNow }
	return g
}

func withSequentialUUIDs(t *testing.T) {
	t.Helper()
	orig := newUUID
	n := 0
	newUUID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	t.Cleanup(func() { newUUID = orig })
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %T: %v", err, err)
	require.Equal(t, code, ue.Code)
	if reason != "" {
		require.Equal(t, reason, ue.Reason)
	}
}

func TestNewGateway_Validation(t *testing.T) {
	store := newChatStore(t, blob.NewMemory(), testNow)
	_, err := NewGateway(nil, store, GatewayConfig{}, nil)
	require.ErrorContains(t, err, "generator must not be nil")
	_, err = NewGateway(&fakeGenerator{}, nil, GatewayConfig{}, nil)
	require.ErrorContains(t, err, "chat store must not be nil")

	g, err := NewGateway(&fakeGenerator{}, store, GatewayConfig{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultModel, g.cfg.DefaultModel)
	require.Equal(t, DefaultBackendTimeout, g.cfg.BackendTimeout)
	require.Equal(t, DefaultMaxPromptLen, g.cfg.MaxPromptLen)
}

func TestHandle_EmptyPromptIsInputError(t *testing.T) {
	gen := &fakeGenerator{configured: true, text: "unused"}
	g := newTestGateway(t, gen, newChatStore(t, blob.NewMemory(), testNow))

	_, err := g.Handle(context.Background(), HandleInput{Prompt: "   ", Model: "gpt2"})
	requireCode(t, err, ErrorInvalidInput, "empty_prompt")
	require.Zero(t, gen.calls)
}

func TestHandle_InputValidation(t *testing.T) {
	g := newTestGateway(t, &fakeGenerator{}, newChatStore(t, blob.NewMemory(), testNow))
	hot := 2.5
	cases := []struct {
		name   string
		in     HandleInput
		reason string
	}{
		{name: "long prompt", in: HandleInput{Prompt: strings.Repeat("x", DefaultMaxPromptLen+1)}, reason: "prompt_too_long"},
		{name: "bad chat id", in: HandleInput{Prompt: "hi", ChatID: "../x"}, reason: "invalid_chat_id"},
		{name: "negative max tokens", in: HandleInput{Prompt: "hi", MaxTokens: -1}, reason: "invalid_max_tokens"},
		{name: "temperature", in: HandleInput{Prompt: "hi", Temperature: &hot}, reason: "invalid_temperature"},
		{name: "top p", in: HandleInput{Prompt: "hi", TopP: 1.5}, reason: "invalid_top_p"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Handle(context.Background(), tc.in)
			requireCode(t, err, ErrorInvalidInput, tc.reason)
		})
	}
}

func TestHandle_UnconfiguredBackendFallsBack(t *testing.T) {
	gen := &fakeGenerator{configured: false}
	store := newChatStore(t, blob.NewMemory(), testNow)
	g := newTestGateway(t, gen, store)

	out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi", Model: "gpt2"})
	require.NoError(t, err)
	require.Zero(t, gen.calls, "no network attempt when unconfigured")
	require.Equal(t, domain.SourceFallback, out.Result.Source)
	require.NotEmpty(t, out.Result.Text)
	require.Equal(t, "gpt2", out.Result.Model)
	require.Equal(t, testNow, out.Result.Timestamp)
	require.NotEmpty(t, out.ChatID)
	require.Equal(t, "chats/2024/03/01/"+out.ChatID+".json", out.StorageKey)
}

func TestHandle_BackendSuccessIsCleaned(t *testing.T) {
	withSequentialUUIDs(t)
	gen := &fakeGenerator{configured: true, text: "<|start_header_id|>assistant<|end_header_id|>\n\nAssistant: Hello!<|eot_id|>"}
	store := newChatStore(t, blob.NewMemory(), testNow)
	g := newTestGateway(t, gen, store)

	out, err := g.Handle(context.Background(), HandleInput{Prompt: "  Hi  "})
	require.NoError(t, err)
	require.Equal(t, domain.SourceBackend, out.Result.Source)
	require.Equal(t, "Hello!", out.Result.Text)
	require.Equal(t, DefaultModel, out.Result.Model)

	require.Equal(t, []string{"Hi"}, gen.prompts)
	require.Equal(t, time.Second, gen.deadline)
	require.Equal(t, DefaultMaxTokens, gen.params[0].MaxTokens)
	require.InDelta(t, DefaultTemperature, gen.params[0].Temperature, 1e-9)
	require.Equal(t, DefaultStopSequences, gen.params[0].StopSequences)

	rec, err := store.LoadByID(context.Background(), out.ChatID)
	require.NoError(t, err)
	require.Len(t, rec.Messages, 2)
	require.Equal(t, domain.RoleUser, rec.Messages[0].Role)
	require.Equal(t, "Hi", rec.Messages[0].Content)
	require.Equal(t, domain.RoleAssistant, rec.Messages[1].Role)
	require.Equal(t, "Hello!", rec.Messages[1].Content)
	require.Equal(t, DefaultModel, rec.Messages[1].Model)
	require.Equal(t, recordVersion, rec.Metadata["version"])
}

func TestHandle_ExplicitParamsForwarded(t *testing.T) {
	gen := &fakeGenerator{configured: true, text: "ok"}
	g := newTestGateway(t, gen, newChatStore(t, blob.NewMemory(), testNow))
	zero := 0.0

	_, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi", MaxTokens: 64, Temperature: &zero, TopP: 0.9})
	require.NoError(t, err)
	require.Equal(t, 64, gen.params[0].MaxTokens)
	require.Zero(t, gen.params[0].Temperature)
	require.InDelta(t, 0.9, gen.params[0].TopP, 1e-9)
}

func TestHandle_BackendErrorFallsBackWithoutExtraLatency(t *testing.T) {
	timeoutErr := &inference.Error{Kind: inference.KindTimeout, Err: context.DeadlineExceeded}
	gen := &fakeGenerator{configured: true, err: timeoutErr, delay: 30 * time.Millisecond}
	g := newTestGateway(t, gen, newChatStore(t, blob.NewMemory(), testNow))

	start := time.Now()
	out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi", Model: "L3.2-8X4B"})
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, domain.SourceFallback, out.Result.Source)
	require.Contains(t, out.Result.Text, "L3.2-8X4B")
	require.Equal(t, 1, gen.calls, "no retry after a backend failure")
	require.Less(t, elapsed, gen.delay+500*time.Millisecond)
}

func TestHandle_EveryBackendKindFallsBack(t *testing.T) {
	tests := []struct {
		name string
		err  *inference.Error
	}{
		{name: "unreachable", err: &inference.Error{Kind: inference.KindUnreachable, Err: errors.New("connection refused")}},
		{name: "incomplete status", err: &inference.Error{Kind: inference.KindIncomplete, StatusCode: 502}},
		{name: "incomplete payload", err: &inference.Error{Kind: inference.KindIncomplete, Err: errors.New(`status "FAILED"`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{configured: true, err: tt.err}
			g := newTestGateway(t, gen, newChatStore(t, blob.NewMemory(), testNow))

			out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi"})
			require.NoError(t, err)
			require.Equal(t, domain.SourceFallback, out.Result.Source)
			require.NotEmpty(t, out.Result.Text)
			require.NotEmpty(t, out.StorageKey)
		})
	}
}

func TestHandle_MarkersOnlyFallsBack(t *testing.T) {
	gen := &fakeGenerator{configured: true, text: "<|eot_id|>"}
	g := newTestGateway(t, gen, newChatStore(t, blob.NewMemory(), testNow))

	out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi"})
	require.NoError(t, err)
	require.Equal(t, domain.SourceFallback, out.Result.Source)
	require.NotEmpty(t, out.Result.Text)
}

func TestHandle_AppendsToExistingChatOnItsOriginalDay(t *testing.T) {
	mem := blob.NewMemory()
	firstDay := newChatStore(t, mem, testNow)
	_, err := firstDay.Save(context.Background(), domain.ChatRecord{
		ID:        "abc123",
		CreatedAt: testNow,
		Messages: []domain.Message{
			{ID: "m1", Role: domain.RoleUser, Content: "Hi", Timestamp: testNow},
			{ID: "m2", Role: domain.RoleAssistant, Content: "Hello!", Timestamp: testNow},
		},
	})
	require.NoError(t, err)

	nextDay := newChatStore(t, mem, testNow.AddDate(0, 0, 1))
	g := newTestGateway(t, &fakeGenerator{configured: true, text: "Fine, thanks."}, nextDay)
	out, err := g.Handle(context.Background(), HandleInput{Prompt: "How are you?", ChatID: "abc123"})
	require.NoError(t, err)
	require.Equal(t, "abc123", out.ChatID)
	require.Equal(t, "chats/2024/03/01/abc123.json", out.StorageKey)

	rec, err := nextDay.LoadByID(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 4)
	require.Equal(t, "Hi", rec.Messages[0].Content)
	require.Equal(t, "How are you?", rec.Messages[2].Content)
	require.Equal(t, "Fine, thanks.", rec.Messages[3].Content)
	require.Equal(t, "2024-03-01", rec.StorageDate)
}

func TestHandle_UnknownChatIDStartsThatChat(t *testing.T) {
	store := newChatStore(t, blob.NewMemory(), testNow)
	g := newTestGateway(t, &fakeGenerator{configured: true, text: "ok"}, store)

	out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi", ChatID: "fresh-1"})
	require.NoError(t, err)
	require.Equal(t, "chats/2024/03/01/fresh-1.json", out.StorageKey)
}

func TestHandle_LoadFailureSkipsPersistence(t *testing.T) {
	store := &faultyStore{ChatStore: newChatStore(t, blob.NewMemory(), testNow), loadErr: errors.New("bucket unreachable")}
	g := newTestGateway(t, &fakeGenerator{configured: true, text: "ok"}, store)

	out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi", ChatID: "abc123"})
	require.NoError(t, err)
	require.Equal(t, domain.SourceBackend, out.Result.Source)
	require.Empty(t, out.StorageKey)
	require.Zero(t, store.saves, "must not overwrite history it could not read")
}

func TestHandle_SaveFailureStillAnswers(t *testing.T) {
	store := &faultyStore{ChatStore: newChatStore(t, blob.NewMemory(), testNow), saveErr: errors.New("put failed")}
	g := newTestGateway(t, &fakeGenerator{configured: true, text: "ok"}, store)

	out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Result.Text)
	require.Empty(t, out.StorageKey)
	require.Equal(t, 1, store.saves)
}

func TestHandle_UnconfiguredStorage(t *testing.T) {
	g := newTestGateway(t, &fakeGenerator{}, newChatStore(t, blob.Disabled{}, testNow))
	out, err := g.Handle(context.Background(), HandleInput{Prompt: "Hi"})
	require.NoError(t, err)
	require.Equal(t, domain.SourceFallback, out.Result.Source)
	require.Empty(t, out.StorageKey)
}

func TestHandle_PersistsAfterCallerCancellation(t *testing.T) {
	store := newChatStore(t, blob.NewMemory(), testNow)
	g := newTestGateway(t, &fakeGenerator{}, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := g.Handle(ctx, HandleInput{Prompt: "Hi"})
	require.NoError(t, err)
	require.NotEmpty(t, out.StorageKey)

	_, err = store.LoadByID(context.Background(), out.ChatID)
	require.NoError(t, err)
}

func TestLegacy(t *testing.T) {
	gen := &fakeGenerator{configured: true, text: "I'm well."}
	store := newChatStore(t, blob.NewMemory(), testNow)
	g := newTestGateway(t, gen, store)

	out, err := g.Legacy(context.Background(), LegacyInput{
		Message: "How are you?",
		Model:   "gpt2",
		History: []domain.Message{
			{Role: domain.RoleUser, Content: "Hi"},
			{Role: domain.RoleAssistant, Content: "Hello!"},
		},
		MaxTokens: 50,
	})
	require.NoError(t, err)
	require.Equal(t, "I'm well.", out.Response)
	require.Equal(t, "gpt2", out.Model)
	require.Equal(t, testNow, out.Timestamp)
	require.Equal(t, "User: Hi\nAssistant: Hello!\nUser: How are you?\nAssistant:", gen.prompts[0])
	require.Equal(t, 50, gen.params[0].MaxTokens)

	recs, err := store.ListDay(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "How are you?", recs[0].Messages[0].Content)
}

func TestLegacy_Validation(t *testing.T) {
	g := newTestGateway(t, &fakeGenerator{}, newChatStore(t, blob.NewMemory(), testNow))

	_, err := g.Legacy(context.Background(), LegacyInput{Message: " "})
	requireCode(t, err, ErrorInvalidInput, "empty_message")

	_, err = g.Legacy(context.Background(), LegacyInput{Message: "hi", History: []domain.Message{{Role: "system", Content: "x"}}})
	requireCode(t, err, ErrorInvalidInput, "invalid_history_role")
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, &fakeGenerator{configured: true}, newChatStore(t, blob.NewMemory(), testNow))
	h := g.Health(context.Background())
	require.Equal(t, "healthy", h.Status)
	require.True(t, h.StorageReachable)
	require.True(t, h.BackendConfigured)
	require.Equal(t, testNow, h.Timestamp)

	g = newTestGateway(t, &fakeGenerator{}, newChatStore(t, blob.Disabled{}, testNow))
	h = g.Health(context.Background())
	require.Equal(t, "degraded", h.Status)
	require.False(t, h.StorageReachable)
	require.False(t, h.BackendConfigured)

	faulty := &faultyStore{ChatStore: newChatStore(t, blob.NewMemory(), testNow), pingErr: errors.New("no route")}
	g = newTestGateway(t, &fakeGenerator{}, faulty)
	require.False(t, g.Health(context.Background()).StorageReachable)
}
