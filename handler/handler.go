// Package handler adapts API Gateway proxy events to the chat gateway's use cases.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20

	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type ChatService interface {
	Handle(ctx context.Context, in usecase.HandleInput) (usecase.HandleOutput, error)
	Legacy(ctx context.Context, in usecase.LegacyInput) (usecase.LegacyOutput, error)
	Health(ctx context.Context) usecase.HealthOutput
}

type HistoryService interface {
	SaveChat(ctx context.Context, in usecase.SaveInput) (usecase.SaveOutput, error)
	LoadChat(ctx context.Context, chatID string) (domain.ChatRecord, error)
	ListChats(ctx context.Context, days int) (usecase.ListOutput, error)
	ChatsForDay(ctx context.Context, day string) ([]domain.ChatRecord, error)
	DeleteChat(ctx context.Context, chatID string) error
}

type chatRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	ChatID      string   `json:"chatId"`
	MaxTokens   int      `json:"maxTokens"`
	Temperature *float64 `json:"temperature"`
	TopP        float64  `json:"topP"`
}

type chatResponse struct {
	Output     string        `json:"output"`
	Response   string        `json:"response"`
	Model      string        `json:"model"`
	Timestamp  time.Time     `json:"timestamp"`
	Source     domain.Source `json:"source"`
	ChatID     string        `json:"chatId,omitempty"`
	StorageKey string        `json:"storageKey,omitempty"`
}

type legacyRequest struct {
	Message     string           `json:"message"`
	Model       string           `json:"model"`
	History     []domain.Message `json:"history"`
	MaxTokens   int              `json:"maxTokens"`
	Temperature *float64         `json:"temperature"`
}

type legacyResponse struct {
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

type saveRequest struct {
	ChatID   string           `json:"chatId"`
	Messages []domain.Message `json:"messages"`
	Metadata map[string]any   `json:"metadata"`
}

type saveResponse struct {
	Success    bool   `json:"success"`
	ChatID     string `json:"chatId"`
	StorageKey string `json:"storageKey"`
}

type listResponse struct {
	Chats []domain.ChatSummary `json:"chats"`
	Total int                  `json:"total"`
}

type dayResponse struct {
	Date  string              `json:"date"`
	Chats []domain.ChatRecord `json:"chats"`
	Total int                 `json:"total"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type healthResponse struct {
	Status            string    `json:"status"`
	StorageReachable  bool      `json:"storageReachable"`
	BackendConfigured bool      `json:"backendConfigured"`
	Timestamp         time.Time `json:"timestamp"`
}

type modelsResponse struct {
	Models []domain.ModelInfo `json:"models"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// Handler routes API Gateway proxy requests.
type Handler struct {
	chat    ChatService
	history HistoryService
	logger  *slog.Logger
}

func NewHandler(chat ChatService, history HistoryService, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if history == nil {
		return nil, errors.New("handler: history service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, history: history, logger: logger}, nil
}

type request struct {
	events.APIGatewayProxyRequest
	correlationID string
	body          []byte
}

type routeFunc func(ctx context.Context, r *request) (int, any, error)

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	r := &request{APIGatewayProxyRequest: event, correlationID: correlationID(event.Headers)}
	path := normalizePath(event.Path)

	status, payload := h.dispatch(ctx, r, path)
	h.logger.Info("request handled",
		"method", event.HTTPMethod,
		"path", path,
		"status", status,
		"correlationId", r.correlationID,
		"duration", time.Since(start),
	)
	return h.respond(status, payload, r.correlationID), nil
}

func (h *Handler) dispatch(ctx context.Context, r *request, path string) (int, any) {
	route, pathKnown := h.route(r.HTTPMethod, path)
	if route == nil {
		if pathKnown {
			return http.StatusMethodNotAllowed, errorResponse{Error: codeMethodNotAllowed, Reason: strings.ToLower(r.HTTPMethod), CorrelationID: r.correlationID}
		}
		return http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found", CorrelationID: r.correlationID}
	}

	body, err := decodeBody(r.APIGatewayProxyRequest)
	if err != nil {
		return h.errorPayload(r, err)
	}
	r.body = body

	status, payload, err := route(ctx, r)
	if err != nil {
		return h.errorPayload(r, err)
	}
	return status, payload
}

// route resolves a handler. pathKnown reports whether the path exists under
// some method, so callers can tell 404 from 405.
func (h *Handler) route(method, path string) (routeFunc, bool) {
	type entry struct {
		method string
		match  func(string) bool
		fn     routeFunc
	}
	exact := func(p string) func(string) bool { return func(s string) bool { return s == p } }
	prefix := func(p string) func(string) bool {
		return func(s string) bool { return strings.HasPrefix(s, p) && len(s) > len(p) }
	}
	routes := []entry{
		{http.MethodPost, exact("/chat"), h.postChat},
		{http.MethodPost, exact("/chat/save"), h.postSave},
		{http.MethodPost, exact("/chat/legacy"), h.postLegacy},
		{http.MethodGet, prefix("/chat/load/"), h.getLoad},
		{http.MethodGet, exact("/chat/list"), h.getList},
		{http.MethodGet, prefix("/chat/history/"), h.getHistoryDay},
		{http.MethodDelete, prefix("/chat/delete/"), h.deleteChat},
		{http.MethodGet, exact("/health"), h.getHealth},
		{http.MethodGet, exact("/models"), h.getModels},
	}
	pathKnown := false
	for _, e := range routes {
		if !e.match(path) {
			continue
		}
		if strings.EqualFold(e.method, method) {
			return e.fn, true
		}
		pathKnown = true
	}
	return nil, pathKnown
}

func (h *Handler) postChat(ctx context.Context, r *request) (int, any, error) {
	var in chatRequest
	if err := unmarshalBody(r.body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.chat.Handle(ctx, usecase.HandleInput{
		Prompt:      in.Prompt,
		Model:       in.Model,
		ChatID:      in.ChatID,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, chatResponse{
		Output:     out.Result.Text,
		Response:   out.Result.Text,
		Model:      out.Result.Model,
		Timestamp:  out.Result.Timestamp,
		Source:     out.Result.Source,
		ChatID:     out.ChatID,
		StorageKey: out.StorageKey,
	}, nil
}

func (h *Handler) postLegacy(ctx context.Context, r *request) (int, any, error) {
	var in legacyRequest
	if err := unmarshalBody(r.body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.chat.Legacy(ctx, usecase.LegacyInput{
		Message:     in.Message,
		Model:       in.Model,
		History:     in.History,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, legacyResponse{Response: out.Response, Model: out.Model, Timestamp: out.Timestamp}, nil
}

func (h *Handler) postSave(ctx context.Context, r *request) (int, any, error) {
	var in saveRequest
	if err := unmarshalBody(r.body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.history.SaveChat(ctx, usecase.SaveInput{ChatID: in.ChatID, Messages: in.Messages, Metadata: in.Metadata})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, saveResponse{Success: true, ChatID: out.ChatID, StorageKey: out.StorageKey}, nil
}

func (h *Handler) getLoad(ctx context.Context, r *request) (int, any, error) {
	id, err := pathParam(r.Path, "/chat/load/")
	if err != nil {
		return 0, nil, err
	}
	rec, err := h.history.LoadChat(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, rec, nil
}

func (h *Handler) getList(ctx context.Context, r *request) (int, any, error) {
	days := 0
	if v := strings.TrimSpace(r.QueryStringParameters["days"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_days", Err: err}
		}
		days = n
	}
	out, err := h.history.ListChats(ctx, days)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, listResponse{Chats: out.Chats, Total: out.Total}, nil
}

func (h *Handler) getHistoryDay(ctx context.Context, r *request) (int, any, error) {
	day, err := pathParam(r.Path, "/chat/history/")
	if err != nil {
		return 0, nil, err
	}
	recs, err := h.history.ChatsForDay(ctx, day)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, dayResponse{Date: day, Chats: recs, Total: len(recs)}, nil
}

func (h *Handler) deleteChat(ctx context.Context, r *request) (int, any, error) {
	id, err := pathParam(r.Path, "/chat/delete/")
	if err != nil {
		return 0, nil, err
	}
	if err := h.history.DeleteChat(ctx, id); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, successResponse{Success: true}, nil
}

func (h *Handler) getHealth(ctx context.Context, _ *request) (int, any, error) {
	out := h.chat.Health(ctx)
	return http.StatusOK, healthResponse{
		Status:            out.Status,
		StorageReachable:  out.StorageReachable,
		BackendConfigured: out.BackendConfigured,
		Timestamp:         out.Timestamp,
	}, nil
}

func (h *Handler) getModels(context.Context, *request) (int, any, error) {
	return http.StatusOK, modelsResponse{Models: usecase.Models()}, nil
}

func (h *Handler) errorPayload(r *request, err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		h.logger.Error("unhandled error", "correlationId", r.correlationID, "err", err)
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), CorrelationID: r.correlationID}
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "correlationId", r.correlationID, "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	}
	return status, errorResponse{Error: string(ue.Code), Reason: ue.Reason, CorrelationID: r.correlationID}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respond(status int, payload any, correlationID string) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encode response", "correlationId", correlationID, "err", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: string(usecase.ErrorInternal), CorrelationID: correlationID})
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(body)}
}

func decodeBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if event.Body == "" {
		return nil, nil
	}
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body_encoding", Err: err}
		}
		body = decoded
	}
	if len(body) > maxBodyBytes {
		return nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "body_too_large"}
	}
	return body, nil
}

func unmarshalBody(body []byte, v any) error {
	if len(body) == 0 {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

func pathParam(path, prefix string) (string, error) {
	raw := strings.TrimPrefix(normalizePath(path), prefix)
	v, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(v) == "" {
		return "", &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_path_parameter", Err: err}
	}
	return v, nil
}

func normalizePath(p string) string {
	return "/" + strings.Trim(p, "/")
}

// correlationID echoes the caller's X-Correlation-Id (any casing) or mints one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}
