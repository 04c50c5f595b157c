// Package api exposes the HTTP surface: message submission and inspection,
// conversation management, webhook intake, and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/repo"
	"github.com/hatchpoint/messaging/internal/service"
)

const maxWebhookBody = 1 << 20

// Pinger reports store liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MessageService is the slice of the message service the handlers call.
type MessageService interface {
	Send(ctx context.Context, req service.SendRequest) (*model.Message, error)
	Get(ctx context.Context, id uuid.UUID, includeEvents bool) (*model.Message, error)
	List(ctx context.Context, f repo.MessageFilter) ([]model.Message, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, meta model.Metadata) (bool, error)
	RetryFailed(ctx context.Context, id uuid.UUID) (*model.Message, error)
}

type ConversationService interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	List(ctx context.Context, f repo.ConversationFilter) ([]model.Conversation, int, error)
	Search(ctx context.Context, term string, limit int) ([]model.Conversation, error)
	Stats(ctx context.Context, id uuid.UUID) (*model.ConversationStats, error)
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) (*model.Conversation, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	Archive(ctx context.Context, id uuid.UUID) error
	Close(ctx context.Context, id uuid.UUID) error
	Merge(ctx context.Context, source, target uuid.UUID) (*model.Conversation, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type WebhookService interface {
	Process(ctx context.Context, providerName model.Provider, headers map[string]string, body []byte) (service.Result, error)
	Log(ctx context.Context, id uuid.UUID) (*model.WebhookLog, error)
}

type Handler struct {
	messages      MessageService
	conversations ConversationService
	webhooks      WebhookService

	store     Pinger
	rdb       *redis.Client
	providers *provider.Registry
	queue     *queue.Queue

	asyncWebhooks bool
}

func NewHandler(
	messages MessageService,
	conversations ConversationService,
	webhooks WebhookService,
	store Pinger,
	rdb *redis.Client,
	providers *provider.Registry,
	q *queue.Queue,
	asyncWebhooks bool,
) *Handler {
	return &Handler{
		messages:      messages,
		conversations: conversations,
		webhooks:      webhooks,
		store:         store,
		rdb:           rdb,
		providers:     providers,
		queue:         q,
		asyncWebhooks: asyncWebhooks,
	}
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req service.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	msg, err := h.messages.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	includeEvents := r.URL.Query().Get("include_events") == "true"
	msg, err := h.messages.Get(r.Context(), id, includeEvents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := repo.MessageFilter{
		Status:    model.MessageStatus(q.Get("status")),
		Direction: model.Direction(q.Get("direction")),
		Limit:     parseInt(q.Get("limit"), 50),
		Offset:    parseInt(q.Get("offset"), 0),
	}
	if raw := q.Get("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation_id"})
			return
		}
		filter.ConversationID = id
	}

	items, total, err := h.messages.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) UpdateMessageStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status   model.MessageStatus `json:"status"`
		Metadata model.Metadata      `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	applied, err := h.messages.UpdateStatus(r.Context(), id, req.Status, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	if !applied {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "status transition not allowed"})
		return
	}

	msg, err := h.messages.Get(r.Context(), id, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	msg, err := h.messages.RetryFailed(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ConversationFilter{
		Participant: q.Get("participant"),
		ChannelType: model.ChannelType(q.Get("channel_type")),
		Status:      model.ConversationStatus(q.Get("status")),
		Limit:       parseInt(q.Get("limit"), 50),
		Offset:      parseInt(q.Get("offset"), 0),
	}

	items, total, err := h.conversations.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) SearchConversations(w http.ResponseWriter, r *http.Request) {
	items, err := h.conversations.Search(r.Context(), r.URL.Query().Get("q"), parseInt(r.URL.Query().Get("limit"), 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	conv, err := h.conversations.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) GetConversationStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	stats, err := h.conversations.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	filter := repo.MessageFilter{
		ConversationID: id,
		Limit:          parseInt(r.URL.Query().Get("limit"), 50),
		Offset:         parseInt(r.URL.Query().Get("offset"), 0),
	}
	items, total, err := h.messages.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}

	conv, err := h.conversations.UpdateTitle(r.Context(), id, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	h.conversationAction(w, r, h.conversations.MarkRead)
}

func (h *Handler) ArchiveConversation(w http.ResponseWriter, r *http.Request) {
	h.conversationAction(w, r, h.conversations.Archive)
}

func (h *Handler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	h.conversationAction(w, r, h.conversations.Close)
}

func (h *Handler) conversationAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conv, err := h.conversations.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) MergeConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		TargetID uuid.UUID `json:"target_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target_id is required"})
		return
	}

	merged, err := h.conversations.Merge(r.Context(), id, req.TargetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.conversations.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReceiveWebhook takes a raw provider callback. In async mode the call is
// queued and acknowledged immediately; otherwise it is reconciled inline.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := model.Provider(r.PathValue("provider"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	if h.asyncWebhooks {
		entry := queue.WebhookEntry{
			Provider: string(providerName),
			Headers:  headers,
			Body:     body,
		}
		if _, err := h.queue.Enqueue(r.Context(), queue.WebhookStream, entry); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	res, err := h.webhooks.Process(r.Context(), providerName, headers, body)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Status == service.ResultInvalidSignature {
		writeJSON(w, http.StatusUnauthorized, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetWebhookLog returns the audit row for one webhook call, looked up by the
// webhook_log_id returned from the intake endpoint.
func (h *Handler) GetWebhookLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	logRow, err := h.webhooks.Log(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logRow)
}

// Health reports store, cache, provider, and queue condition. Degraded
// infrastructure turns the response into a 503 so load balancers stop
// routing here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := h.store.Ping(ctx) == nil
	redisOK := h.rdb.Ping(ctx).Err() == nil

	queues := map[string]int64{}
	if redisOK {
		for _, ch := range []model.ChannelType{model.ChannelSMS, model.ChannelMMS, model.ChannelEmail} {
			stream := queue.StreamFor(ch)
			if n, err := h.queue.Len(ctx, stream); err == nil {
				queues[stream] = n
			}
		}
		if n, err := h.queue.Len(ctx, queue.WebhookStream); err == nil {
			queues[queue.WebhookStream] = n
		}
	}

	status := "ok"
	code := http.StatusOK
	if !dbOK || !redisOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"database":  dbOK,
		"redis":     redisOK,
		"providers": h.providers.HealthCheck(ctx),
		"queues":    queues,
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, repo.ErrDuplicate):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
