package api

import "net/http"

// Router assembles the HTTP surface. The rate limiter wraps the /api/v1
// tree only; health stays unthrottled so probes keep working under load.
func Router(h *Handler, limit func(http.Handler) http.Handler) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/v1/messages", h.CreateMessage)
	api.HandleFunc("GET /api/v1/messages", h.ListMessages)
	api.HandleFunc("GET /api/v1/messages/{id}", h.GetMessage)
	api.HandleFunc("POST /api/v1/messages/{id}/status", h.UpdateMessageStatus)
	api.HandleFunc("POST /api/v1/messages/{id}/retry", h.RetryMessage)

	api.HandleFunc("GET /api/v1/conversations", h.ListConversations)
	api.HandleFunc("GET /api/v1/conversations/search", h.SearchConversations)
	api.HandleFunc("GET /api/v1/conversations/{id}", h.GetConversation)
	api.HandleFunc("GET /api/v1/conversations/{id}/stats", h.GetConversationStats)
	api.HandleFunc("GET /api/v1/conversations/{id}/messages", h.ListConversationMessages)
	api.HandleFunc("PATCH /api/v1/conversations/{id}", h.RenameConversation)
	api.HandleFunc("POST /api/v1/conversations/{id}/read", h.MarkConversationRead)
	api.HandleFunc("POST /api/v1/conversations/{id}/archive", h.ArchiveConversation)
	api.HandleFunc("POST /api/v1/conversations/{id}/close", h.CloseConversation)
	api.HandleFunc("POST /api/v1/conversations/{id}/merge", h.MergeConversations)
	api.HandleFunc("DELETE /api/v1/conversations/{id}", h.DeleteConversation)

	api.HandleFunc("POST /api/v1/webhooks/{provider}", h.ReceiveWebhook)
	api.HandleFunc("GET /api/v1/webhooks/logs/{id}", h.GetWebhookLog)

	var throttled http.Handler = api
	if limit != nil {
		throttled = limit(api)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /v1/health", h.Health)
	root.Handle("/api/v1/", throttled)

	return root
}
