package email

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"leadflow/internal/metrics"
)

// InboundMessage is a parsed reply delivered by the mail provider's inbound webhook.
type InboundMessage struct {
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"-"`
}

// InboundProcessor consumes inbound lead emails.
type InboundProcessor interface {
	HandleInboundEmail(ctx context.Context, msg InboundMessage) error
}

// WebhookHandler accepts inbound email notifications authenticated with a shared token.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	token     string
	processor InboundProcessor
}

// NewWebhookHandler creates the inbound email handler.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, token string, processor InboundProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "email_webhook"),
		metrics:   m,
		token:     token,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorised(r) {
		h.metrics.Errors.WithLabelValues("email_webhook_auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.metrics.Errors.WithLabelValues("email_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var msg InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	addr, err := mail.ParseAddress(msg.From)
	if err != nil {
		http.Error(w, "invalid sender", http.StatusBadRequest)
		return
	}
	msg.From = addr.Address
	msg.Text = StripQuoted(msg.Text)
	msg.ReceivedAt = time.Now()
	if msg.Text == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.processor.HandleInboundEmail(r.Context(), msg); err != nil {
		h.logger.Error("failed processing inbound email", "error", err, "from", msg.From)
		h.metrics.Errors.WithLabelValues("email_webhook_process").Inc()
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) authorised(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// StripQuoted drops the quoted history of a reply, keeping only the new text.
func StripQuoted(text string) string {
	var kept []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}
		if trimmed == "-----Original Message-----" {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
