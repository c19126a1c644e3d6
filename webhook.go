package parse

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookKeyHeader carries the key the server signs webhook calls with.
const WebhookKeyHeader = "X-Parse-Webhook-Key"

// WebhookRequest is a cloud function call or a trigger forwarded by the
// server. FunctionName is set for functions, TriggerName for triggers.
type WebhookRequest struct {
	FunctionName   string
	TriggerName    string
	Params         Value
	Master         bool
	InstallationID string
	IP             string
	Headers        map[string]string
	User           *User
	Object         *Object
	Original       *Object
}

type webhookBody struct {
	FunctionName   string            `json:"functionName"`
	TriggerName    string            `json:"triggerName"`
	Params         Value             `json:"params"`
	Master         bool              `json:"master"`
	InstallationID string            `json:"installationId"`
	IP             string            `json:"ip"`
	Headers        map[string]string `json:"headers"`
	User           json.RawMessage   `json:"user"`
	Object         json.RawMessage   `json:"object"`
	Original       json.RawMessage   `json:"original"`
}

// WebhookHandlerFunc answers a webhook call. The returned value becomes the
// "success" field of the reply; an error becomes its "error" field.
type WebhookHandlerFunc func(ctx context.Context, req *WebhookRequest) (any, error)

// ParseWebhookRequest decodes a webhook body.
func ParseWebhookRequest(body []byte) (*WebhookRequest, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, wrapError(KindDecodingError, CodeInvalidJSON, "invalid JSON in webhook body", err)
	}
	if b.FunctionName == "" && b.TriggerName == "" {
		return nil, newError(KindDecodingError, CodeInvalidJSON, "webhook body names neither a function nor a trigger")
	}
	req := &WebhookRequest{
		FunctionName:   b.FunctionName,
		TriggerName:    b.TriggerName,
		Params:         b.Params,
		Master:         b.Master,
		InstallationID: b.InstallationID,
		IP:             b.IP,
		Headers:        b.Headers,
	}
	user, err := decodeEventObject(b.User, ClassUser)
	if err != nil {
		return nil, err
	}
	if user != nil {
		req.User = &User{Object: user}
	}
	if req.Object, err = decodeEventObject(b.Object, ""); err != nil {
		return nil, err
	}
	if req.Original, err = decodeEventObject(b.Original, ""); err != nil {
		return nil, err
	}
	return req, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook is an http.Handler for cloud code webhooks registered on the
// server.
type Webhook struct {
	key     string
	handler WebhookHandlerFunc
	log     *zap.SugaredLogger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookLogger installs a logger. The default discards everything.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(w *Webhook) { w.log = logger.Named("parse.webhook").Sugar() }
}

// NewWebhook creates a webhook handler that only accepts calls carrying key.
func NewWebhook(key string, handler WebhookHandlerFunc, opts ...WebhookOption) (*Webhook, error) {
	if key == "" {
		return nil, newError(KindOtherCause, CodeOtherCause, "webhook key is required")
	}
	if handler == nil {
		return nil, newError(KindOtherCause, CodeOtherCause, "webhook handler is required")
	}
	w := &Webhook{key: key, handler: handler, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Verify compares key with the webhook key in constant time.
func (w *Webhook) Verify(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(w.key)) == 1
}

// Handle verifies, parses and dispatches one call. It returns the status
// code and the reply for the caller to write.
func (w *Webhook) Handle(ctx context.Context, body []byte, key string) (int, any) {
	if !w.Verify(key) {
		w.log.Warnw("rejected webhook call with a bad key")
		return http.StatusUnauthorized, map[string]string{"error": "unauthorized"}
	}
	req, err := ParseWebhookRequest(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	result, err := w.handler(ctx, req)
	if err != nil {
		w.log.Infow("webhook handler failed", "function", req.FunctionName, "trigger", req.TriggerName, "error", err)
		msg := err.Error()
		var pe *Error
		if errors.As(err, &pe) && pe.Message != "" {
			msg = pe.Message
		}
		return http.StatusOK, map[string]string{"error": msg}
	}
	return http.StatusOK, map[string]any{"success": result}
}

// ServeHTTP implements http.Handler.
//
// Example:
//
//	wh, _ := parse.NewWebhook("key", handler)
//	http.Handle("/webhooks/hello", wh)
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeWebhookReply(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeWebhookReply(rw, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	defer r.Body.Close()

	status, reply := w.Handle(r.Context(), body, r.Header.Get(WebhookKeyHeader))
	writeWebhookReply(rw, status, reply)
}

func writeWebhookReply(rw http.ResponseWriter, status int, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"failed to encode reply"}`)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(data)
}
