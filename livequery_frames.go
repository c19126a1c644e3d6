package parse

import (
	"github.com/goccy/go-json"
)

// ============================================================================
// Live query wire frames
// ============================================================================

// Query describes what a live query subscription watches. Where is sent to
// the server as is, so it may hold any constraint the server understands.
type Query struct {
	ClassName string         `json:"className"`
	Where     map[string]any `json:"where"`
	Keys      []string       `json:"keys,omitempty"`
	Watch     []string       `json:"watch,omitempty"`
}

func (q Query) validate() error {
	if q.ClassName == "" {
		return newError(KindOtherCause, CodeInvalidClassName, "live query needs a class name")
	}
	return nil
}

func (q Query) wire() Query {
	if q.Where == nil {
		q.Where = map[string]any{}
	}
	return q
}

// Client to server operations.
const (
	opConnect     = "connect"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opUpdate      = "update"
)

// Server to client operations.
const (
	opConnected    = "connected"
	opSubscribed   = "subscribed"
	opUnsubscribed = "unsubscribed"
	opCreate       = "create"
	opUpdated      = "update"
	opDelete       = "delete"
	opEnter        = "enter"
	opLeave        = "leave"
	opError        = "error"
)

// clientFrame is every message the client sends.
type clientFrame struct {
	Op             string `json:"op"`
	ApplicationID  string `json:"applicationId,omitempty"`
	ClientKey      string `json:"clientKey,omitempty"`
	MasterKey      string `json:"masterKey,omitempty"`
	SessionToken   string `json:"sessionToken,omitempty"`
	InstallationID string `json:"installationId,omitempty"`
	RequestID      int    `json:"requestId,omitempty"`
	Query          *Query `json:"query,omitempty"`
}

// serverFrame is every message the server sends. Fields not used by an op
// are left zero.
type serverFrame struct {
	Op             string          `json:"op"`
	ClientID       string          `json:"clientId"`
	InstallationID string          `json:"installationId"`
	RequestID      int             `json:"requestId"`
	Object         json.RawMessage `json:"object"`
	Original       json.RawMessage `json:"original"`
	Code           int             `json:"code"`
	Error          string          `json:"error"`
	Reconnect      bool            `json:"reconnect"`
}

func (f serverFrame) err() *Error {
	code := ErrorCode(f.Code)
	if code == 0 {
		code = CodeOtherCause
	}
	return serverError(code, f.Error)
}

// decodeEventObject turns the object of an event frame into an Object with
// no pending changes. A missing object decodes to nil.
func decodeEventObject(raw json.RawMessage, className string) (*Object, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	m, err := decodeMap(raw)
	if err != nil {
		return nil, err
	}
	if c, ok := m["className"].(string); ok && c != "" {
		className = c
	}
	o := NewObject(className)
	if err := o.mergeServer(m, true); err != nil {
		return nil, err
	}
	return o, nil
}
