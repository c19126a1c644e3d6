package parse

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Command is one fully resolved server round trip.
type Command struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte

	// ContentType overrides the JSON content type, for file uploads.
	ContentType string
}

func (c Command) String() string {
	if len(c.Query) > 0 {
		return c.Method + " " + c.Path + "?" + c.Query.Encode()
	}
	return c.Method + " " + c.Path
}

// savePlan is a built save command plus the revision and operations it
// captured.
type savePlan struct {
	obj *Object
	cmd Command
	rev uint64
	ops Operations
}

// SaveCommand builds the create or update command of an object. Nested
// objects and files must be saved already.
func SaveCommand(o *Object) (Command, error) {
	plan, err := buildSave(o)
	if err != nil {
		return Command{}, err
	}
	return plan.cmd, nil
}

func buildSave(o *Object) (savePlan, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.ObjectID() == "" {
		return buildCreateLocked(o)
	}
	return buildUpdateLocked(o)
}

func buildCreateLocked(o *Object) (savePlan, error) {
	body := make(map[string]any, len(o.fields))
	for k, v := range o.fields {
		if readOnlyKeys[k] {
			continue
		}
		if k == "ACL" && unsetACL(v) {
			continue
		}
		// a relation field only holds its target class; the links live in the op
		if op, ok := o.ops[k]; ok && (op.Kind == OpAddRelation || op.Kind == OpRemoveRelation) {
			enc, err := op.encode()
			if err != nil {
				return savePlan{}, err
			}
			body[k] = enc
			continue
		}
		enc, err := encodeValue(v, encodeWire)
		if err != nil {
			return savePlan{}, err
		}
		body[k] = enc
	}
	data, err := json.Marshal(body)
	if err != nil {
		return savePlan{}, wrapError(KindOtherCause, CodeInvalidJSON, "encode body", err)
	}
	return savePlan{
		obj: o,
		cmd: Command{Method: http.MethodPost, Path: classPath(o.className), Body: data},
		rev: o.rev,
		ops: o.ops.clone(),
	}, nil
}

func buildUpdateLocked(o *Object) (savePlan, error) {
	body := map[string]any{}
	for key, op := range o.ops {
		if readOnlyKeys[key] {
			continue
		}
		enc, err := op.encode()
		if err != nil {
			return savePlan{}, err
		}
		body[key] = enc
	}
	for key := range o.dirtyLocked() {
		if _, done := body[key]; done || readOnlyKeys[key] {
			continue
		}
		v, ok := o.fields[key]
		if !ok {
			body[key] = map[string]any{"__op": "Delete"}
			continue
		}
		enc, err := encodeValue(v, encodeWire)
		if err != nil {
			return savePlan{}, err
		}
		body[key] = enc
	}
	data, err := json.Marshal(body)
	if err != nil {
		return savePlan{}, wrapError(KindOtherCause, CodeInvalidJSON, "encode body", err)
	}
	return savePlan{
		obj: o,
		cmd: Command{Method: http.MethodPut, Path: o.Endpoint(), Body: data},
		rev: o.rev,
		ops: o.ops.clone(),
	}, nil
}

func unsetACL(v any) bool {
	acl, ok := v.(ACL)
	return v == nil || (ok && acl == nil)
}

// FetchCommand builds the GET of an object, optionally including pointed-to
// objects.
func FetchCommand(o *Object, include ...string) (Command, error) {
	if o.ObjectID() == "" {
		return Command{}, errMissingObjectID(o.className)
	}
	cmd := Command{Method: http.MethodGet, Path: o.Endpoint()}
	if len(include) > 0 {
		keys := append([]string{}, include...)
		sort.Strings(keys)
		cmd.Query = url.Values{"include": {strings.Join(keys, ",")}}
	}
	return cmd, nil
}

// DeleteCommand builds the DELETE of an object.
func DeleteCommand(o *Object) (Command, error) {
	if o.ObjectID() == "" {
		return Command{}, errMissingObjectID(o.className)
	}
	return Command{Method: http.MethodDelete, Path: o.Endpoint()}, nil
}

// ============================================================================
// Batch
// ============================================================================

type batchRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type batchResponse struct {
	Success json.RawMessage `json:"success,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// batchCommand wraps commands in a single POST /batch. Paths inside a batch
// carry the server mount path.
func batchCommand(mount string, cmds []Command) (Command, error) {
	reqs := make([]batchRequest, len(cmds))
	for i, c := range cmds {
		reqs[i] = batchRequest{Method: c.Method, Path: mount + c.Path}
		if len(c.Body) > 0 {
			reqs[i].Body = c.Body
		}
	}
	data, err := json.Marshal(map[string]any{"requests": reqs})
	if err != nil {
		return Command{}, wrapError(KindOtherCause, CodeInvalidJSON, "encode batch", err)
	}
	return Command{Method: http.MethodPost, Path: "/batch", Body: data}, nil
}
