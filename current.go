package parse

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
)

// container is the persisted state, each entry in the wire envelope.
type container struct {
	User         []byte
	Installation []byte
	Config       []byte
}

// Current holds the current user, installation and config of a client.
// Reads never block; every write swaps the whole container.
type Current struct {
	storage Storage
	state   atomic.Pointer[container]
	loaded  atomic.Bool
	loadMu  sync.Mutex
	writeMu sync.Mutex
}

// NewCurrent creates a container backed by s. Nothing is read until the
// first access.
func NewCurrent(s Storage) *Current {
	return &Current{storage: s}
}

func (c *Current) load(ctx context.Context) (*container, error) {
	if c.loaded.Load() {
		return c.state.Load(), nil
	}
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded.Load() {
		return c.state.Load(), nil
	}
	next := &container{}
	for key, dst := range map[string]*[]byte{
		KeyCurrentUser:         &next.User,
		KeyCurrentInstallation: &next.Installation,
		KeyCurrentConfig:       &next.Config,
	} {
		data, ok, err := c.storage.Get(ctx, key)
		if err != nil {
			return nil, wrapError(KindOtherCause, CodeOtherCause, "load "+key, err)
		}
		if ok {
			*dst = data
		}
	}
	c.state.Store(next)
	c.loaded.Store(true)
	return next, nil
}

// update applies fn to a deep copy of the container, persists the entries
// it changed and publishes the copy.
func (c *Current) update(ctx context.Context, fn func(*container)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cur, err := c.load(ctx)
	if err != nil {
		return err
	}
	var next container
	if err := deepcopy.Copy(&next, cur); err != nil {
		return wrapError(KindOtherCause, CodeOtherCause, "copy current state", err)
	}
	fn(&next)

	for key, pair := range map[string][2][]byte{
		KeyCurrentUser:         {cur.User, next.User},
		KeyCurrentInstallation: {cur.Installation, next.Installation},
		KeyCurrentConfig:       {cur.Config, next.Config},
	} {
		before, after := pair[0], pair[1]
		if string(before) == string(after) {
			continue
		}
		if after == nil {
			err = c.storage.Delete(ctx, key)
		} else {
			err = c.storage.Set(ctx, key, after)
		}
		if err != nil {
			return wrapError(KindOtherCause, CodeOtherCause, "persist "+key, err)
		}
	}
	c.state.Store(&next)
	return nil
}

// ============================================================================
// User
// ============================================================================

// User returns a copy of the logged in user, or nil.
func (c *Current) User(ctx context.Context) (*User, error) {
	state, err := c.load(ctx)
	if err != nil || state.User == nil {
		return nil, err
	}
	obj := NewObject(ClassUser)
	if err := obj.UnmarshalJSON(state.User); err != nil {
		return nil, err
	}
	return &User{Object: obj}, nil
}

// SessionToken returns the logged in user's session token, or "".
func (c *Current) SessionToken(ctx context.Context) string {
	state, err := c.load(ctx)
	if err != nil || state.User == nil {
		return ""
	}
	var u struct {
		SessionToken string `json:"sessionToken"`
	}
	if json.Unmarshal(state.User, &u) != nil {
		return ""
	}
	return u.SessionToken
}

// SetUser replaces the current user.
func (c *Current) SetUser(ctx context.Context, u *User) error {
	var data []byte
	if u != nil {
		var err error
		if data, err = u.MarshalJSON(); err != nil {
			return err
		}
	}
	return c.update(ctx, func(s *container) { s.User = data })
}

// ============================================================================
// Installation
// ============================================================================

// Installation returns a copy of the current installation, creating and
// persisting one with a fresh installation id when there is none.
func (c *Current) Installation(ctx context.Context) (*Installation, error) {
	state, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if state.Installation == nil {
		if err := c.update(ctx, func(s *container) {
			if s.Installation == nil {
				s.Installation = newInstallationData()
			}
		}); err != nil {
			return nil, err
		}
		state = c.state.Load()
	}
	obj := NewObject(ClassInstallation)
	if err := obj.UnmarshalJSON(state.Installation); err != nil {
		return nil, err
	}
	return &Installation{Object: obj}, nil
}

func newInstallationData() []byte {
	data, _ := json.Marshal(map[string]any{
		"__type":         "Object",
		"className":      ClassInstallation,
		"installationId": uuid.NewString(),
		"deviceType":     "embedded",
		"timeZone":       time.Local.String(),
	})
	return data
}

// InstallationID returns the id sent with every request.
func (c *Current) InstallationID(ctx context.Context) (string, error) {
	inst, err := c.Installation(ctx)
	if err != nil {
		return "", err
	}
	return inst.InstallationID(), nil
}

// SetInstallation replaces the current installation.
func (c *Current) SetInstallation(ctx context.Context, inst *Installation) error {
	data, err := inst.MarshalJSON()
	if err != nil {
		return err
	}
	return c.update(ctx, func(s *container) { s.Installation = data })
}

// ============================================================================
// Config
// ============================================================================

// Config returns the last stored config parameters, or null.
func (c *Current) Config(ctx context.Context) (Value, error) {
	state, err := c.load(ctx)
	if err != nil || state.Config == nil {
		return Null(), err
	}
	var v Value
	if err := v.UnmarshalJSON(state.Config); err != nil {
		return Null(), wrapError(KindDecodingError, CodeInvalidJSON, "decode config", err)
	}
	return v, nil
}

func (c *Current) SetConfig(ctx context.Context, v Value) error {
	data, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return c.update(ctx, func(s *container) { s.Config = data })
}

// ============================================================================
// Teardown
// ============================================================================

// Teardown forgets everything and deletes it from storage.
func (c *Current) Teardown(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.loadMu.Lock()
	c.state.Store(&container{})
	c.loaded.Store(true)
	c.loadMu.Unlock()
	if err := c.storage.DeleteAll(ctx); err != nil {
		return wrapError(KindOtherCause, CodeOtherCause, "delete stored state", err)
	}
	return nil
}
