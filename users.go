package parse

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
)

// ============================================================================
// Users
// ============================================================================

// SignUp creates the user on the server and makes it the current user.
func (c *Client) SignUp(ctx context.Context, u *User, opts ...RequestOption) error {
	if u.ObjectID() != "" {
		return newError(KindOtherCause, CodeOtherCause, "user is already signed up")
	}
	if u.Username() == "" {
		return newError(KindOtherCause, CodeUsernameMissing, "cannot sign up a user without a username")
	}
	if _, ok := u.GetString("password"); !ok {
		return newError(KindOtherCause, CodePasswordMissing, "cannot sign up a user without a password")
	}
	if err := c.Save(ctx, u.Object, opts...); err != nil {
		return err
	}
	return c.current.SetUser(ctx, u)
}

// LogIn authenticates with username and password and makes the returned
// user the current user.
func (c *Client) LogIn(ctx context.Context, username, password string, opts ...RequestOption) (*User, error) {
	if username == "" {
		return nil, newError(KindOtherCause, CodeUsernameMissing, "username is required")
	}
	if password == "" {
		return nil, newError(KindOtherCause, CodePasswordMissing, "password is required")
	}
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, wrapError(KindOtherCause, CodeInvalidJSON, "encode login", err)
	}
	data, err := c.Execute(ctx, Command{Method: http.MethodPost, Path: "/login", Body: body}, opts...)
	if err != nil {
		return nil, err
	}
	return c.adoptUser(ctx, data, "")
}

// Become makes the user owning sessionToken the current user.
func (c *Client) Become(ctx context.Context, sessionToken string) (*User, error) {
	if sessionToken == "" {
		return nil, newError(KindOtherCause, CodeInvalidSessionToken, "session token is required")
	}
	data, err := c.Execute(ctx, Command{Method: http.MethodGet, Path: "/users/me"},
		WithSessionToken(sessionToken), WithCachePolicy(UseProtocolCachePolicy))
	if err != nil {
		return nil, err
	}
	return c.adoptUser(ctx, data, sessionToken)
}

// LogOut revokes the current session and forgets the current user, even
// when the server call fails.
func (c *Client) LogOut(ctx context.Context) error {
	token := c.current.SessionToken(ctx)
	var err error
	if token != "" {
		_, err = c.Execute(ctx, Command{Method: http.MethodPost, Path: "/logout", Body: []byte("{}")},
			WithSessionToken(token))
	}
	if clearErr := c.current.SetUser(ctx, nil); clearErr != nil && err == nil {
		err = clearErr
	}
	c.cache.invalidate("/batch")
	return err
}

// CurrentUser returns the logged in user, or nil.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	return c.current.User(ctx)
}

// RequestPasswordReset asks the server to email a reset link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return wrapError(KindOtherCause, CodeInvalidJSON, "encode email", err)
	}
	_, err = c.Execute(ctx, Command{Method: http.MethodPost, Path: "/requestPasswordReset", Body: body})
	return err
}

func (c *Client) adoptUser(ctx context.Context, data []byte, sessionToken string) (*User, error) {
	m, err := decodeMap(data)
	if err != nil {
		return nil, err
	}
	u := NewUser()
	if err := u.mergeServer(m, true); err != nil {
		return nil, err
	}
	if u.SessionToken() == "" {
		u.setSessionToken(sessionToken)
	}
	if u.SessionToken() == "" {
		return nil, newError(KindDecodingError, CodeInvalidSessionToken, "server did not return a session token")
	}
	if err := c.current.SetUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ============================================================================
// Installations
// ============================================================================

// CurrentInstallation returns this device's installation. Its installation
// id is generated once and persisted.
func (c *Client) CurrentInstallation(ctx context.Context) (*Installation, error) {
	return c.current.Installation(ctx)
}

// SaveInstallation saves inst and, when it is this device's installation,
// stores it as the current one.
func (c *Client) SaveInstallation(ctx context.Context, inst *Installation, opts ...RequestOption) error {
	return c.Save(ctx, inst.Object, opts...)
}

// syncCurrent refreshes the stored current user or installation after o
// was saved, when o is one of them.
func (c *Client) syncCurrent(ctx context.Context, o *Object) error {
	switch {
	case isClass(o.ClassName(), ClassUser):
		cur, err := c.current.User(ctx)
		if err != nil || cur == nil || cur.ObjectID() != o.ObjectID() {
			return err
		}
		u := &User{Object: o}
		if u.SessionToken() == "" {
			u.setSessionToken(cur.SessionToken())
		}
		return c.current.SetUser(ctx, u)
	case isClass(o.ClassName(), ClassInstallation):
		cur, err := c.current.Installation(ctx)
		if err != nil {
			return err
		}
		inst := &Installation{Object: o}
		if inst.InstallationID() != cur.InstallationID() {
			return nil
		}
		return c.current.SetInstallation(ctx, inst)
	}
	return nil
}
