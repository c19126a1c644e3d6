package parse

import (
	"net/url"
)

// System class names.
const (
	ClassUser         = "_User"
	ClassInstallation = "_Installation"
	ClassSession      = "_Session"
	ClassRole         = "_Role"
)

// HasEndpoint is implemented by everything that can be addressed on the
// server.
type HasEndpoint interface {
	ClassName() string
	ObjectID() string
	Endpoint() string
}

// HasAuthData is implemented by kinds that carry credentials.
type HasAuthData interface {
	HasEndpoint
	SessionToken() string
	AuthData() map[string]any
}

// Endpoint returns the collection path of the object's class, or the
// object's own path once it has an id.
func (o *Object) Endpoint() string {
	base := classPath(o.className)
	if id := o.ObjectID(); id != "" {
		return base + "/" + url.PathEscape(id)
	}
	return base
}

func classPath(className string) string {
	switch className {
	case ClassUser, "User":
		return "/users"
	case ClassInstallation, "Installation":
		return "/installations"
	case ClassSession, "Session":
		return "/sessions"
	case ClassRole, "Role":
		return "/roles"
	}
	return "/classes/" + url.PathEscape(className)
}

// ============================================================================
// User
// ============================================================================

// User is an object of the _User class.
type User struct {
	*Object
}

func NewUser() *User {
	return &User{Object: NewObject(ClassUser)}
}

// AsUser views an object of the _User class as a User.
func AsUser(o *Object) (*User, error) {
	if o == nil || !isClass(o.ClassName(), ClassUser) {
		return nil, newError(KindOtherCause, CodeIncorrectType, "object is not a user")
	}
	return &User{Object: o}, nil
}

func (u *User) Username() string {
	s, _ := u.GetString("username")
	return s
}

func (u *User) SetUsername(name string) error { return u.Set("username", name) }

// SetPassword records the password for the next save. It is dropped
// locally once the save succeeds.
func (u *User) SetPassword(password string) error { return u.Set("password", password) }

func (u *User) Email() string {
	s, _ := u.GetString("email")
	return s
}

func (u *User) SetEmail(email string) error { return u.Set("email", email) }

func (u *User) SessionToken() string {
	s, _ := u.GetString("sessionToken")
	return s
}

func (u *User) AuthData() map[string]any {
	m, _ := u.GetMap("authData")
	return m
}

func (u *User) setSessionToken(token string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if token == "" {
		delete(u.fields, "sessionToken")
		return
	}
	u.fields["sessionToken"] = token
}

// ============================================================================
// Installation
// ============================================================================

// Installation is an object of the _Installation class.
type Installation struct {
	*Object
}

func NewInstallation() *Installation {
	return &Installation{Object: NewObject(ClassInstallation)}
}

func (i *Installation) InstallationID() string {
	s, _ := i.GetString("installationId")
	return s
}

func (i *Installation) DeviceType() string {
	s, _ := i.GetString("deviceType")
	return s
}

// ============================================================================
// Session / Role
// ============================================================================

// Session is an object of the _Session class.
type Session struct {
	*Object
}

func NewSession() *Session {
	return &Session{Object: NewObject(ClassSession)}
}

func (s *Session) SessionToken() string {
	v, _ := s.GetString("sessionToken")
	return v
}

func (s *Session) AuthData() map[string]any { return nil }

// Role is an object of the _Role class.
type Role struct {
	*Object
}

// NewRole creates a role. Role names cannot change once saved, and the
// server requires an ACL.
func NewRole(name string, acl ACL) (*Role, error) {
	r := &Role{Object: NewObject(ClassRole)}
	if err := r.Set("name", name); err != nil {
		return nil, err
	}
	if err := r.SetACL(acl); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Role) Name() string {
	s, _ := r.GetString("name")
	return s
}

// Users is the relation of users granted this role.
func (r *Role) Users() Relation { return Relation{TargetClass: ClassUser} }

// Roles is the relation of roles inheriting this role.
func (r *Role) Roles() Relation { return Relation{TargetClass: ClassRole} }

func isClass(name, want string) bool {
	return name == want || "_"+name == want
}
