package parse

import (
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
)

const userReply = `{"objectId":"u1","username":"alice","createdAt":"2024-01-01T00:00:00.000Z","sessionToken":"r:alice"}`

func TestSignUp(t *testing.T) {
	fs := newFakeServer(t)
	fs.reply("POST /parse/users", http.StatusCreated,
		`{"objectId":"u1","createdAt":"2024-01-01T00:00:00.000Z","sessionToken":"r:alice"}`)
	fs.reply("GET /parse/health", http.StatusOK, `{"status":"ok"}`)
	c := newTestClient(t, fs)
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		u := NewUser()
		if err := c.SignUp(ctx, u); !IsCode(err, CodeUsernameMissing) {
			t.Fatalf("expected username missing, got %v", err)
		}
		u.SetUsername("alice")
		if err := c.SignUp(ctx, u); !IsCode(err, CodePasswordMissing) {
			t.Fatalf("expected password missing, got %v", err)
		}
		if fs.count() != 0 {
			t.Fatal("nothing should be sent")
		}
	})

	u := NewUser()
	u.SetUsername("alice")
	u.SetPassword("secret")
	if err := c.SignUp(ctx, u); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	_, body := fs.last()
	var sent map[string]any
	json.Unmarshal(body, &sent)
	if sent["username"] != "alice" || sent["password"] != "secret" {
		t.Fatalf("unexpected sign up body %s", body)
	}
	if u.Has("password") {
		t.Fatal("password must not be kept")
	}

	current, err := c.CurrentUser(ctx)
	if err != nil || current == nil {
		t.Fatalf("expected a current user, got %v %v", current, err)
	}
	if current.ObjectID() != "u1" || current.SessionToken() != "r:alice" || current.Username() != "alice" {
		t.Fatalf("unexpected current user %s %s %s", current.ObjectID(), current.SessionToken(), current.Username())
	}

	if _, err := c.Health(ctx); err != nil {
		t.Fatal(err)
	}
	req, _ := fs.last()
	if req.Header.Get("X-Parse-Session-Token") != "r:alice" {
		t.Fatal("requests should carry the current session token")
	}

	if err := c.SignUp(ctx, u); err == nil {
		t.Fatal("signing up twice should fail")
	}
}

func TestLogInAndOut(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("POST /parse/login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "alice" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":101,"error":"Invalid username/password."}`))
			return
		}
		w.Write([]byte(userReply))
	})
	fs.reply("POST /parse/logout", http.StatusOK, `{}`)
	fs.reply("PUT /parse/users/u1", http.StatusOK, `{"updatedAt":"2024-01-02T00:00:00.000Z"}`)
	c := newTestClient(t, fs)
	ctx := context.Background()

	if _, err := c.LogIn(ctx, "alice", "wrong"); !IsCode(err, CodeObjectNotFound) {
		t.Fatalf("expected a login failure, got %v", err)
	}
	if u, _ := c.CurrentUser(ctx); u != nil {
		t.Fatal("failed login must not set a user")
	}

	u, err := c.LogIn(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("LogIn: %v", err)
	}
	if u.SessionToken() != "r:alice" {
		t.Fatalf("unexpected token %q", u.SessionToken())
	}

	t.Run("saving the current user updates it", func(t *testing.T) {
		u.SetEmail("alice@example.com")
		if err := c.Save(ctx, u.Object); err != nil {
			t.Fatal(err)
		}
		current, _ := c.CurrentUser(ctx)
		if current.Email() != "alice@example.com" || current.SessionToken() != "r:alice" {
			t.Fatalf("stored user not refreshed: %s %s", current.Email(), current.SessionToken())
		}
	})

	if err := c.LogOut(ctx); err != nil {
		t.Fatalf("LogOut: %v", err)
	}
	req, _ := fs.last()
	if req.URL.Path != "/parse/logout" || req.Header.Get("X-Parse-Session-Token") != "r:alice" {
		t.Fatalf("unexpected logout request %s", req.URL.Path)
	}
	if u, _ := c.CurrentUser(ctx); u != nil {
		t.Fatal("logout should clear the current user")
	}
}

func TestLogOutClearsOnFailure(t *testing.T) {
	fs := newFakeServer(t)
	fs.reply("POST /parse/login", http.StatusOK, userReply)
	fs.reply("POST /parse/logout", http.StatusBadRequest, `{"code":209,"error":"Invalid session token"}`)
	c := newTestClient(t, fs)
	ctx := context.Background()

	if _, err := c.LogIn(ctx, "alice", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := c.LogOut(ctx); !IsCode(err, CodeInvalidSessionToken) {
		t.Fatalf("expected the server error, got %v", err)
	}
	if c.Current().SessionToken(ctx) != "" {
		t.Fatal("user must be forgotten even when the server call fails")
	}
}

func TestBecome(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("GET /parse/users/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Parse-Session-Token") != "r:given" {
			t.Errorf("unexpected token %q", r.Header.Get("X-Parse-Session-Token"))
		}
		w.Write([]byte(`{"objectId":"u2","username":"bob"}`))
	})
	c := newTestClient(t, fs)
	ctx := context.Background()

	if _, err := c.Become(ctx, ""); err == nil {
		t.Fatal("expected an error for an empty token")
	}
	u, err := c.Become(ctx, "r:given")
	if err != nil {
		t.Fatalf("Become: %v", err)
	}
	if u.Username() != "bob" || u.SessionToken() != "r:given" {
		t.Fatalf("unexpected user %s %s", u.Username(), u.SessionToken())
	}
	if c.Current().SessionToken(ctx) != "r:given" {
		t.Fatal("become should set the current user")
	}
}

func TestCurrentInstallation(t *testing.T) {
	fs := newFakeServer(t)
	fs.reply("POST /parse/installations", http.StatusCreated,
		`{"objectId":"i1","createdAt":"2024-01-01T00:00:00.000Z"}`)
	c := newTestClient(t, fs)
	ctx := context.Background()

	inst, err := c.CurrentInstallation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if inst.InstallationID() == "" || inst.DeviceType() != "embedded" {
		t.Fatalf("unexpected installation %s %s", inst.InstallationID(), inst.DeviceType())
	}
	inst.Set("channels", []string{"news"})
	if err := c.SaveInstallation(ctx, inst); err != nil {
		t.Fatal(err)
	}
	again, _ := c.CurrentInstallation(ctx)
	if again.ObjectID() != "i1" || again.InstallationID() != inst.InstallationID() {
		t.Fatalf("saved installation not stored: %s %s", again.ObjectID(), again.InstallationID())
	}
}
