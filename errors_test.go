package parse

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

func TestErrorDecoding(t *testing.T) {
	t.Run("negative code is other cause", func(t *testing.T) {
		var e Error
		if err := json.Unmarshal([]byte(`{"code":-1,"error":"testing"}`), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Kind != KindOtherCause {
			t.Fatalf("expected OtherCause, got %s", e.Kind)
		}
		if e.Message != "testing" {
			t.Fatalf("expected message testing, got %q", e.Message)
		}
		if e.Error() != "ParseError code=-1 error=testing" {
			t.Fatalf("unexpected description %q", e.Error())
		}
	})

	t.Run("known code is server error", func(t *testing.T) {
		var e Error
		if err := json.Unmarshal([]byte(`{"code":101,"error":"Object not found."}`), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Kind != KindServerError || e.Code != CodeObjectNotFound {
			t.Fatalf("unexpected error %+v", e)
		}
	})

	t.Run("unknown code keeps number", func(t *testing.T) {
		var e Error
		if err := json.Unmarshal([]byte(`{"code":9999,"message":"custom"}`), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Kind != KindOtherCause || int(e.Code) != 9999 || e.Message != "custom" {
			t.Fatalf("unexpected error %+v", e)
		}
	})

	t.Run("missing code", func(t *testing.T) {
		var e Error
		if err := json.Unmarshal([]byte(`{"error":"boom"}`), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Code != CodeOtherCause {
			t.Fatalf("expected -1, got %d", e.Code)
		}
	})
}

func TestErrorMatching(t *testing.T) {
	err := errMissingObjectID("GameScore")
	if !errors.Is(err, ErrMissingObjectID) {
		t.Fatal("expected errors.Is to match the kind sentinel")
	}
	if errors.Is(err, ErrInvalidOperation) {
		t.Fatal("did not expect a match on another kind")
	}
	if KindOf(err) != KindMissingObjectID {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if !IsCode(err, CodeMissingObjectID) {
		t.Fatal("expected code 104")
	}
	if KindOf(errors.New("plain")) != KindOtherCause {
		t.Fatal("foreign errors should be other cause")
	}

	wrapped := wrapError(KindConnectionFailed, CodeConnectionFailed, "request failed", errors.New("refused"))
	if wrapped.Error() != "ParseError code=100 error=request failed: refused" {
		t.Fatalf("unexpected description %q", wrapped.Error())
	}
	if errors.Unwrap(wrapped) == nil {
		t.Fatal("expected the cause to be kept")
	}
}

func TestErrorMarshal(t *testing.T) {
	data, err := json.Marshal(&Error{Kind: KindServerError, Code: CodeScriptFailed, Message: "nope"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"code":141,"error":"nope"}` {
		t.Fatalf("unexpected envelope %s", data)
	}
}
