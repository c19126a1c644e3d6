package parse

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestValue(t *testing.T) {
	v, err := ValueOf(map[string]any{
		"name":   "alice",
		"score":  3,
		"tags":   []any{"a", true, nil},
		"nested": map[string]any{"ok": false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := v.Get("name").AsString(); !ok || s != "alice" {
		t.Fatalf("unexpected name %v", v.Get("name"))
	}
	if n, ok := v.Get("score").AsInt(); !ok || n != 3 {
		t.Fatalf("unexpected score %v", v.Get("score"))
	}
	if v.Get("tags").Len() != 3 || !v.Get("tags").Index(2).IsNull() {
		t.Fatalf("unexpected tags %v", v.Get("tags"))
	}
	if !v.Get("missing").IsNull() || !v.Get("name").Get("x").IsNull() {
		t.Fatal("lookups on the wrong type should give null")
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"name":"alice","nested":{"ok":false},"score":3,"tags":["a",true,null]}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}

	var back Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(v) {
		t.Fatal("values should survive a round trip")
	}
	if back.Equal(MustValue(map[string]any{"name": "alice"})) {
		t.Fatal("different objects compared equal")
	}
}

func TestEncodeSpecialTypes(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC)
	geo, err := NewGeoPoint(40, -30)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"date", when, `{"__type":"Date","iso":"2024-01-02T03:04:05.006Z"}`},
		{"pointer", Pointer{ClassName: "Player", ObjectID: "p1"}, `{"__type":"Pointer","className":"Player","objectId":"p1"}`},
		{"geo point", geo, `{"__type":"GeoPoint","latitude":40,"longitude":-30}`},
		{"bytes", Bytes("hi"), `{"__type":"Bytes","base64":"aGk="}`},
		{"relation", Relation{TargetClass: "Player"}, `{"__type":"Relation","className":"Player"}`},
		{"saved file", &File{Name: "a.txt", URL: "https://files/a.txt"}, `{"__type":"File","name":"a.txt","url":"https://files/a.txt"}`},
		{"nested", map[string]any{"at": []any{when}}, `{"at":[{"__type":"Date","iso":"2024-01-02T03:04:05.006Z"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := canonicalJSON(tt.in, encodeWire)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Fatalf("got %s, want %s", data, tt.want)
			}

			var raw any
			json.Unmarshal(data, &raw)
			if !sameValue(decodeValue(raw), tt.in) {
				t.Fatalf("decoding %s did not give the original value", data)
			}
		})
	}
}

func TestEncodeUnsaved(t *testing.T) {
	if _, err := encodeValue(NewFile("a.txt", nil, ""), encodeWire); err == nil {
		t.Fatal("unsaved files cannot go on the wire")
	}
	o := NewObject("Player")
	if _, err := encodeValue(o, encodeWire); err == nil {
		t.Fatal("unsaved objects cannot go on the wire")
	}
	enc, err := encodeValue(o, encodeSnapshot)
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := enc.(map[string]any); !ok || m["localId"] != o.localID.String() {
		t.Fatalf("snapshots reference unsaved objects by local id, got %v", enc)
	}
}

func TestNormalizeValue(t *testing.T) {
	type score struct {
		Points int    `json:"points"`
		Player string `json:"player"`
	}
	got, err := normalizeValue(score{Points: 3, Player: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["points"] != 3.0 || m["player"] != "alice" {
		t.Fatalf("structs should become maps, got %#v", got)
	}

	list, err := normalizeValue([]int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if l, ok := list.([]any); !ok || len(l) != 2 || l[0] != 1.0 {
		t.Fatalf("typed slices should become []any, got %#v", list)
	}

	if _, err := normalizeValue(make(chan int)); err == nil {
		t.Fatal("channels cannot be stored")
	}
}
