package parse

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// DateLayout is the ISO-8601 layout the server uses for dates.
const DateLayout = "2006-01-02T15:04:05.000Z"

// ============================================================================
// Pointer
// ============================================================================

// Pointer is a shallow reference to another object.
type Pointer struct {
	ClassName string `json:"className"`
	ObjectID  string `json:"objectId"`
}

func (p Pointer) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.wire())
}

func (p *Pointer) UnmarshalJSON(data []byte) error {
	var w struct {
		Type      string `json:"__type"`
		ClassName string `json:"className"`
		ObjectID  string `json:"objectId"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type != "" && w.Type != "Pointer" && w.Type != "Object" {
		return fmt.Errorf("expected Pointer, got %s", w.Type)
	}
	p.ClassName, p.ObjectID = w.ClassName, w.ObjectID
	return nil
}

func (p Pointer) wire() map[string]any {
	return map[string]any{"__type": "Pointer", "className": p.ClassName, "objectId": p.ObjectID}
}

func (p Pointer) key() string {
	return p.ClassName + ":" + p.ObjectID
}

// ============================================================================
// GeoPoint / Polygon
// ============================================================================

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewGeoPoint validates the coordinates.
func NewGeoPoint(lat, lng float64) (GeoPoint, error) {
	g := GeoPoint{Latitude: lat, Longitude: lng}
	return g, g.Validate()
}

func (g GeoPoint) Validate() error {
	if g.Latitude < -90 || g.Latitude > 90 {
		return newError(KindOtherCause, CodeOtherCause, "latitude should be between -90 and 90, got %v", g.Latitude)
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return newError(KindOtherCause, CodeOtherCause, "longitude should be between -180 and 180, got %v", g.Longitude)
	}
	return nil
}

func (g GeoPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.wire())
}

func (g *GeoPoint) UnmarshalJSON(data []byte) error {
	var w struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	g.Latitude, g.Longitude = w.Latitude, w.Longitude
	return nil
}

func (g GeoPoint) wire() map[string]any {
	return map[string]any{"__type": "GeoPoint", "latitude": g.Latitude, "longitude": g.Longitude}
}

// Polygon is a closed shape of at least three points.
type Polygon struct {
	Coordinates []GeoPoint
}

func NewPolygon(points ...GeoPoint) (Polygon, error) {
	p := Polygon{Coordinates: append([]GeoPoint{}, points...)}
	return p, p.Validate()
}

func (p Polygon) Validate() error {
	if len(p.Coordinates) < 3 {
		return newError(KindOtherCause, CodeOtherCause, "polygon must have at least 3 points, got %d", len(p.Coordinates))
	}
	for _, c := range p.Coordinates {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p Polygon) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.wire())
}

func (p *Polygon) UnmarshalJSON(data []byte) error {
	var w struct {
		Coordinates [][]float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Coordinates = p.Coordinates[:0]
	for _, pair := range w.Coordinates {
		if len(pair) != 2 {
			return fmt.Errorf("polygon coordinate must have 2 values, got %d", len(pair))
		}
		p.Coordinates = append(p.Coordinates, GeoPoint{Latitude: pair[0], Longitude: pair[1]})
	}
	return nil
}

func (p Polygon) wire() map[string]any {
	coords := make([]any, len(p.Coordinates))
	for i, c := range p.Coordinates {
		coords[i] = []any{c.Latitude, c.Longitude}
	}
	return map[string]any{"__type": "Polygon", "coordinates": coords}
}

// ============================================================================
// Bytes / Date
// ============================================================================

// Bytes is binary data sent base64 encoded.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.wire())
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var w struct {
		Base64 string `json:"base64"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(w.Base64)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

func (b Bytes) wire() map[string]any {
	return map[string]any{"__type": "Bytes", "base64": base64.StdEncoding.EncodeToString(b)}
}

// Date wraps time.Time with the server's date envelope.
type Date struct {
	time.Time
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateWire(d.Time))
}

// UnmarshalJSON accepts both the envelope and a bare ISO string, since
// createdAt and updatedAt arrive unwrapped.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t, err := parseDate(s)
		if err != nil {
			return err
		}
		d.Time = t
		return nil
	}
	var w struct {
		ISO string `json:"iso"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t, err := parseDate(w.ISO)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func dateWire(t time.Time) map[string]any {
	return map[string]any{"__type": "Date", "iso": formatDate(t)}
}

func formatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err == nil {
		return t, nil
	}
	if t, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
}

// ============================================================================
// File / Relation
// ============================================================================

// File is a server-hosted file. Data is only set for files that have not
// been uploaded yet.
type File struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"-"`
	Data        []byte `json:"-"`
}

// NewFile prepares a file for upload. The content type is guessed from the
// name when empty.
func NewFile(name string, data []byte, contentType string) *File {
	if contentType == "" {
		contentType = guessMimeType(name)
	}
	return &File{Name: name, Data: data, ContentType: contentType}
}

// Saved reports whether the file has a server URL.
func (f *File) Saved() bool {
	return f.URL != ""
}

func (f *File) wire() map[string]any {
	return map[string]any{"__type": "File", "name": f.Name, "url": f.URL}
}

// Relation is a many-to-many link to objects of TargetClass.
type Relation struct {
	TargetClass string `json:"className"`
}

func (r Relation) wire() map[string]any {
	return map[string]any{"__type": "Relation", "className": r.TargetClass}
}

// ============================================================================
// ACL
// ============================================================================

// Permission is the read/write pair granted to one ACL entry.
type Permission struct {
	Read  bool `json:"read,omitempty"`
	Write bool `json:"write,omitempty"`
}

// ACL maps "*", user ids and "role:<name>" to permissions.
type ACL map[string]Permission

const publicKey = "*"

func NewACL() ACL { return ACL{} }

func (a ACL) SetPublicRead(v bool)  { a.set(publicKey, func(p *Permission) { p.Read = v }) }
func (a ACL) SetPublicWrite(v bool) { a.set(publicKey, func(p *Permission) { p.Write = v }) }

func (a ACL) SetReadAccess(userID string, v bool) {
	a.set(userID, func(p *Permission) { p.Read = v })
}

func (a ACL) SetWriteAccess(userID string, v bool) {
	a.set(userID, func(p *Permission) { p.Write = v })
}

func (a ACL) SetRoleReadAccess(role string, v bool) {
	a.set("role:"+role, func(p *Permission) { p.Read = v })
}

func (a ACL) SetRoleWriteAccess(role string, v bool) {
	a.set("role:"+role, func(p *Permission) { p.Write = v })
}

func (a ACL) PublicRead() bool  { return a[publicKey].Read }
func (a ACL) PublicWrite() bool { return a[publicKey].Write }

func (a ACL) ReadAccess(userID string) bool  { return a[userID].Read }
func (a ACL) WriteAccess(userID string) bool { return a[userID].Write }

func (a ACL) set(key string, fn func(*Permission)) {
	p := a[key]
	fn(&p)
	if !p.Read && !p.Write {
		delete(a, key)
		return
	}
	a[key] = p
}

func (a ACL) clone() ACL {
	out := make(ACL, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a ACL) wire() map[string]any {
	out := make(map[string]any, len(a))
	for k, p := range a {
		entry := map[string]any{}
		if p.Read {
			entry["read"] = true
		}
		if p.Write {
			entry["write"] = true
		}
		out[k] = entry
	}
	return out
}

func aclFromWire(raw map[string]any) ACL {
	acl := make(ACL, len(raw))
	for k, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		r, _ := m["read"].(bool)
		w, _ := m["write"].(bool)
		if r || w {
			acl[k] = Permission{Read: r, Write: w}
		}
	}
	return acl
}
