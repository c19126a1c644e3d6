package parse

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"github.com/tiendc/go-deepcopy"
)

// Keys the server owns. They are never sent in a body.
var readOnlyKeys = map[string]bool{
	"objectId":     true,
	"createdAt":    true,
	"updatedAt":    true,
	"className":    true,
	"__type":       true,
	"sessionToken": true,
}

// Keys dropped locally once a save succeeds.
var transientKeys = map[string]bool{
	"password": true,
}

// Object is a record of a server class. The zero value is not usable; create
// objects with NewObject or NewObjectWithID.
//
// Every mutation is applied to the local field value immediately and recorded
// in the object's operation document, which the next save sends and clears.
type Object struct {
	className string
	localID   ulid.ULID
	id        atomic.Value // string

	mu        sync.RWMutex
	createdAt time.Time
	updatedAt time.Time
	fields    map[string]any
	original  []byte
	// synced holds the live values behind original, so Revert keeps nested
	// object and file identities
	synced    map[string]any
	ops       Operations
	rev       uint64
	touched   map[string]uint64

	// saves of the same object are serialized
	saveMu sync.Mutex
}

// NewObject creates an object that does not exist on the server yet.
func NewObject(className string) *Object {
	o := &Object{
		className: className,
		localID:   ulid.Make(),
		fields:    map[string]any{},
		original:  []byte("{}"),
		synced:    map[string]any{},
		ops:       Operations{},
		touched:   map[string]uint64{},
	}
	o.id.Store("")
	return o
}

// NewObjectWithID creates a reference to an existing server object without
// fetching it. Only fields mutated afterwards are sent on save.
func NewObjectWithID(className, objectID string) *Object {
	o := NewObject(className)
	o.id.Store(objectID)
	return o
}

func (o *Object) ClassName() string { return o.className }

func (o *Object) ObjectID() string {
	id, _ := o.id.Load().(string)
	return id
}

func (o *Object) CreatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.createdAt
}

func (o *Object) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updatedAt
}

// Pointer returns a shallow reference to the object.
func (o *Object) Pointer() (Pointer, error) {
	id := o.ObjectID()
	if id == "" {
		return Pointer{}, errMissingObjectID(o.className)
	}
	return Pointer{ClassName: o.className, ObjectID: id}, nil
}

// identityKey identifies the object in a graph: by server identity once
// saved, by local id before.
func (o *Object) identityKey() string {
	if id := o.ObjectID(); id != "" {
		return o.className + ":" + id
	}
	return "local:" + o.localID.String()
}

// ============================================================================
// Field access
// ============================================================================

// Get returns the value of key, or nil.
func (o *Object) Get(key string) any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return cloneValue(o.fields[key])
}

func (o *Object) Has(key string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.fields[key]
	return ok
}

// Keys returns the field names in sorted order.
func (o *Object) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o *Object) GetString(key string) (string, bool) {
	s, ok := o.Get(key).(string)
	return s, ok
}

func (o *Object) GetNumber(key string) (float64, bool) {
	n, ok := o.Get(key).(float64)
	return n, ok
}

func (o *Object) GetInt(key string) (int, bool) {
	n, ok := o.GetNumber(key)
	if !ok || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}

func (o *Object) GetBool(key string) (bool, bool) {
	b, ok := o.Get(key).(bool)
	return b, ok
}

func (o *Object) GetTime(key string) (time.Time, bool) {
	t, ok := o.Get(key).(time.Time)
	return t, ok
}

func (o *Object) GetArray(key string) ([]any, bool) {
	a, ok := o.Get(key).([]any)
	return a, ok
}

func (o *Object) GetMap(key string) (map[string]any, bool) {
	m, ok := o.Get(key).(map[string]any)
	return m, ok
}

// GetPointer accepts both pointer and embedded object values.
func (o *Object) GetPointer(key string) (Pointer, bool) {
	switch t := o.Get(key).(type) {
	case Pointer:
		return t, true
	case *Object:
		p, err := t.Pointer()
		return p, err == nil
	}
	return Pointer{}, false
}

// GetObject returns an embedded object, such as one returned by an include.
func (o *Object) GetObject(key string) (*Object, bool) {
	obj, ok := o.Get(key).(*Object)
	return obj, ok
}

func (o *Object) GetFile(key string) (*File, bool) {
	f, ok := o.Get(key).(*File)
	return f, ok
}

func (o *Object) GetGeoPoint(key string) (GeoPoint, bool) {
	g, ok := o.Get(key).(GeoPoint)
	return g, ok
}

func (o *Object) GetRelation(key string) (Relation, bool) {
	r, ok := o.Get(key).(Relation)
	return r, ok
}

// GetValue returns the field as a JSON value.
func (o *Object) GetValue(key string) (Value, error) {
	enc, err := encodeValue(o.Get(key), encodeSnapshot)
	if err != nil {
		return Null(), err
	}
	return ValueOf(enc)
}

// ACL returns a copy of the object's access control list, or nil.
func (o *Object) ACL() ACL {
	acl, _ := o.Get("ACL").(ACL)
	return acl
}

func (o *Object) SetACL(acl ACL) error {
	return o.Set("ACL", acl)
}

// ============================================================================
// Mutations
// ============================================================================

// Set assigns a value and records a Set operation.
func (o *Object) Set(key string, value any) error {
	v, err := normalizeValue(value)
	if err != nil {
		return err
	}
	return o.record(key, Operation{Kind: OpSet, Value: v})
}

// Put assigns a value without recording an operation. The field is still
// sent on save when it differs from the last synced state.
func (o *Object) Put(key string, value any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	v, err := normalizeValue(value)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.ops, key)
	o.fields[key] = v
	o.bumpLocked(key)
	return nil
}

// Unset removes the field and records a Delete operation.
func (o *Object) Unset(key string) error {
	return o.record(key, Operation{Kind: OpDelete})
}

func (o *Object) Increment(key string, by float64) error {
	return o.record(key, Operation{Kind: OpIncrement, Amount: by})
}

// Add appends values to an array field.
func (o *Object) Add(key string, values ...any) error {
	return o.recordObjects(key, OpAdd, values)
}

// AddUnique appends the values not already present in an array field.
func (o *Object) AddUnique(key string, values ...any) error {
	return o.recordObjects(key, OpAddUnique, values)
}

// Remove removes every occurrence of the values from an array field.
func (o *Object) Remove(key string, values ...any) error {
	return o.recordObjects(key, OpRemove, values)
}

// AddRelation links objects to a relation field.
func (o *Object) AddRelation(key string, targets ...any) error {
	return o.recordObjects(key, OpAddRelation, targets)
}

// RemoveRelation unlinks objects from a relation field.
func (o *Object) RemoveRelation(key string, targets ...any) error {
	return o.recordObjects(key, OpRemoveRelation, targets)
}

func (o *Object) recordObjects(key string, kind OpKind, values []any) error {
	items := make([]any, 0, len(values))
	for _, v := range values {
		n, err := normalizeValue(v)
		if err != nil {
			return err
		}
		if kind == OpAddRelation || kind == OpRemoveRelation {
			switch n.(type) {
			case Pointer, *Object:
			default:
				return newError(KindInvalidOperation, CodeInvalidPointer, "relation targets must be objects or pointers, got %T", v)
			}
		}
		items = append(items, n)
	}
	return o.record(key, Operation{Kind: kind, Objects: items})
}

func (o *Object) record(key string, op Operation) error {
	if err := checkKey(key); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := op
	if prev, ok := o.ops[key]; ok {
		m, err := prev.merge(op)
		if err != nil {
			return err
		}
		merged = m
	}
	current, exists := o.fields[key]
	next, keep, err := op.apply(current, exists)
	if err != nil {
		return err
	}
	o.ops[key] = merged
	if keep {
		o.fields[key] = next
	} else {
		delete(o.fields, key)
	}
	o.bumpLocked(key)
	return nil
}

func (o *Object) bumpLocked(key string) {
	o.rev++
	o.touched[key] = o.rev
}

func checkKey(key string) error {
	if key == "" {
		return newError(KindInvalidOperation, CodeInvalidKeyName, "key must not be empty")
	}
	if readOnlyKeys[key] {
		return newError(KindInvalidOperation, CodeInvalidKeyName, "%s is read only", key)
	}
	return nil
}

// ============================================================================
// Dirty state
// ============================================================================

// Operations returns a copy of the pending operation document.
func (o *Object) Operations() Operations {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ops.clone()
}

// Dirty reports whether the object has anything to save.
func (o *Object) Dirty() bool {
	if o.ObjectID() == "" {
		return true
	}
	return len(o.DirtyKeys()) > 0
}

// DirtyKeys returns fields with pending operations or differing from the
// last synced state.
func (o *Object) DirtyKeys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	set := o.dirtyLocked()
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o *Object) dirtyLocked() map[string]bool {
	dirty := map[string]bool{}
	for k := range o.ops {
		dirty[k] = true
	}
	snap := o.snapshotLocked()
	for k, v := range o.fields {
		if readOnlyKeys[k] || dirty[k] {
			continue
		}
		cur, err := canonicalJSON(v, encodeSnapshot)
		if err != nil || !bytes.Equal(cur, snap[k]) {
			dirty[k] = true
		}
	}
	for k := range snap {
		if _, ok := o.fields[k]; !ok && !readOnlyKeys[k] {
			dirty[k] = true
		}
	}
	return dirty
}

// Revert restores keys (all keys when none are given) to the last synced
// state and drops their pending operations.
func (o *Object) Revert(keys ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := o.snapshotLocked()
	if len(keys) == 0 {
		for k := range o.fields {
			keys = append(keys, k)
		}
		for k := range snap {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		delete(o.ops, k)
		v, ok := o.synced[k]
		if !ok {
			delete(o.fields, k)
			continue
		}
		o.fields[k] = cloneValue(v)
	}
}

// ============================================================================
// Snapshot
// ============================================================================

func (o *Object) snapshotLocked() map[string]json.RawMessage {
	snap := map[string]json.RawMessage{}
	if len(o.original) > 0 {
		_ = json.Unmarshal(o.original, &snap)
	}
	return snap
}

// captureLocked records fields as the synced state. Keys in keep retain
// their previous snapshot value.
func (o *Object) captureLocked(keep map[string]bool) {
	prev := o.snapshotLocked()
	snap := make(map[string]json.RawMessage, len(o.fields))
	synced := make(map[string]any, len(o.fields))
	for k, v := range o.fields {
		if keep[k] {
			continue
		}
		data, err := canonicalJSON(v, encodeSnapshot)
		if err != nil {
			continue
		}
		snap[k] = data
		synced[k] = cloneValue(v)
	}
	for k := range keep {
		if raw, ok := prev[k]; ok {
			snap[k] = raw
			synced[k] = o.synced[k]
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	o.original = data
	o.synced = synced
}

// ============================================================================
// Server merge
// ============================================================================

// mergeServer replaces the object's state with a full server representation.
func (o *Object) mergeServer(m map[string]any, resetOps bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	fields := map[string]any{}
	for k, v := range m {
		switch k {
		case "__type", "className":
		case "objectId":
			if id, ok := v.(string); ok && id != "" {
				o.id.Store(id)
			}
		case "createdAt", "updatedAt":
			if err := o.setTimestampLocked(k, v); err != nil {
				return err
			}
		case "ACL":
			if raw, ok := v.(map[string]any); ok {
				fields[k] = aclFromWire(raw)
			}
		default:
			fields[k] = decodeValue(v)
		}
	}
	o.fields = fields
	if resetOps {
		o.ops = Operations{}
		o.touched = map[string]uint64{}
	}
	o.captureLocked(nil)
	return nil
}

// mergeSaved folds a save response into the object. Only operations recorded
// up to sentRev are cleared; fields mutated while the save was in flight keep
// their local value and stay dirty, with the part already carried by sent
// taken out of their pending operation. Replaying the same response is a
// no-op.
func (o *Object) mergeSaved(m map[string]any, sentRev uint64, sent Operations) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	inFlight := map[string]bool{}
	for k, r := range o.touched {
		if r > sentRev {
			inFlight[k] = true
		}
	}
	for k, v := range m {
		switch k {
		case "__type", "className":
		case "objectId":
			if id, ok := v.(string); ok && id != "" {
				o.id.Store(id)
			}
		case "createdAt", "updatedAt":
			if err := o.setTimestampLocked(k, v); err != nil {
				return err
			}
		default:
			if inFlight[k] {
				continue
			}
			if k == "ACL" {
				if raw, ok := v.(map[string]any); ok {
					o.fields[k] = aclFromWire(raw)
				}
				continue
			}
			o.fields[k] = decodeValue(v)
		}
	}
	// a create response only carries createdAt
	if o.updatedAt.IsZero() {
		o.updatedAt = o.createdAt
	}
	for k := range transientKeys {
		if !inFlight[k] {
			delete(o.fields, k)
		}
	}
	for k, op := range o.ops {
		if !inFlight[k] {
			delete(o.ops, k)
			continue
		}
		if prev, ok := sent[k]; ok {
			o.ops[k] = op.after(prev)
		}
	}
	// a replayed response must not subtract twice
	for k := range sent {
		delete(sent, k)
	}
	for k := range o.touched {
		if !inFlight[k] {
			delete(o.touched, k)
		}
	}
	o.captureLocked(inFlight)
	return nil
}

func (o *Object) setTimestampLocked(key string, v any) error {
	var t time.Time
	switch x := v.(type) {
	case string:
		parsed, err := parseDate(x)
		if err != nil {
			return wrapError(KindDecodingError, CodeInvalidJSON, "decode "+key, err)
		}
		t = parsed
	case time.Time:
		t = x
	case map[string]any:
		if d, ok := decodeValue(x).(time.Time); ok {
			t = d
		}
	default:
		return nil
	}
	if key == "createdAt" {
		o.createdAt = t
	} else {
		o.updatedAt = t
	}
	return nil
}

// ============================================================================
// JSON
// ============================================================================

// MarshalJSON writes the full object in the server's object envelope.
func (o *Object) MarshalJSON() ([]byte, error) {
	m, err := o.encodeFull()
	if err != nil {
		return nil, err
	}
	m["__type"] = "Object"
	m["className"] = o.className
	return json.Marshal(m)
}

// UnmarshalJSON replaces the object with the encoded state, which becomes
// its synced state.
func (o *Object) UnmarshalJSON(data []byte) error {
	m, err := decodeMap(data)
	if err != nil {
		return err
	}
	if o.fields == nil {
		o.localID = ulid.Make()
		o.fields = map[string]any{}
		o.ops = Operations{}
		o.touched = map[string]uint64{}
	}
	if cn, ok := m["className"].(string); ok && cn != "" {
		o.className = cn
	}
	return o.mergeServer(m, true)
}

// Decode copies the object into v, typically a struct with json tags.
// Special types keep their "__type" envelope, so struct fields should use
// the wire types of this package (Pointer, Date, GeoPoint, ...).
func (o *Object) Decode(v any) error {
	m, err := o.encodeFull()
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return wrapError(KindDecodingError, CodeInvalidJSON, "encode object", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return wrapError(KindDecodingError, CodeInvalidJSON, "decode object", err)
	}
	return nil
}

func (o *Object) encodeFull() (map[string]any, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m := make(map[string]any, len(o.fields)+3)
	for k, v := range o.fields {
		enc, err := encodeValue(v, encodeSnapshot)
		if err != nil {
			return nil, err
		}
		m[k] = enc
	}
	if id := o.ObjectID(); id != "" {
		m["objectId"] = id
	}
	if !o.createdAt.IsZero() {
		m["createdAt"] = formatDate(o.createdAt)
	}
	if !o.updatedAt.IsZero() {
		m["updatedAt"] = formatDate(o.updatedAt)
	}
	return m, nil
}

// cloneValue copies containers so callers cannot mutate field state.
// Nested objects and files are shared, never copied: deep save and Revert
// rely on their identity. Every other container is deep copied.
func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case ACL:
		var out ACL
		if err := deepcopy.Copy(&out, &t); err != nil {
			return t.clone()
		}
		return out
	case Bytes:
		var out Bytes
		if err := deepcopy.Copy(&out, &t); err != nil {
			return append(Bytes{}, t...)
		}
		return out
	case Polygon:
		var out Polygon
		if err := deepcopy.Copy(&out, &t); err != nil {
			return t
		}
		return out
	}
	return v
}
