package parse

import (
	"sort"
	"strings"
)

// saveGraph is the result of walking an object graph before a save.
type saveGraph struct {
	// levels[i] holds objects whose unsaved descendants all sit in lower
	// levels. Saving level by level persists children before parents.
	levels [][]*Object
	// files that must be uploaded before any object referencing them.
	files []*File
}

type graphWalker struct {
	root     *Object
	onPath   map[string]bool
	path     []string
	heights  map[string]int
	byHeight map[int][]*Object
	files    []*File
	seen     map[*File]bool
}

// resolveGraph finds every object and file reachable from root that must be
// saved before root. Already saved objects without changes are leaves and
// are not descended into. Revisiting a node on the current path fails with
// a circular dependency error naming the chain.
func resolveGraph(root *Object) (*saveGraph, error) {
	w := &graphWalker{
		root:     root,
		onPath:   map[string]bool{},
		heights:  map[string]int{},
		byHeight: map[int][]*Object{},
		seen:     map[*File]bool{},
	}
	if _, err := w.visitObject(root); err != nil {
		return nil, err
	}

	g := &saveGraph{files: w.files}
	heights := make([]int, 0, len(w.byHeight))
	for h := range w.byHeight {
		heights = append(heights, h)
	}
	sort.Ints(heights)
	for _, h := range heights {
		level := w.byHeight[h]
		sort.Slice(level, func(i, j int) bool {
			return level[i].identityKey() < level[j].identityKey()
		})
		g.levels = append(g.levels, level)
	}
	return g, nil
}

// visitObject returns the object's height: -1 for nodes that need no save,
// otherwise one more than its highest unsaved descendant.
func (w *graphWalker) visitObject(o *Object) (int, error) {
	key := o.identityKey()
	if w.onPath[key] {
		return 0, w.cycle(key)
	}
	if h, ok := w.heights[key]; ok {
		return h, nil
	}
	if o != w.root && !o.Dirty() {
		w.heights[key] = -1
		return -1, nil
	}

	w.onPath[key] = true
	w.path = append(w.path, key)

	o.mu.RLock()
	values := make([]any, 0, len(o.fields))
	for _, v := range o.fields {
		values = append(values, v)
	}
	// relation targets are only referenced from the pending ops
	for _, op := range o.ops {
		if op.Kind == OpAddRelation || op.Kind == OpRemoveRelation {
			values = append(values, op.Objects...)
		}
	}
	o.mu.RUnlock()

	height := 0
	for _, v := range values {
		h, err := w.visitValue(v)
		if err != nil {
			return 0, err
		}
		if h+1 > height {
			height = h + 1
		}
	}

	w.path = w.path[:len(w.path)-1]
	delete(w.onPath, key)
	w.heights[key] = height
	if o != w.root {
		w.byHeight[height] = append(w.byHeight[height], o)
	}
	return height, nil
}

func (w *graphWalker) visitValue(v any) (int, error) {
	switch t := v.(type) {
	case *Object:
		return w.visitObject(t)
	case Pointer:
		if w.onPath[t.key()] {
			return 0, w.cycle(t.key())
		}
	case *File:
		if !t.Saved() && !w.seen[t] {
			w.seen[t] = true
			w.files = append(w.files, t)
		}
	case []any:
		return w.visitAll(t)
	case map[string]any:
		items := make([]any, 0, len(t))
		for _, item := range t {
			items = append(items, item)
		}
		return w.visitAll(items)
	}
	return -1, nil
}

func (w *graphWalker) visitAll(items []any) (int, error) {
	height := -1
	for _, item := range items {
		h, err := w.visitValue(item)
		if err != nil {
			return 0, err
		}
		if h > height {
			height = h
		}
	}
	return height, nil
}

func (w *graphWalker) cycle(key string) error {
	chain := append(append([]string{}, w.path...), key)
	return newError(KindCircularDependency, CodeOtherCause,
		"found a circular dependency when saving: %s", strings.Join(chain, " -> "))
}
