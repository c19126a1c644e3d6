package parse

import (
	"context"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Single objects
// ============================================================================

// Save persists o and, first, every unsaved object and file it references.
// Saves of the same object are serialized. When a child fails the remaining
// graph is abandoned; objects saved before the failure stay saved.
func (c *Client) Save(ctx context.Context, o *Object, opts ...RequestOption) error {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	if err := c.saveChildren(ctx, o, map[*Object]bool{o: true}, opts); err != nil {
		return err
	}
	if !o.Dirty() {
		return nil
	}
	plan, err := buildSave(o)
	if err != nil {
		return err
	}
	if err := c.executeSave(ctx, plan, opts); err != nil {
		return err
	}
	return c.syncCurrent(ctx, o)
}

// Fetch replaces o with the server's copy. Pending changes are discarded.
func (c *Client) Fetch(ctx context.Context, o *Object, include ...string) error {
	return c.FetchWithOptions(ctx, o, include, nil)
}

// FetchWithOptions is Fetch with request options.
func (c *Client) FetchWithOptions(ctx context.Context, o *Object, include []string, opts []RequestOption) error {
	cmd, err := FetchCommand(o, include...)
	if err != nil {
		return err
	}
	data, err := c.Execute(ctx, cmd, opts...)
	if err != nil {
		return err
	}
	m, err := decodeMap(data)
	if err != nil {
		return err
	}
	return o.mergeServer(m, true)
}

// Get fetches an object by class and id.
func (c *Client) Get(ctx context.Context, className, objectID string, include ...string) (*Object, error) {
	o := NewObjectWithID(className, objectID)
	if err := c.Fetch(ctx, o, include...); err != nil {
		return nil, err
	}
	return o, nil
}

// Delete removes o from the server.
func (c *Client) Delete(ctx context.Context, o *Object, opts ...RequestOption) error {
	cmd, err := DeleteCommand(o)
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, cmd, opts...)
	return err
}

// ============================================================================
// Many objects
// ============================================================================

// SaveAll deep-saves the children of every object, then saves the objects
// themselves in batches of Config.BatchLimit sent concurrently.
func (c *Client) SaveAll(ctx context.Context, objects []*Object, opts ...RequestOption) error {
	roots := uniqueObjects(objects)
	held := make(map[*Object]bool, len(roots))
	for _, o := range roots {
		o.saveMu.Lock()
		held[o] = true
	}
	defer func() {
		for _, o := range roots {
			o.saveMu.Unlock()
		}
	}()

	for _, o := range roots {
		if err := c.saveChildren(ctx, o, held, opts); err != nil {
			return err
		}
	}
	plans := make([]savePlan, 0, len(roots))
	for _, o := range roots {
		if !o.Dirty() {
			continue
		}
		plan, err := buildSave(o)
		if err != nil {
			return err
		}
		plans = append(plans, plan)
	}
	if err := c.savePlans(ctx, plans, opts); err != nil {
		return err
	}
	for _, o := range roots {
		if err := c.syncCurrent(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll removes objects in batches. Every object must have an id; this
// is checked before anything is sent.
func (c *Client) DeleteAll(ctx context.Context, objects []*Object, opts ...RequestOption) error {
	cmds := make([]Command, 0, len(objects))
	for _, o := range objects {
		cmd, err := DeleteCommand(o)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}
	results, err := c.executeBatch(ctx, cmds, opts)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != nil {
			return r.Error
		}
	}
	return nil
}

// ============================================================================
// Save internals
// ============================================================================

// saveChildren uploads unsaved files and saves unsaved descendants of root,
// lowest level first. held lists objects whose save lock the caller owns.
func (c *Client) saveChildren(ctx context.Context, root *Object, held map[*Object]bool, opts []RequestOption) error {
	graph, err := resolveGraph(root)
	if err != nil {
		return err
	}
	for _, f := range graph.files {
		if err := c.SaveFile(ctx, f, opts...); err != nil {
			return err
		}
	}
	for _, level := range graph.levels {
		if err := c.saveLevel(ctx, level, held, opts); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) saveLevel(ctx context.Context, level []*Object, held map[*Object]bool, opts []RequestOption) error {
	var locked []*Object
	for _, o := range level {
		if !held[o] {
			o.saveMu.Lock()
			locked = append(locked, o)
		}
	}
	defer func() {
		for _, o := range locked {
			o.saveMu.Unlock()
		}
	}()

	plans := make([]savePlan, 0, len(level))
	for _, o := range level {
		if !o.Dirty() {
			continue
		}
		plan, err := buildSave(o)
		if err != nil {
			return err
		}
		plans = append(plans, plan)
	}
	c.log.Debugw("saving graph level", "objects", len(plans))
	return c.savePlans(ctx, plans, opts)
}

// savePlans sends one plan on its own and several through /batch.
func (c *Client) savePlans(ctx context.Context, plans []savePlan, opts []RequestOption) error {
	switch len(plans) {
	case 0:
		return nil
	case 1:
		return c.executeSave(ctx, plans[0], opts)
	}
	cmds := make([]Command, len(plans))
	for i, p := range plans {
		cmds[i] = p.cmd
	}
	results, err := c.executeBatch(ctx, cmds, opts)
	if err != nil {
		return err
	}
	var firstErr error
	for i, r := range results {
		if r.Error != nil {
			if firstErr == nil {
				firstErr = r.Error
			}
			continue
		}
		if err := mergeSavedRaw(plans[i], r.Success); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) executeSave(ctx context.Context, plan savePlan, opts []RequestOption) error {
	data, err := c.Execute(ctx, plan.cmd, opts...)
	if err != nil {
		return err
	}
	return mergeSavedRaw(plan, data)
}

func mergeSavedRaw(plan savePlan, data []byte) error {
	m, err := decodeMap(data)
	if err != nil {
		return err
	}
	return plan.obj.mergeSaved(m, plan.rev, plan.ops)
}

// executeBatch sends commands through /batch in chunks of BatchLimit, the
// chunks running concurrently. Results keep the order of cmds.
func (c *Client) executeBatch(ctx context.Context, cmds []Command, opts []RequestOption) ([]batchResponse, error) {
	results := make([]batchResponse, len(cmds))
	limit := c.cfg.BatchLimit
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(cmds); start += limit {
		end := min(start+limit, len(cmds))
		chunk := cmds[start:end]
		offset := start
		g.Go(func() error {
			batch, err := batchCommand(c.cfg.mountPath(), chunk)
			if err != nil {
				return err
			}
			data, err := c.Execute(gctx, batch, opts...)
			if err != nil {
				return err
			}
			var out []batchResponse
			if err := json.Unmarshal(data, &out); err != nil {
				return wrapError(KindDecodingError, CodeInvalidJSON, "decode batch response", err)
			}
			if len(out) != len(chunk) {
				return newError(KindDecodingError, CodeInvalidJSON,
					"batch returned %d results for %d requests", len(out), len(chunk))
			}
			copy(results[offset:], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func uniqueObjects(objects []*Object) []*Object {
	seen := map[*Object]bool{}
	out := make([]*Object, 0, len(objects))
	for _, o := range objects {
		if o == nil || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].identityKey() < out[j].identityKey()
	})
	return out
}
