package liveobjects

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
)

// ParsePath splits a dot separated path. A literal dot or backslash in
// a key is escaped with a backslash. The empty path is root.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	var segs []string
	var cur strings.Builder
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '\\':
			if i+1 == len(path) || (path[i+1] != '.' && path[i+1] != '\\') {
				return nil, liveobjects_errors.ValidationError("bad escape at %d in path %q", i, path)
			}
			i++
			cur.WriteByte(path[i])
		case '.':
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(segs, cur.String()), nil
}

// FormatPath is the inverse of ParsePath.
func FormatPath(segs []string) string {
	escaped := make([]string, len(segs))
	for i, seg := range segs {
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		escaped[i] = strings.ReplaceAll(seg, `.`, `\.`)
	}
	return strings.Join(escaped, ".")
}

func (o *Objects) parsePath(path string) ([]string, error) {
	if segs, ok := o.paths.Get(path); ok {
		return segs, nil
	}
	segs, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	o.paths.Add(path, segs)
	return segs, nil
}

// resolved is what a path or an entry points at: a live object or a
// primitive value.
type resolved struct {
	obj  LiveObject
	data protocol.ObjectData
}

func (o *Objects) resolveEntryLocked(m *LiveMap, key string) (resolved, bool) {
	data, ok := m.entry(key)
	if !ok {
		return resolved{}, false
	}
	if !data.IsRef() {
		return resolved{data: data}, true
	}
	obj, ok := o.pool.get(data.ObjectID)
	return resolved{obj: obj}, ok
}

func (o *Objects) resolvePathLocked(path []string) (resolved, bool) {
	cur := resolved{obj: o.pool.root()}
	for _, key := range path {
		m, ok := cur.obj.(*LiveMap)
		if !ok {
			return resolved{}, false
		}
		if cur, ok = o.resolveEntryLocked(m, key); !ok {
			return resolved{}, false
		}
	}
	if cur.obj != nil && cur.obj.IsTombstoned() {
		return resolved{}, false
	}
	return cur, true
}

// PathObject is a view of whatever currently lives at a path from
// root. It resolves the path again on every call.
type PathObject struct {
	objects *Objects
	path    []string
}

func (p *PathObject) Path() string {
	return FormatPath(p.path)
}

// At returns the view of a relative path.
func (p *PathObject) At(path string) (*PathObject, error) {
	segs, err := p.objects.parsePath(path)
	if err != nil {
		return nil, err
	}
	return &PathObject{objects: p.objects, path: slices.Concat(p.path, segs)}, nil
}

func (p *PathObject) Get(key string) *PathObject {
	return &PathObject{objects: p.objects, path: slices.Concat(p.path, []string{key})}
}

func (p *PathObject) resolveLocked() (resolved, bool) {
	return p.objects.resolvePathLocked(p.path)
}

// Instance binds to the object currently at the path, nil if none.
func (p *PathObject) Instance() *Instance {
	o := p.objects
	o.lock.RLock()
	defer o.lock.RUnlock()
	r, ok := p.resolveLocked()
	if !ok {
		return nil
	}
	return o.instanceLocked(r)
}

// Value is the number of a counter or the value of a primitive. Maps
// and unresolved paths give nil.
func (p *PathObject) Value() any {
	p.objects.lock.RLock()
	defer p.objects.lock.RUnlock()
	r, _ := p.resolveLocked()
	return r.value()
}

func (p *PathObject) Size() int {
	p.objects.lock.RLock()
	defer p.objects.lock.RUnlock()
	r, _ := p.resolveLocked()
	return len(r.keys())
}

func (p *PathObject) Keys() []string {
	p.objects.lock.RLock()
	defer p.objects.lock.RUnlock()
	r, _ := p.resolveLocked()
	return r.keys()
}

// Entries yields the child views of a map, in key order.
func (p *PathObject) Entries() iter.Seq2[string, *PathObject] {
	return func(yield func(string, *PathObject) bool) {
		for _, key := range p.Keys() {
			if !yield(key, p.Get(key)) {
				return
			}
		}
	}
}

func (p *PathObject) Values() iter.Seq[*PathObject] {
	return func(yield func(*PathObject) bool) {
		for _, child := range p.Entries() {
			if !yield(child) {
				return
			}
		}
	}
}

func (p *PathObject) Compact() any {
	p.objects.lock.RLock()
	defer p.objects.lock.RUnlock()
	r, ok := p.resolveLocked()
	if !ok {
		return nil
	}
	return p.objects.compactLocked(r)
}

func (p *PathObject) CompactJSON() any {
	p.objects.lock.RLock()
	defer p.objects.lock.RUnlock()
	r, ok := p.resolveLocked()
	if !ok {
		return nil
	}
	return p.objects.compactJSONLocked(r)
}

// target resolves the path for a write.
func (p *PathObject) target() (LiveObject, error) {
	if err := p.objects.checkWritable(); err != nil {
		return nil, err
	}
	p.objects.lock.RLock()
	defer p.objects.lock.RUnlock()
	r, ok := p.resolveLocked()
	if !ok {
		return nil, liveobjects_errors.PathNotResolvedError(p.Path())
	}
	if r.obj == nil {
		return nil, liveobjects_errors.TypeMismatchError("write", "object", r.data.Kind.String())
	}
	return r.obj, nil
}

func (p *PathObject) Set(ctx context.Context, key string, value any) error {
	obj, err := p.target()
	if err != nil {
		return err
	}
	msgs, err := p.objects.setMessages(obj, key, value)
	if err != nil {
		return err
	}
	return p.objects.publishAndApply(ctx, msgs)
}

func (p *PathObject) Remove(ctx context.Context, key string) error {
	obj, err := p.target()
	if err != nil {
		return err
	}
	msgs, err := p.objects.removeMessages(obj, key)
	if err != nil {
		return err
	}
	return p.objects.publishAndApply(ctx, msgs)
}

func (p *PathObject) Increment(ctx context.Context, amount float64) error {
	obj, err := p.target()
	if err != nil {
		return err
	}
	msgs, err := p.objects.incrementMessages(obj, amount)
	if err != nil {
		return err
	}
	return p.objects.publishAndApply(ctx, msgs)
}

func (p *PathObject) Decrement(ctx context.Context, amount float64) error {
	return p.Increment(ctx, -amount)
}

// Subscribe calls fn for changes at or below whatever lives at the
// path when the change happens. The returned func unsubscribes.
func (p *PathObject) Subscribe(fn func(Event), opts SubscribeOptions) (func(), error) {
	return p.objects.subscribe(&subscription{path: p.path, depth: opts.Depth, fn: fn})
}

// Events is Subscribe as a range-over-func sequence. It ends when ctx
// is done or the objects are closed, and yields an error if the
// consumer falls too far behind.
func (p *PathObject) Events(ctx context.Context, opts SubscribeOptions) iter.Seq2[Event, error] {
	return p.objects.events(ctx, subscription{path: p.path, depth: opts.Depth})
}

// Batch runs fn against the object at the path and publishes all the
// writes it staged at once.
func (p *PathObject) Batch(ctx context.Context, fn func(*BatchContext) error) error {
	obj, err := p.target()
	if err != nil {
		return err
	}
	return p.objects.runBatch(ctx, &Instance{objects: p.objects, id: obj.ObjectID(), obj: obj}, fn)
}
