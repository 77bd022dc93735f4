package liveobjects

import (
	"context"
	"iter"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
)

func (r resolved) value() any {
	switch obj := r.obj.(type) {
	case nil:
		return r.data.Native()
	case *LiveCounter:
		return obj.value()
	}
	return nil
}

func (r resolved) keys() []string {
	if m, ok := r.obj.(*LiveMap); ok {
		return m.keys()
	}
	return nil
}

func (o *Objects) instanceLocked(r resolved) *Instance {
	if r.obj != nil {
		return &Instance{objects: o, id: r.obj.ObjectID(), obj: r.obj}
	}
	return &Instance{objects: o, data: r.data}
}

// Instance is bound to one live object (or holds one primitive value)
// no matter where it is moved in the tree.
type Instance struct {
	objects *Objects
	id      string
	obj     LiveObject
	data    protocol.ObjectData
}

// ID of the object, empty for a primitive.
func (i *Instance) ID() string {
	return i.id
}

// Type is "map", "counter" or the kind of a primitive.
func (i *Instance) Type() string {
	if i.obj != nil {
		return string(i.obj.Type())
	}
	if i.id != "" {
		t, _ := protocol.TypeOf(i.id)
		return string(t)
	}
	return i.data.Kind.String()
}

func (i *Instance) resolveLocked() (resolved, bool) {
	if i.obj != nil {
		return resolved{obj: i.obj}, !i.obj.IsTombstoned()
	}
	return resolved{data: i.data}, !i.data.IsZero()
}

// Get returns the instance under key of a map, nil if there is none.
func (i *Instance) Get(key string) *Instance {
	o := i.objects
	o.lock.RLock()
	defer o.lock.RUnlock()
	r, ok := i.resolveLocked()
	if !ok {
		return nil
	}
	m, ok := r.obj.(*LiveMap)
	if !ok {
		return nil
	}
	child, ok := o.resolveEntryLocked(m, key)
	if !ok {
		return nil
	}
	return o.instanceLocked(child)
}

func (i *Instance) Value() any {
	i.objects.lock.RLock()
	defer i.objects.lock.RUnlock()
	r, ok := i.resolveLocked()
	if !ok {
		return nil
	}
	return r.value()
}

func (i *Instance) Size() int {
	return len(i.Keys())
}

func (i *Instance) Keys() []string {
	i.objects.lock.RLock()
	defer i.objects.lock.RUnlock()
	r, ok := i.resolveLocked()
	if !ok {
		return nil
	}
	return r.keys()
}

func (i *Instance) Entries() iter.Seq2[string, *Instance] {
	return func(yield func(string, *Instance) bool) {
		for _, key := range i.Keys() {
			child := i.Get(key)
			if child == nil {
				continue
			}
			if !yield(key, child) {
				return
			}
		}
	}
}

func (i *Instance) Values() iter.Seq[*Instance] {
	return func(yield func(*Instance) bool) {
		for _, child := range i.Entries() {
			if !yield(child) {
				return
			}
		}
	}
}

func (i *Instance) Compact() any {
	i.objects.lock.RLock()
	defer i.objects.lock.RUnlock()
	r, ok := i.resolveLocked()
	if !ok {
		return nil
	}
	return i.objects.compactLocked(r)
}

func (i *Instance) CompactJSON() any {
	i.objects.lock.RLock()
	defer i.objects.lock.RUnlock()
	r, ok := i.resolveLocked()
	if !ok {
		return nil
	}
	return i.objects.compactJSONLocked(r)
}

func (i *Instance) target(op string) (LiveObject, error) {
	if err := i.objects.checkWritable(); err != nil {
		return nil, err
	}
	if i.obj == nil {
		return nil, liveobjects_errors.TypeMismatchError(op, "object", i.data.Kind.String())
	}
	i.objects.lock.RLock()
	deleted := i.obj.IsTombstoned()
	i.objects.lock.RUnlock()
	if deleted {
		return nil, liveobjects_errors.PathNotResolvedError(i.id)
	}
	return i.obj, nil
}

func (i *Instance) Set(ctx context.Context, key string, value any) error {
	obj, err := i.target("set")
	if err != nil {
		return err
	}
	msgs, err := i.objects.setMessages(obj, key, value)
	if err != nil {
		return err
	}
	return i.objects.publishAndApply(ctx, msgs)
}

func (i *Instance) Remove(ctx context.Context, key string) error {
	obj, err := i.target("remove")
	if err != nil {
		return err
	}
	msgs, err := i.objects.removeMessages(obj, key)
	if err != nil {
		return err
	}
	return i.objects.publishAndApply(ctx, msgs)
}

func (i *Instance) Increment(ctx context.Context, amount float64) error {
	obj, err := i.target("increment")
	if err != nil {
		return err
	}
	msgs, err := i.objects.incrementMessages(obj, amount)
	if err != nil {
		return err
	}
	return i.objects.publishAndApply(ctx, msgs)
}

func (i *Instance) Decrement(ctx context.Context, amount float64) error {
	return i.Increment(ctx, -amount)
}

// Subscribe calls fn for changes of this object and, within the
// depth, of the objects below it.
func (i *Instance) Subscribe(fn func(Event), opts SubscribeOptions) (func(), error) {
	if i.obj == nil {
		return nil, liveobjects_errors.TypeMismatchError("subscribe", "object", i.data.Kind.String())
	}
	return i.objects.subscribe(&subscription{obj: i.obj, depth: opts.Depth, fn: fn})
}

func (i *Instance) Events(ctx context.Context, opts SubscribeOptions) iter.Seq2[Event, error] {
	if i.obj == nil {
		return func(yield func(Event, error) bool) {
			yield(Event{}, liveobjects_errors.TypeMismatchError("subscribe", "object", i.data.Kind.String()))
		}
	}
	return i.objects.events(ctx, subscription{obj: i.obj, depth: opts.Depth})
}

func (i *Instance) Batch(ctx context.Context, fn func(*BatchContext) error) error {
	if _, err := i.target("batch"); err != nil {
		return err
	}
	return i.objects.runBatch(ctx, i, fn)
}
