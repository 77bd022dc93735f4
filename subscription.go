package liveobjects

import (
	"context"
	"errors"
	"iter"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/google/uuid"
)

type SubscribeOptions struct {
	// Depth limits how far below the target a change is reported:
	// 1 is the target only, 2 adds its children, 0 is unlimited.
	Depth int
}

// Event is one change delivered to a subscription.
type Event struct {
	// Object is the object that changed.
	Object  *Instance
	Message *protocol.ObjectMessage
	Update  Update
}

type subscription struct {
	id string
	// path subscriptions re-resolve their target on every change,
	// instance ones stay bound to obj.
	path    []string
	obj     LiveObject
	depth   int
	fn      func(Event)
	onClose func()
}

func (o *Objects) subscribe(sub *subscription) (func(), error) {
	if sub.depth < 0 {
		return nil, liveobjects_errors.ValidationError("subscription depth must be 0 or positive, got %d", sub.depth)
	}
	sub.id = uuid.NewString()
	o.subs.Store(sub.id, sub)
	return func() { o.unsubscribe(sub.id) }, nil
}

func (o *Objects) unsubscribe(id string) {
	if sub, ok := o.subs.LoadAndDelete(id); ok && sub.onClose != nil {
		sub.onClose()
	}
}

// events runs a fresh copy of sub for every range over the sequence.
// Breaking out of the loop unsubscribes before the loop statement returns.
func (o *Objects) events(ctx context.Context, sub subscription) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		q := utils.NewQueue[Event](o.opts.SubscriptionBuffer)
		s := sub
		s.fn = func(ev Event) {
			if err := q.Push(ev); errors.Is(err, utils.ErrOverflow) {
				o.log.Warn("subscription queue overflowed", "channel", o.channel.Name(), "objectId", ev.Update.ObjectID)
			}
		}
		s.onClose = func() { _ = q.Close() }
		unsubscribe, err := o.subscribe(&s)
		if err != nil {
			yield(Event{}, err)
			return
		}
		defer unsubscribe()
		for {
			ev, err := q.Pop(ctx)
			switch {
			case err == nil:
				if !yield(ev, nil) {
					return
				}
			case errors.Is(err, utils.ErrOverflow):
				yield(Event{}, err)
				return
			default:
				return
			}
		}
	}
}

func (o *Objects) subscriptionTargetLocked(sub *subscription) LiveObject {
	if sub.obj != nil {
		return sub.obj
	}
	r, ok := o.resolvePathLocked(sub.path)
	if !ok {
		return nil
	}
	return r.obj
}

// routeLocked queues delivery of the updates to every subscription
// whose target is close enough to the changed object.
func (o *Objects) routeLocked(n *notifications, updates []Update) {
	if len(updates) == 0 || o.subs.Size() == 0 {
		return
	}
	var subs []*subscription
	o.subs.Range(func(_ string, sub *subscription) bool {
		subs = append(subs, sub)
		return true
	})
	for _, upd := range updates {
		ev := Event{Object: o.instanceOfLocked(upd.ObjectID), Message: upd.Message, Update: upd}
		for _, sub := range subs {
			target := o.subscriptionTargetLocked(sub)
			hit := target != nil && o.withinDepthLocked(target, upd.ObjectID, sub.depth)
			if !hit && !o.pathKeyChangedLocked(sub, upd) {
				continue
			}
			id, fn := sub.id, sub.fn
			*n = append(*n, func() {
				if _, ok := o.subs.Load(id); ok {
					fn(ev)
				}
			})
		}
	}
}

// pathKeyChangedLocked tells whether the update changed the map entry
// a path subscription points at. This covers primitive values and keys
// that did not exist when the subscription was made.
func (o *Objects) pathKeyChangedLocked(sub *subscription, upd Update) bool {
	if sub.obj != nil || len(sub.path) == 0 {
		return false
	}
	if _, ok := upd.Keys[sub.path[len(sub.path)-1]]; !ok {
		return false
	}
	parent, ok := o.resolvePathLocked(sub.path[:len(sub.path)-1])
	return ok && parent.obj != nil && parent.obj.ObjectID() == upd.ObjectID
}

// withinDepthLocked tells whether changed is reachable from target in
// fewer than depth reference hops (any number when depth is 0).
func (o *Objects) withinDepthLocked(target LiveObject, changed string, depth int) bool {
	if target.ObjectID() == changed {
		return true
	}
	if depth == 1 {
		return false
	}
	type hop struct {
		id   string
		dist int
	}
	visited := map[string]bool{target.ObjectID(): true}
	queue := []hop{{target.ObjectID(), 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if depth > 0 && cur.dist+1 >= depth {
			continue
		}
		obj, ok := o.pool.get(cur.id)
		if !ok {
			continue
		}
		m, ok := obj.(*LiveMap)
		if !ok || m.tombstone {
			continue
		}
		for _, e := range m.entries {
			if e.tombstone || !e.data.IsRef() {
				continue
			}
			ref := e.data.ObjectID
			if ref == changed {
				return true
			}
			if !visited[ref] {
				visited[ref] = true
				queue = append(queue, hop{ref, cur.dist + 1})
			}
		}
	}
	return false
}

func (o *Objects) instanceOfLocked(id string) *Instance {
	obj, ok := o.pool.get(id)
	if !ok {
		return &Instance{objects: o, id: id}
	}
	return &Instance{objects: o, id: id, obj: obj}
}
