package liveobjects

import (
	"encoding/base64"
)

// compactLocked turns the target into plain Go values. Maps reached
// more than once, cycles included, share one Go map.
func (o *Objects) compactLocked(r resolved) any {
	if r.obj == nil {
		return r.data.Native()
	}
	return o.compactObjectLocked(r.obj, make(map[string]map[string]any))
}

func (o *Objects) compactObjectLocked(obj LiveObject, memo map[string]map[string]any) any {
	switch obj := obj.(type) {
	case *LiveCounter:
		return obj.value()
	case *LiveMap:
		if out, ok := memo[obj.id]; ok {
			return out
		}
		out := make(map[string]any)
		memo[obj.id] = out
		for _, key := range obj.keys() {
			child, _ := o.resolveEntryLocked(obj, key)
			if child.obj != nil {
				out[key] = o.compactObjectLocked(child.obj, memo)
			} else {
				out[key] = child.data.Native()
			}
		}
		return out
	}
	return nil
}

// compactJSONLocked is compactLocked for encoding/json: a cycle back
// to a map being expanded becomes {"objectId": id} and bytes become
// base64 strings. A map reached again outside a cycle reuses its result.
func (o *Objects) compactJSONLocked(r resolved) any {
	if r.obj == nil {
		return jsonNative(r)
	}
	c := jsonCompactor{objects: o, expanding: make(map[string]bool), done: make(map[string]map[string]any)}
	return c.compact(r.obj)
}

func jsonNative(r resolved) any {
	if b, ok := r.data.Native().([]byte); ok {
		return base64.StdEncoding.EncodeToString(b)
	}
	return r.data.Native()
}

type jsonCompactor struct {
	objects   *Objects
	expanding map[string]bool
	done      map[string]map[string]any
}

func (c *jsonCompactor) compact(obj LiveObject) any {
	switch obj := obj.(type) {
	case *LiveCounter:
		return obj.value()
	case *LiveMap:
		if out, ok := c.done[obj.id]; ok {
			return out
		}
		if c.expanding[obj.id] {
			return map[string]any{"objectId": obj.id}
		}
		c.expanding[obj.id] = true
		out := make(map[string]any)
		for _, key := range obj.keys() {
			child, _ := c.objects.resolveEntryLocked(obj, key)
			if child.obj != nil {
				out[key] = c.compact(child.obj)
			} else {
				out[key] = jsonNative(child)
			}
		}
		delete(c.expanding, obj.id)
		c.done[obj.id] = out
		return out
	}
	return nil
}
