package liveobjects

import (
	"slices"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/serial"
	"github.com/puzpuzpuz/xsync/v3"
)

// pool keeps the one live instance of every known object.
// Mutations happen under the engine lock.
type pool struct {
	objects *Objects
	m       *xsync.MapOf[string, LiveObject]
}

func newPool(objects *Objects) *pool {
	p := &pool{
		objects: objects,
		m:       xsync.NewMapOf[string, LiveObject](),
	}
	p.m.Store(protocol.RootObjectID, newLiveMap(objects, protocol.RootObjectID))
	return p
}

func (p *pool) get(id string) (LiveObject, bool) {
	return p.m.Load(id)
}

func (p *pool) root() *LiveMap {
	root, _ := p.m.Load(protocol.RootObjectID)
	return root.(*LiveMap)
}

func (p *pool) set(obj LiveObject) {
	p.m.Store(obj.ObjectID(), obj)
}

// newObject makes an empty object of the type encoded in the id.
func (p *pool) newObject(id string) (LiveObject, error) {
	typ, err := protocol.TypeOf(id)
	if err != nil {
		return nil, liveobjects_errors.InvalidObjectIDError(id, err)
	}
	if typ == protocol.TypeCounter {
		return newLiveCounter(p.objects, id), nil
	}
	return newLiveMap(p.objects, id), nil
}

// getOrCreatePlaceholder returns the object, adding a zero-value one
// when the id is not known yet.
func (p *pool) getOrCreatePlaceholder(id string) (LiveObject, error) {
	if obj, ok := p.m.Load(id); ok {
		return obj, nil
	}
	obj, err := p.newObject(id)
	if err != nil {
		return nil, err
	}
	p.m.Store(id, obj)
	return obj, nil
}

// purge removes the object physically. Root stays.
func (p *pool) purge(id string) {
	if id == protocol.RootObjectID {
		return
	}
	p.m.Delete(id)
}

func (p *pool) ids() []string {
	ret := make([]string, 0, p.m.Size())
	p.m.Range(func(id string, _ LiveObject) bool {
		ret = append(ret, id)
		return true
	})
	slices.Sort(ret)
	return ret
}

func (p *pool) size() int {
	return p.m.Size()
}

// resetToInitial clears every object and drops all but root.
func (p *pool) resetToInitial() (updates []Update) {
	for _, id := range p.ids() {
		obj, _ := p.m.Load(id)
		if upd := obj.clearData(); !upd.IsNoop() {
			updates = append(updates, upd)
		}
		p.purge(id)
	}
	root := p.root()
	root.siteTimeserials = serial.VV{}
	root.createMerged = false
	return
}
