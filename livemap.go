package liveobjects

import (
	"slices"
	"time"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/serial"
)

type mapEntry struct {
	tombstone    bool
	tombstonedAt time.Time
	// timeserial of the last operation applied to the entry, empty when
	// the entry came from a create payload without one.
	timeserial string
	data       protocol.ObjectData
}

// LiveMap is a last-write-wins map. Each entry keeps the serial of the
// last write, removed entries stay as tombstones until collected.
type LiveMap struct {
	liveObject
	semantics protocol.MapSemantics
	entries   map[string]*mapEntry
}

func newLiveMap(objects *Objects, id string) *LiveMap {
	return &LiveMap{
		liveObject: newLiveObject(objects, id),
		semantics:  protocol.MapSemanticsLWW,
		entries:    make(map[string]*mapEntry),
	}
}

func (m *LiveMap) Type() protocol.ObjectType {
	return protocol.TypeMap
}

func (m *LiveMap) applyOperation(msg *protocol.ObjectMessage, src source) (upd Update, ok bool) {
	op := msg.Operation
	if src == sourceEcho {
		defer m.advance(msg, src)
	}
	if m.tombstone {
		m.advance(msg, src)
		return Update{}, false
	}
	switch op.Action {
	case protocol.MapCreate:
		return m.applyCreate(msg, src)
	case protocol.MapSet:
		if op.MapOp == nil || op.MapOp.Data.IsZero() {
			m.objects.log.Warn("map set without data", "objectId", m.id, "serial", msg.Serial)
			return Update{}, false
		}
		return m.applySet(msg, op.MapOp.Key, op.MapOp.Data, src)
	case protocol.MapRemove:
		if op.MapOp == nil {
			m.objects.log.Warn("map remove without key", "objectId", m.id, "serial", msg.Serial)
			return Update{}, false
		}
		return m.applyRemove(msg, op.MapOp.Key, src)
	case protocol.ObjectDelete:
		return m.applyDelete(msg, src)
	}
	m.objects.log.Warn("operation does not fit a map", "objectId", m.id, "action", op.Action.String())
	return Update{}, false
}

func (m *LiveMap) applyCreate(msg *protocol.ObjectMessage, src source) (Update, bool) {
	if m.createMerged {
		m.objects.log.Debug("map create already merged", "objectId", m.id, "serial", msg.Serial)
		return Update{}, false
	}
	upd := m.mergeCreate(msg.Operation)
	m.advance(msg, src)
	upd.Message = msg
	return upd, true
}

// mergeCreate folds the initial entries of a create operation in. An
// entry already written by a later operation wins over the payload.
func (m *LiveMap) mergeCreate(op *protocol.ObjectOperation) Update {
	upd := Update{ObjectID: m.id, Keys: map[string]KeyChange{}}
	m.createMerged = true
	if op.Map == nil {
		return upd
	}
	m.semantics = op.Map.Semantics
	for key, in := range op.Map.Entries {
		cur := m.entries[key]
		if cur != nil && cur.timeserial != "" &&
			(in.Timeserial == "" || !serial.Later(in.Timeserial, cur.timeserial)) {
			continue
		}
		visible := cur != nil && !cur.tombstone
		e := &mapEntry{timeserial: in.Timeserial}
		if in.Tombstone {
			e.tombstone = true
			e.tombstonedAt = m.objects.timeOrNow(in.SerialTimestamp)
			if visible {
				upd.Keys[key] = KeyRemoved
			}
		} else {
			e.data = in.Data
			upd.Keys[key] = KeyUpdated
		}
		m.entries[key] = e
	}
	return upd
}

// canApplyEntry is the per-entry gate: a serial newer than the entry's
// one, or newer than the site's one when the entry has none.
func (m *LiveMap) canApplyEntry(e *mapEntry, msg *protocol.ObjectMessage) bool {
	if e != nil && e.timeserial != "" {
		return serial.Later(msg.Serial, e.timeserial)
	}
	return m.canApply(msg)
}

func (m *LiveMap) applySet(msg *protocol.ObjectMessage, key string, data protocol.ObjectData, src source) (Update, bool) {
	e := m.entries[key]
	if !m.canApplyEntry(e, msg) {
		return Update{}, false
	}
	if data.IsRef() {
		if _, err := m.objects.pool.getOrCreatePlaceholder(data.ObjectID); err != nil {
			m.objects.log.Warn("map set references a bad object id", "objectId", m.id, "ref", data.ObjectID, "err", err)
			return Update{}, false
		}
	}
	changed := e == nil || e.tombstone || !e.data.Equal(data)
	if e == nil {
		e = &mapEntry{}
		m.entries[key] = e
	}
	e.tombstone = false
	e.tombstonedAt = time.Time{}
	e.data = data
	if src != sourceLocal {
		e.timeserial = msg.Serial
	}
	m.advance(msg, src)

	upd := Update{ObjectID: m.id, Message: msg, Keys: map[string]KeyChange{}}
	if changed || src != sourceEcho {
		upd.Keys[key] = KeyUpdated
	}
	return upd, true
}

func (m *LiveMap) applyRemove(msg *protocol.ObjectMessage, key string, src source) (Update, bool) {
	e := m.entries[key]
	if !m.canApplyEntry(e, msg) {
		return Update{}, false
	}
	changed := e != nil && !e.tombstone
	if e == nil {
		e = &mapEntry{}
		m.entries[key] = e
	}
	if !e.tombstone {
		e.tombstonedAt = m.objects.timeOf(msg)
	}
	e.tombstone = true
	e.data = protocol.ObjectData{}
	if src != sourceLocal {
		e.timeserial = msg.Serial
	}
	m.advance(msg, src)

	upd := Update{ObjectID: m.id, Message: msg, Keys: map[string]KeyChange{}}
	if changed || src != sourceEcho {
		upd.Keys[key] = KeyRemoved
	}
	return upd, true
}

func (m *LiveMap) applyDelete(msg *protocol.ObjectMessage, src source) (Update, bool) {
	if m.id == protocol.RootObjectID {
		m.objects.log.Debug("root can not be deleted", "serial", msg.Serial)
		return Update{}, false
	}
	if !m.canApply(msg) {
		return Update{}, false
	}
	upd := m.clearData()
	m.tombstoneAt(msg)
	m.advance(msg, src)
	upd.Message = msg
	upd.Deleted = true
	return upd, true
}

func (m *LiveMap) clearData() Update {
	upd := Update{ObjectID: m.id, Keys: map[string]KeyChange{}}
	for key, e := range m.entries {
		if !e.tombstone {
			upd.Keys[key] = KeyRemoved
		}
	}
	m.entries = make(map[string]*mapEntry)
	return upd
}

func (m *LiveMap) visibleData() map[string]protocol.ObjectData {
	ret := make(map[string]protocol.ObjectData, len(m.entries))
	for key, e := range m.entries {
		if !e.tombstone {
			ret[key] = e.data
		}
	}
	return ret
}

func (m *LiveMap) overrideWithState(st *protocol.ObjectState) Update {
	if m.tombstone {
		return Update{}
	}
	prev := m.visibleData()
	deleted := m.overrideBase(st)
	m.entries = make(map[string]*mapEntry)
	if !deleted {
		if st.Map != nil {
			m.semantics = st.Map.Semantics
			for key, in := range st.Map.Entries {
				e := &mapEntry{tombstone: in.Tombstone, timeserial: in.Timeserial}
				if in.Tombstone {
					e.tombstonedAt = m.objects.timeOrNow(in.SerialTimestamp)
				} else {
					e.data = in.Data
				}
				m.entries[key] = e
			}
		}
		if st.CreateOp != nil {
			m.mergeCreate(st.CreateOp)
		}
	}

	upd := Update{ObjectID: m.id, Keys: map[string]KeyChange{}, Deleted: deleted}
	cur := m.visibleData()
	for key := range prev {
		if _, ok := cur[key]; !ok {
			upd.Keys[key] = KeyRemoved
		}
	}
	for key, data := range cur {
		if was, ok := prev[key]; !ok || !was.Equal(data) {
			upd.Keys[key] = KeyUpdated
		}
	}
	return upd
}

func (m *LiveMap) state() *protocol.ObjectState {
	st := m.baseState()
	st.Map = &protocol.ObjectsMap{Semantics: m.semantics, Entries: make(map[string]protocol.MapEntry, len(m.entries))}
	for key, e := range m.entries {
		st.Map.Entries[key] = protocol.MapEntry{
			Tombstone:       e.tombstone,
			Timeserial:      e.timeserial,
			SerialTimestamp: e.tombstonedAt,
			Data:            e.data,
		}
	}
	if m.createMerged {
		st.CreateOp = &protocol.ObjectOperation{Action: protocol.MapCreate, ObjectID: m.id, Map: &protocol.ObjectsMap{}}
	}
	return st
}

// entry returns a visible entry. A reference to a missing or deleted
// object reads as absent.
func (m *LiveMap) entry(key string) (protocol.ObjectData, bool) {
	if m.tombstone {
		return protocol.ObjectData{}, false
	}
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return protocol.ObjectData{}, false
	}
	if e.data.IsRef() {
		obj, ok := m.objects.pool.get(e.data.ObjectID)
		if !ok || obj.IsTombstoned() {
			return protocol.ObjectData{}, false
		}
	}
	return e.data, true
}

func (m *LiveMap) keys() []string {
	ret := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if _, ok := m.entry(key); ok {
			ret = append(ret, key)
		}
	}
	slices.Sort(ret)
	return ret
}

// collectEntries drops entries tombstoned at least grace ago.
func (m *LiveMap) collectEntries(now time.Time, grace time.Duration) (purged int) {
	for key, e := range m.entries {
		if e.tombstone && now.Sub(e.tombstonedAt) >= grace {
			delete(m.entries, key)
			purged++
		}
	}
	return
}
