package liveobjects

import (
	"time"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/serial"
)

// LiveObject is a map or a counter held by the objects pool.
// There is exactly one instance per object id for the pool's lifetime.
type LiveObject interface {
	ObjectID() string
	Type() protocol.ObjectType
	IsTombstoned() bool
	TombstonedAt() time.Time

	base() *liveObject
	applyOperation(msg *protocol.ObjectMessage, src source) (Update, bool)
	overrideWithState(state *protocol.ObjectState) Update
	clearData() Update
	state() *protocol.ObjectState
}

// source tells the engine where an operation came from.
type source byte

const (
	// sourceRemote is an operation delivered by the channel.
	sourceRemote source = iota
	// sourceLocal is an own operation applied on ACK: no serial bookkeeping.
	sourceLocal
	// sourceEcho is the delivery of an operation already applied on ACK.
	sourceEcho
)

func (s source) String() string {
	switch s {
	case sourceLocal:
		return "local"
	case sourceEcho:
		return "echo"
	default:
		return "remote"
	}
}

type KeyChange string

const (
	KeyUpdated KeyChange = "updated"
	KeyRemoved KeyChange = "removed"
)

// Update is the diff produced by one accepted change to one object.
type Update struct {
	ObjectID string
	// Message is nil for changes made by a sync sequence or a reset.
	Message *protocol.ObjectMessage
	Keys    map[string]KeyChange
	Amount  float64
	Deleted bool
}

func (u *Update) IsNoop() bool {
	return len(u.Keys) == 0 && u.Amount == 0 && !u.Deleted
}

type liveObject struct {
	objects         *Objects
	id              string
	siteTimeserials serial.VV
	createMerged    bool
	tombstone       bool
	tombstonedAt    time.Time
}

func newLiveObject(objects *Objects, id string) liveObject {
	return liveObject{
		objects:         objects,
		id:              id,
		siteTimeserials: serial.VV{},
	}
}

func (lo *liveObject) base() *liveObject {
	return lo
}

func (lo *liveObject) ObjectID() string {
	return lo.id
}

func (lo *liveObject) IsTombstoned() bool {
	return lo.tombstone
}

func (lo *liveObject) TombstonedAt() time.Time {
	return lo.tombstonedAt
}

// canApply is the object-level gate: the operation must be newer than
// anything seen from its site.
func (lo *liveObject) canApply(msg *protocol.ObjectMessage) bool {
	return !lo.siteTimeserials.LaterOrEqual(msg.SiteCode, msg.Serial)
}

// advance records the operation serial unless it was applied locally.
func (lo *liveObject) advance(msg *protocol.ObjectMessage, src source) {
	if src != sourceLocal {
		lo.siteTimeserials.Put(msg.SiteCode, msg.Serial)
	}
}

func (lo *liveObject) tombstoneAt(msg *protocol.ObjectMessage) {
	lo.tombstone = true
	lo.tombstonedAt = lo.objects.timeOf(msg)
}

// baseState fills the fields shared by both object types.
func (lo *liveObject) baseState() *protocol.ObjectState {
	return &protocol.ObjectState{
		ObjectID:        lo.id,
		SiteTimeserials: lo.siteTimeserials.Clone(),
		Tombstone:       lo.tombstone,
	}
}

// overrideBase replaces the serial vector from a sync state. A local
// tombstone is kept: objects are never revived.
func (lo *liveObject) overrideBase(st *protocol.ObjectState) (deleted bool) {
	lo.siteTimeserials = st.SiteTimeserials.Clone()
	lo.createMerged = false
	if st.Tombstone && !lo.tombstone {
		lo.tombstone = true
		lo.tombstonedAt = lo.objects.now()
		return true
	}
	return false
}
