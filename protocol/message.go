package protocol

import (
	"fmt"
	"time"

	"github.com/drpcorg/liveobjects/serial"
)

// Action is the kind of an object operation.
type Action byte

const (
	MapCreate Action = iota
	MapSet
	MapRemove
	CounterCreate
	CounterInc
	ObjectDelete
)

func (a Action) String() string {
	switch a {
	case MapCreate:
		return "MAP_CREATE"
	case MapSet:
		return "MAP_SET"
	case MapRemove:
		return "MAP_REMOVE"
	case CounterCreate:
		return "COUNTER_CREATE"
	case CounterInc:
		return "COUNTER_INC"
	case ObjectDelete:
		return "OBJECT_DELETE"
	}
	return fmt.Sprintf("ACTION_%d", byte(a))
}

func (a Action) IsCreate() bool {
	return a == MapCreate || a == CounterCreate
}

// MapSemantics is the conflict resolution policy of a map.
// Last-write-wins is the only one defined.
type MapSemantics byte

const MapSemanticsLWW MapSemantics = 0

type MapEntry struct {
	Tombstone bool `json:"tombstone,omitempty"`
	// Timeserial is the serial of the last operation applied to the entry.
	Timeserial      string     `json:"timeserial,omitempty"`
	SerialTimestamp time.Time  `json:"-"`
	Data            ObjectData `json:"data"`
}

type ObjectsMap struct {
	Semantics MapSemantics        `json:"semantics"`
	Entries   map[string]MapEntry `json:"entries"`
}

type ObjectsCounter struct {
	Count float64 `json:"count"`
}

type MapOp struct {
	Key  string     `json:"key"`
	Data ObjectData `json:"data"`
}

type CounterOp struct {
	Amount float64 `json:"amount"`
}

// ObjectOperation is the payload of an operation message.
type ObjectOperation struct {
	Action    Action
	ObjectID  string
	MapOp     *MapOp
	CounterOp *CounterOp
	// create payloads
	Map          *ObjectsMap
	Counter      *ObjectsCounter
	Nonce        string
	InitialValue []byte
}

// ObjectState is the full state of one object as delivered by a sync sequence.
type ObjectState struct {
	ObjectID        string
	SiteTimeserials serial.VV
	Tombstone       bool
	CreateOp        *ObjectOperation
	Map             *ObjectsMap
	Counter         *ObjectsCounter
}

// ObjectMessage carries either an operation or an object state.
type ObjectMessage struct {
	ID           string
	ClientID     string
	ConnectionID string
	Timestamp    time.Time
	// Serial and SiteCode are assigned by the site that accepted the message.
	Serial          string
	SiteCode        string
	SerialTimestamp time.Time
	Operation       *ObjectOperation
	Object          *ObjectState
}

// PublishResult is the acknowledgement of a publish: one serial per
// published message, empty when the site did not assign one.
type PublishResult struct {
	Serials []string
}

func (m *ObjectMessage) String() string {
	switch {
	case m.Operation != nil:
		return fmt.Sprintf("%s %s @%s", m.Operation.Action, m.Operation.ObjectID, m.Serial)
	case m.Object != nil:
		return fmt.Sprintf("STATE %s", m.Object.ObjectID)
	}
	return "EMPTY"
}

func (m *ObjectMessage) Clone() *ObjectMessage {
	cp := *m
	return &cp
}

func (m *ObjectsMap) Clone() *ObjectsMap {
	if m == nil {
		return nil
	}
	cp := &ObjectsMap{Semantics: m.Semantics, Entries: make(map[string]MapEntry, len(m.Entries))}
	for k, e := range m.Entries {
		cp.Entries[k] = e
	}
	return cp
}
