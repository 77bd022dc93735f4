package protocol

import (
	"encoding/json"
)

// Size is the number of bytes the message counts against the
// negotiated maximum message size.
func (m *ObjectMessage) Size() int {
	size := len(m.ClientID)
	if m.Operation != nil {
		size += m.Operation.Size()
	}
	if m.Object != nil {
		size += m.Object.Size()
	}
	return size
}

func (op *ObjectOperation) Size() (size int) {
	if op.MapOp != nil {
		size += len(op.MapOp.Key) + op.MapOp.Data.Size()
	}
	if op.CounterOp != nil {
		size += 8
	}
	size += op.Map.Size()
	if op.Counter != nil {
		size += 8
	}
	return
}

func (s *ObjectState) Size() (size int) {
	size += s.Map.Size()
	if s.Counter != nil {
		size += 8
	}
	if s.CreateOp != nil {
		size += s.CreateOp.Size()
	}
	return
}

func (m *ObjectsMap) Size() (size int) {
	if m == nil {
		return 0
	}
	for key, e := range m.Entries {
		size += len(key) + e.Data.Size()
	}
	return
}

// Size of a value: byte length for strings and bytes, 8 for numbers,
// 1 for booleans, encoded length for json, 0 for references.
func (d ObjectData) Size() int {
	switch d.Kind {
	case KindString:
		return len(d.String)
	case KindBytes:
		return len(d.Bytes)
	case KindNumber:
		return 8
	case KindBool:
		return 1
	case KindJSON:
		raw, err := json.Marshal(d.JSON)
		if err != nil {
			return 0
		}
		return len(raw)
	}
	return 0
}

// MessagesSize sums the sizes of a publish request.
func MessagesSize(msgs []*ObjectMessage) (size int) {
	for _, m := range msgs {
		size += m.Size()
	}
	return
}
