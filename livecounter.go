package liveobjects

import (
	"github.com/drpcorg/liveobjects/protocol"
)

// LiveCounter is a number merged by summing increments.
type LiveCounter struct {
	liveObject
	count float64
}

func newLiveCounter(objects *Objects, id string) *LiveCounter {
	return &LiveCounter{liveObject: newLiveObject(objects, id)}
}

func (c *LiveCounter) Type() protocol.ObjectType {
	return protocol.TypeCounter
}

func (c *LiveCounter) applyOperation(msg *protocol.ObjectMessage, src source) (Update, bool) {
	op := msg.Operation
	// the delta of an echo was applied on ACK already
	if src == sourceEcho {
		c.advance(msg, src)
		return Update{ObjectID: c.id, Message: msg}, true
	}
	if c.tombstone {
		c.advance(msg, src)
		return Update{}, false
	}
	switch op.Action {
	case protocol.CounterCreate:
		if c.createMerged {
			c.objects.log.Debug("counter create already merged", "objectId", c.id, "serial", msg.Serial)
			return Update{}, false
		}
		upd := c.mergeCreate(op)
		c.advance(msg, src)
		upd.Message = msg
		return upd, true
	case protocol.CounterInc:
		if op.CounterOp == nil {
			c.objects.log.Warn("counter increment without amount", "objectId", c.id, "serial", msg.Serial)
			return Update{}, false
		}
		if !c.canApply(msg) {
			return Update{}, false
		}
		c.count += op.CounterOp.Amount
		c.advance(msg, src)
		return Update{ObjectID: c.id, Message: msg, Amount: op.CounterOp.Amount}, true
	case protocol.ObjectDelete:
		if !c.canApply(msg) {
			return Update{}, false
		}
		upd := c.clearData()
		c.tombstoneAt(msg)
		c.advance(msg, src)
		upd.Message = msg
		upd.Deleted = true
		return upd, true
	}
	c.objects.log.Warn("operation does not fit a counter", "objectId", c.id, "action", op.Action.String())
	return Update{}, false
}

func (c *LiveCounter) mergeCreate(op *protocol.ObjectOperation) Update {
	c.createMerged = true
	upd := Update{ObjectID: c.id}
	if op.Counter != nil {
		c.count += op.Counter.Count
		upd.Amount = op.Counter.Count
	}
	return upd
}

func (c *LiveCounter) clearData() Update {
	upd := Update{ObjectID: c.id, Amount: -c.count}
	c.count = 0
	return upd
}

func (c *LiveCounter) overrideWithState(st *protocol.ObjectState) Update {
	if c.tombstone {
		return Update{}
	}
	prev := c.count
	deleted := c.overrideBase(st)
	c.count = 0
	if !deleted {
		if st.Counter != nil {
			c.count = st.Counter.Count
		}
		if st.CreateOp != nil {
			c.mergeCreate(st.CreateOp)
		}
	}
	return Update{ObjectID: c.id, Amount: c.count - prev, Deleted: deleted}
}

func (c *LiveCounter) state() *protocol.ObjectState {
	st := c.baseState()
	st.Counter = &protocol.ObjectsCounter{Count: c.count}
	if c.createMerged {
		st.CreateOp = &protocol.ObjectOperation{Action: protocol.CounterCreate, ObjectID: c.id, Counter: &protocol.ObjectsCounter{}}
	}
	return st
}

func (c *LiveCounter) value() float64 {
	if c.tombstone {
		return 0
	}
	return c.count
}
