package liveobjects

import (
	"github.com/drpcorg/liveobjects/protocol"
)

// HandleObjectMessages takes operation messages delivered by the
// channel. Until the objects are synced they are buffered.
func (o *Objects) HandleObjectMessages(msgs []*protocol.ObjectMessage) {
	var n notifications
	o.lock.Lock()
	if o.syncState != Synced {
		for _, msg := range msgs {
			if msg.Operation == nil {
				continue
			}
			o.buffered = append(o.buffered, msg)
		}
		OperationsBuffered.Set(float64(len(o.buffered)))
		o.lock.Unlock()
		return
	}
	o.applyMessagesLocked(&n, msgs)
	o.lock.Unlock()
	n.fire()
}

// applyMessagesLocked applies channel messages. An echo of an
// operation already applied on ACK only does serial bookkeeping.
func (o *Objects) applyMessagesLocked(n *notifications, msgs []*protocol.ObjectMessage) {
	var updates []Update
	for _, msg := range msgs {
		src := sourceRemote
		if _, ok := o.appliedOnAck[msg.Serial]; ok && msg.Serial != "" {
			delete(o.appliedOnAck, msg.Serial)
			src = sourceEcho
		}
		if upd, ok := o.applyMessageLocked(msg, src); ok && !upd.IsNoop() {
			updates = append(updates, upd)
		}
	}
	o.routeLocked(n, updates)
}

// applyMessageLocked runs one operation against the pool.
func (o *Objects) applyMessageLocked(msg *protocol.ObjectMessage, src source) (Update, bool) {
	op := msg.Operation
	if op == nil {
		o.log.Warn("object message without operation", "id", msg.ID)
		return Update{}, false
	}
	action := op.Action.String()
	if msg.Serial == "" || msg.SiteCode == "" {
		o.log.Warn("operation without serial or site code", "objectId", op.ObjectID, "action", action)
		OperationsSkipped.WithLabelValues(action, "unserialized").Inc()
		return Update{}, false
	}
	obj, err := o.pool.getOrCreatePlaceholder(op.ObjectID)
	if err != nil {
		o.log.Warn("operation on a bad object id", "objectId", op.ObjectID, "serial", msg.Serial, "err", err)
		OperationsSkipped.WithLabelValues(action, "bad_object_id").Inc()
		return Update{}, false
	}
	upd, ok := obj.applyOperation(msg, src)
	if !ok {
		o.log.Debug("operation skipped", "objectId", op.ObjectID, "action", action,
			"serial", msg.Serial, "site", msg.SiteCode, "source", src.String())
		OperationsSkipped.WithLabelValues(action, "gate").Inc()
		return upd, false
	}
	OperationsApplied.WithLabelValues(action, src.String()).Inc()
	return upd, true
}
