package liveobjects

import (
	"context"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
)

// publishAndApply publishes the messages and applies them locally once
// the channel ACKs them, so own writes are visible before the echo.
func (o *Objects) publishAndApply(ctx context.Context, msgs []*protocol.ObjectMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := o.checkWritable(); err != nil {
		return err
	}
	clientID := o.channel.ClientID()
	for _, msg := range msgs {
		msg.ClientID = clientID
	}
	size := protocol.MessagesSize(msgs)
	if max := o.channel.MaxMessageSize(); max > 0 && size > max {
		return liveobjects_errors.MaxMessageSizeError(size, max)
	}

	res, err := o.channel.Publish(ctx, msgs)
	if err != nil {
		return liveobjects_errors.Wrap(err, "publish object messages")
	}
	PublishBytes.Observe(float64(size))

	site := o.channel.SiteCode()
	if site == "" || res == nil {
		o.log.Debug("no site code or serials in ACK, waiting for echo", "channel", o.channel.Name())
		return nil
	}
	local := make([]*protocol.ObjectMessage, 0, len(msgs))
	now := o.now()
	for i, msg := range msgs {
		if i >= len(res.Serials) || res.Serials[i] == "" {
			o.log.Debug("no serial in ACK, waiting for echo", "objectId", msg.Operation.ObjectID)
			continue
		}
		cp := msg.Clone()
		cp.Serial = res.Serials[i]
		cp.SiteCode = site
		cp.SerialTimestamp = now
		local = append(local, cp)
	}
	if len(local) == 0 {
		return nil
	}

	for {
		if err := o.waitSynced(ctx); err != nil {
			return err
		}
		if o.applyLocal(local) {
			return nil
		}
	}
}

// applyLocal applies ACKed messages without serial bookkeeping and
// remembers the accepted ones so their echo is not applied twice.
// It returns false if a new sync started since the wait.
func (o *Objects) applyLocal(msgs []*protocol.ObjectMessage) bool {
	var n notifications
	var updates []Update
	o.lock.Lock()
	if o.syncState != Synced {
		o.lock.Unlock()
		return false
	}
	for _, msg := range msgs {
		upd, ok := o.applyMessageLocked(msg, sourceLocal)
		if !ok {
			continue
		}
		o.appliedOnAck[msg.Serial] = struct{}{}
		if !upd.IsNoop() {
			updates = append(updates, upd)
		}
	}
	o.routeLocked(&n, updates)
	o.lock.Unlock()
	n.fire()
	return true
}
