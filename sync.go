package liveobjects

import (
	"context"
	"strings"
	"time"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
)

// HandleStateChange reacts to channel lifecycle transitions.
func (o *Objects) HandleStateChange(change ChannelStateChange) {
	var n notifications
	o.lock.Lock()
	switch change.State {
	case ChannelAttached:
		o.log.Info("channel attached", "channel", o.channel.Name(), "hasObjects", change.HasObjects)
		if o.syncState != Syncing || !change.HasObjects {
			o.startNewSyncLocked(&n, "")
		}
		if !change.HasObjects {
			// nothing will be synced: start from an empty root
			o.routeLocked(&n, o.pool.resetToInitial())
			o.endSyncLocked(&n)
		}
	case ChannelDetached, ChannelSuspended, ChannelFailed:
		o.log.Info("sync cancelled", "channel", o.channel.Name(), "state", string(change.State))
		if len(o.staged) > 0 || len(o.buffered) > 0 {
			SyncSequences.WithLabelValues("cancelled").Inc()
		}
		o.cancelGen++
		o.syncID = ""
		o.staged = make(map[string]*protocol.ObjectState)
		o.buffered = nil
		OperationsBuffered.Set(0)
		o.signalSyncLocked()
	}
	o.lock.Unlock()
	n.fire()
}

// HandleObjectSyncMessages takes one page of a sync sequence. The
// channel serial is "sequenceId:cursor"; an empty cursor ends it.
func (o *Objects) HandleObjectSyncMessages(msgs []*protocol.ObjectMessage, channelSerial string) {
	syncID, cursor := parseSyncSerial(channelSerial)

	var n notifications
	o.lock.Lock()
	if o.syncID != syncID || o.syncState != Syncing {
		o.startNewSyncLocked(&n, syncID)
	}
	for _, msg := range msgs {
		if msg.Object == nil {
			o.log.Warn("sync message without object state", "id", msg.ID)
			continue
		}
		o.staged[msg.Object.ObjectID] = msg.Object
	}
	if cursor == "" {
		o.endSyncLocked(&n)
	}
	o.lock.Unlock()
	n.fire()
}

func parseSyncSerial(channelSerial string) (syncID, cursor string) {
	syncID, cursor, _ = strings.Cut(channelSerial, ":")
	return
}

// startNewSyncLocked drops whatever the previous sequence staged or
// buffered and enters the syncing state.
func (o *Objects) startNewSyncLocked(n *notifications, syncID string) {
	if len(o.staged) > 0 || len(o.buffered) > 0 {
		SyncSequences.WithLabelValues("discarded").Inc()
	}
	o.syncID = syncID
	o.syncStarted = o.now()
	o.staged = make(map[string]*protocol.ObjectState)
	o.buffered = nil
	OperationsBuffered.Set(0)
	if o.syncState != Syncing {
		o.syncState = Syncing
		o.signalSyncLocked()
		o.emitLocked(n, EventSyncing)
	}
}

// endSyncLocked merges the staged states, goes synced and replays the
// operations buffered meanwhile in the order they were received.
func (o *Objects) endSyncLocked(n *notifications) {
	o.applySyncLocked(n)
	buffered := o.buffered
	o.buffered = nil
	o.staged = make(map[string]*protocol.ObjectState)
	o.syncID = ""
	OperationsBuffered.Set(0)

	o.syncState = Synced
	o.signalSyncLocked()
	SyncSequences.WithLabelValues("synced").Inc()
	SyncDuration.Observe(float64(o.now().Sub(o.syncStarted) / time.Millisecond))
	o.emitLocked(n, EventSynced)

	o.applyMessagesLocked(n, buffered)
	clear(o.appliedOnAck)

	if o.opts.Store != nil && !o.restoring {
		states := o.snapshotLocked()
		name := o.channel.Name()
		*n = append(*n, func() {
			if err := o.opts.Store.SaveSnapshot(name, states); err != nil {
				o.log.Error("snapshot save failed", "channel", name, "err", err)
			}
		})
	}
}

// applySyncLocked overrides known objects keeping their identity,
// creates the new ones and drops the ones the sequence did not carry.
func (o *Objects) applySyncLocked(n *notifications) {
	var updates []Update
	for id, st := range o.staged {
		if obj, ok := o.pool.get(id); ok {
			if upd := obj.overrideWithState(st); !upd.IsNoop() {
				updates = append(updates, upd)
			}
			continue
		}
		obj, err := o.pool.newObject(id)
		if err != nil {
			o.log.Warn("sync state with a bad object id", "objectId", id, "err", err)
			continue
		}
		obj.overrideWithState(st)
		o.pool.set(obj)
	}
	for _, id := range o.pool.ids() {
		if _, ok := o.staged[id]; !ok && id != protocol.RootObjectID {
			o.pool.purge(id)
		}
	}
	o.log.Debug("sync applied", "channel", o.channel.Name(), "objects", len(o.staged), "updates", len(updates))
	o.routeLocked(n, updates)
}

func (o *Objects) signalSyncLocked() {
	close(o.syncSignal)
	o.syncSignal = make(chan struct{})
}

// waitSynced blocks until the objects are synced. A detach, suspension
// or failure of the channel meanwhile ends the wait with ErrSyncCancelled.
func (o *Objects) waitSynced(ctx context.Context) error {
	o.lock.RLock()
	gen := o.cancelGen
	o.lock.RUnlock()
	for {
		o.lock.RLock()
		state, signal, cancelled := o.syncState, o.syncSignal, o.cancelGen != gen
		o.lock.RUnlock()
		if state == Synced {
			return nil
		}
		if cancelled || o.ctx.Err() != nil {
			return liveobjects_errors.ErrSyncCancelled
		}
		switch o.channel.State() {
		case ChannelDetached, ChannelSuspended, ChannelFailed:
			return liveobjects_errors.ErrSyncCancelled
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
