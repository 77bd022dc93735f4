package liveobjects

import (
	"context"
	"time"

	"github.com/drpcorg/liveobjects/protocol"
)

func (o *Objects) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CollectGarbage()
		}
	}
}

// CollectGarbage runs one sweep: objects and map entries tombstoned at
// least a grace period ago are removed for good. Root is kept.
func (o *Objects) CollectGarbage() {
	o.lock.Lock()
	defer o.lock.Unlock()

	now := o.now()
	objects, entries := 0, 0
	for _, id := range o.pool.ids() {
		obj, _ := o.pool.get(id)
		if obj.IsTombstoned() && id != protocol.RootObjectID {
			if now.Sub(obj.TombstonedAt()) >= o.gracePeriod {
				o.pool.purge(id)
				objects++
			}
			continue
		}
		if m, ok := obj.(*LiveMap); ok {
			entries += m.collectEntries(now, o.gracePeriod)
		}
	}
	if objects+entries > 0 {
		GCPurged.WithLabelValues("object").Add(float64(objects))
		GCPurged.WithLabelValues("entry").Add(float64(entries))
		o.log.Debug("gc sweep", "channel", o.channel.Name(), "objects", objects, "entries", entries)
	}
}
