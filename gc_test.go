package liveobjects

import (
	"testing"
	"time"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGC_GracePeriod(t *testing.T) {
	o, _, clock := newSynced(t)
	o.SetGCGracePeriod(time.Hour)
	o.SetGCGracePeriod(0)
	assert.Equal(t, time.Hour, o.GCGracePeriod(), "non-positive periods are ignored")

	apply(o,
		msg(ser(1, "a"), "a", counterCreate(counterID, 1)),
		msg(ser(1, "a"), "a", mapSet(protocol.RootObjectID, "c", protocol.RefData(counterID))),
		msg(ser(2, "a"), "a", mapSet(protocol.RootObjectID, "k", protocol.StringData("v"))),
	)
	apply(o,
		msg(ser(3, "a"), "a", objectDelete(counterID)),
		msg(ser(4, "a"), "a", mapRemove(protocol.RootObjectID, "k")),
	)
	objectsBefore := testutil.ToFloat64(GCPurged.WithLabelValues("object"))
	entriesBefore := testutil.ToFloat64(GCPurged.WithLabelValues("entry"))

	clock.Advance(59 * time.Minute)
	o.CollectGarbage()
	_, ok := o.pool.get(counterID)
	assert.True(t, ok, "kept within the grace period")
	assert.Contains(t, o.pool.root().entries, "k")

	clock.Advance(time.Minute)
	o.CollectGarbage()
	_, ok = o.pool.get(counterID)
	assert.False(t, ok)
	assert.NotContains(t, o.pool.root().entries, "k")
	// the entry pointing at the purged counter is still live but reads as absent
	assert.Contains(t, o.pool.root().entries, "c")
	assert.Nil(t, mustGet(t, o).Get("c").Value())

	assert.Equal(t, objectsBefore+1, testutil.ToFloat64(GCPurged.WithLabelValues("object")))
	assert.Equal(t, entriesBefore+1, testutil.ToFloat64(GCPurged.WithLabelValues("entry")))
}

func TestGC_UsesSerialTimestamp(t *testing.T) {
	o, _, clock := newSynced(t)
	o.SetGCGracePeriod(time.Minute)
	rm := msg(ser(1, "a"), "a", mapRemove(protocol.RootObjectID, "old"))
	rm.SerialTimestamp = clock.Now().Add(-2 * time.Minute)
	apply(o, rm, msg(ser(2, "a"), "a", mapRemove(protocol.RootObjectID, "new")))

	o.CollectGarbage()
	require.NotContains(t, o.pool.root().entries, "old")
	require.Contains(t, o.pool.root().entries, "new")
}

func TestGC_RootIsKept(t *testing.T) {
	o, _, clock := newSynced(t)
	apply(o, msg(ser(1, "a"), "a", objectDelete(protocol.RootObjectID)))
	clock.Advance(48 * time.Hour)
	o.CollectGarbage()
	assert.Equal(t, 1, o.pool.size())
}

func TestGC_Loop(t *testing.T) {
	ch := newTestChannel()
	clock := newTestClock()
	o, err := New(ch, Options{GCInterval: time.Millisecond, GCGracePeriod: time.Second, Clock: clock.Now})
	require.NoError(t, err)
	defer o.Close()
	ch.objects = o
	o.HandleStateChange(ChannelStateChange{State: ChannelAttached})
	apply(o,
		msg(ser(1, "a"), "a", counterCreate(counterID, 1)),
		msg(ser(2, "a"), "a", objectDelete(counterID)),
	)
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		o.lock.RLock()
		defer o.lock.RUnlock()
		_, ok := o.pool.get(counterID)
		return !ok
	}, time.Second, time.Millisecond)
}
