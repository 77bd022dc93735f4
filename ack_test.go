package liveobjects

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withCounter publishes a counter under root.c and returns its path.
func withCounter(t *testing.T, o *Objects, ch *testChannel) *PathObject {
	t.Helper()
	root := mustGet(t, o)
	require.NoError(t, root.Set(context.Background(), "c", NewLiveCounter(0)))
	apply(o, ch.takePublished()...)
	require.Equal(t, 0.0, root.Get("c").Value())
	return root.Get("c")
}

func countEvents(t *testing.T, p *PathObject) *[]Event {
	var events []Event
	_, err := p.Subscribe(func(ev Event) { events = append(events, ev) }, SubscribeOptions{Depth: 1})
	require.NoError(t, err)
	return &events
}

func TestAck_AppliedOnceAckFirst(t *testing.T) {
	o, ch, _ := newSynced(t)
	c := withCounter(t, o, ch)
	events := countEvents(t, c)

	require.NoError(t, c.Increment(context.Background(), 5))
	assert.Equal(t, 5.0, c.Value(), "visible right after the ACK")
	assert.Len(t, *events, 1)

	echo := ch.takePublished()
	require.Len(t, echo, 1)
	apply(o, echo...)
	assert.Equal(t, 5.0, c.Value())
	assert.Len(t, *events, 1)
	assert.Empty(t, o.appliedOnAck)

	// the echo did the bookkeeping: a replay of it is rejected
	apply(o, echo...)
	assert.Equal(t, 5.0, c.Value())
}

func TestAck_AppliedOnceEchoFirst(t *testing.T) {
	o, ch, _ := newSynced(t)
	c := withCounter(t, o, ch)
	events := countEvents(t, c)

	ch.echo = true
	require.NoError(t, c.Increment(context.Background(), 5))
	assert.Equal(t, 5.0, c.Value())
	assert.Len(t, *events, 1)
	assert.Empty(t, o.appliedOnAck)
}

func TestAck_MapEchoReassertsDisplacedValue(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := mustGet(t, o)
	var keys []KeyChange
	_, err := root.Subscribe(func(ev Event) { keys = append(keys, ev.Update.Keys["k"]) }, SubscribeOptions{Depth: 1})
	require.NoError(t, err)

	require.NoError(t, root.Set(context.Background(), "k", "mine"))
	assert.Equal(t, "mine", root.Get("k").Value())
	echo := ch.takePublished()
	require.Len(t, echo, 1)

	// a concurrent write from another site, serialized before ours
	apply(o, msg(ser(500, "zzz"), "zzz", mapSet(protocol.RootObjectID, "k", protocol.StringData("theirs"))))
	assert.Equal(t, "theirs", root.Get("k").Value())

	apply(o, echo...)
	assert.Equal(t, "mine", root.Get("k").Value())
	assert.Equal(t, []KeyChange{KeyUpdated, KeyUpdated, KeyUpdated}, keys)
	assert.Equal(t, echo[0].Serial, o.pool.root().entries["k"].timeserial)
}

func TestAck_MapEchoWithoutChangeIsSilent(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := mustGet(t, o)
	events := 0
	_, err := root.Subscribe(func(Event) { events++ }, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, root.Set(context.Background(), "k", map[string]any{"n": 1}))
	apply(o, ch.takePublished()...)
	assert.Equal(t, 1, events)
	assert.Equal(t, map[string]any{"n": 1.0}, root.Get("k").Value())
}

func TestAck_NoSiteCodeWaitsForEcho(t *testing.T) {
	o, ch, _ := newSynced(t)
	c := withCounter(t, o, ch)
	ch.noSerials = true
	require.NoError(t, c.Increment(context.Background(), 3))
	assert.Equal(t, 0.0, c.Value())
	apply(o, ch.takePublished()...)
	assert.Equal(t, 3.0, c.Value())
}

func TestAck_WaitsForSyncAndCancels(t *testing.T) {
	o, ch, _ := newSynced(t)
	c := withCounter(t, o, ch)

	// a resync starts while the publish is in flight
	ch.onPublish = func() {
		o.HandleStateChange(ChannelStateChange{State: ChannelAttached, HasObjects: true})
	}
	done := make(chan error, 1)
	go func() { done <- c.Increment(context.Background(), 1) }()
	time.Sleep(10 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("returned before synced: %v", err)
	default:
	}
	ch.setState(ChannelSuspended)
	o.HandleStateChange(ChannelStateChange{State: ChannelSuspended})
	select {
	case err := <-done:
		assert.ErrorIs(t, err, liveobjects_errors.ErrSyncCancelled)
	case <-time.After(time.Second):
		t.Fatal("publish was not cancelled")
	}
}

func TestAck_ContextCancelWhileWaiting(t *testing.T) {
	o, ch, _ := newSynced(t)
	c := withCounter(t, o, ch)
	ch.onPublish = func() {
		o.HandleStateChange(ChannelStateChange{State: ChannelAttached, HasObjects: true})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Increment(ctx, 1), context.DeadlineExceeded)
}

func TestWrite_Validation(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := mustGet(t, o)
	ctx := context.Background()

	ch.maxSize = 10
	err := root.Set(ctx, "key", "a value that is too long")
	assert.ErrorIs(t, err, liveobjects_errors.ErrMaxMessageSize)
	assert.Empty(t, ch.takePublished())
	assert.Nil(t, root.Get("key").Value())
	ch.maxSize = 0

	assert.ErrorIs(t, root.Set(ctx, "k", struct{}{}), liveobjects_errors.ErrValidation)
	assert.ErrorIs(t, root.Set(ctx, "k", nil), liveobjects_errors.ErrValidation)
	assert.ErrorIs(t, root.Get("nope").Set(ctx, "k", "v"), liveobjects_errors.ErrPathNotResolved)
	assert.ErrorIs(t, root.Increment(ctx, 1), liveobjects_errors.ErrTypeMismatch)

	c := withCounter(t, o, ch)
	assert.ErrorIs(t, c.Set(ctx, "k", "v"), liveobjects_errors.ErrTypeMismatch)
	assert.ErrorIs(t, c.Increment(ctx, math.Inf(1)), liveobjects_errors.ErrValidation)

	require.NoError(t, root.Set(ctx, "s", "str"))
	apply(o, ch.takePublished()...)
	assert.ErrorIs(t, root.Get("s").Set(ctx, "k", "v"), liveobjects_errors.ErrTypeMismatch)

	ch.publishErr = errors.New("boom")
	assert.ErrorContains(t, root.Set(ctx, "k", "v"), "boom")
	ch.publishErr = nil

	ch.modes = ModeObjectSubscribe
	assert.ErrorIs(t, root.Set(ctx, "k", "v"), liveobjects_errors.ErrMissingMode)
	ch.modes = ModeObjectSubscribe | ModeObjectPublish

	ch.setState(ChannelFailed)
	assert.ErrorIs(t, root.Set(ctx, "k", "v"), liveobjects_errors.ErrChannelState)
	_, err = o.Get(ctx)
	assert.ErrorIs(t, err, liveobjects_errors.ErrChannelState)
}

func TestInstance_WritesRaceDeletes(t *testing.T) {
	o, _, _ := newSynced(t)
	const n = 50
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("counter:c%d@1", i)
		key := fmt.Sprintf("c%d", i)
		apply(o,
			msg(ser(1, "a"), "a", counterCreate(ids[i], 0)),
			msg(ser(int64(10+i), "a"), "a", mapSet(protocol.RootObjectID, key, protocol.RefData(ids[i]))),
		)
	}
	root := mustGet(t, o)
	insts := make([]*Instance, n)
	for i := range insts {
		insts[i] = root.Get(fmt.Sprintf("c%d", i)).Instance()
		require.NotNil(t, insts[i])
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i, id := range ids {
			apply(o, msg(ser(int64(100+i), "b"), "b", objectDelete(id)))
		}
	}()
	go func() {
		defer wg.Done()
		for j := n - 1; j >= 0; j-- {
			err := insts[j].Increment(context.Background(), 1)
			if err != nil {
				assert.ErrorIs(t, err, liveobjects_errors.ErrPathNotResolved)
			}
		}
	}()
	wg.Wait()

	for _, inst := range insts {
		assert.Nil(t, inst.Value())
	}
}
