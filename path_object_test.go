package liveobjects

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	cases := []struct {
		path string
		segs []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a.b.c", []string{"a", "b", "c"}},
		{`a\.b.c`, []string{"a.b", "c"}},
		{`a\\.b`, []string{`a\`, "b"}},
		{"a..b", []string{"a", "", "b"}},
	}
	for _, c := range cases {
		segs, err := ParsePath(c.path)
		assert.NoError(t, err, c.path)
		assert.Equal(t, c.segs, segs, c.path)
		if c.path != "" {
			assert.Equal(t, c.path, FormatPath(segs))
		}
	}
	for _, bad := range []string{`a\`, `a\b`} {
		_, err := ParsePath(bad)
		assert.ErrorIs(t, err, liveobjects_errors.ErrValidation, bad)
	}
}

// buildTree publishes root.profile = {name, visits counter, tags json}.
func buildTree(t *testing.T, o *Objects, ch *testChannel) *PathObject {
	t.Helper()
	root := mustGet(t, o)
	require.NoError(t, root.Set(context.Background(), "profile", NewLiveMap(map[string]any{
		"name":   "ann",
		"avatar": []byte{1, 2, 3},
		"visits": NewLiveCounter(uint8(2)),
		"tags":   []any{"x", "y"},
	})))
	apply(o, ch.takePublished()...)
	return root
}

func TestPathObject_Reads(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)

	profile, err := root.At("profile")
	require.NoError(t, err)
	assert.Equal(t, "profile", profile.Path())
	assert.Equal(t, []string{"avatar", "name", "tags", "visits"}, profile.Keys())
	assert.Equal(t, 4, profile.Size())
	assert.Equal(t, "ann", profile.Get("name").Value())
	assert.Equal(t, 2.0, profile.Get("visits").Value())
	assert.Nil(t, profile.Value())

	visits, err := root.At("profile.visits")
	require.NoError(t, err)
	assert.Equal(t, 2.0, visits.Value())
	segs, ok := o.paths.Get("profile.visits")
	assert.True(t, ok, "parsed paths are cached")
	assert.Equal(t, []string{"profile", "visits"}, segs)

	var keys []string
	for key, child := range profile.Entries() {
		keys = append(keys, key)
		assert.Equal(t, "profile."+key, child.Path())
	}
	assert.Equal(t, profile.Keys(), keys)

	// unresolved reads are empty, not errors
	missing := root.Get("profile").Get("name").Get("deeper")
	assert.Nil(t, missing.Value())
	assert.Nil(t, missing.Instance())
	assert.Empty(t, missing.Keys())
	assert.Nil(t, missing.Compact())
}

func TestPathObject_ReResolves(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	name := root.Get("profile").Get("name")
	inst := root.Get("profile").Instance()
	require.NotNil(t, inst)

	require.NoError(t, root.Set(context.Background(), "profile", NewLiveMap(map[string]any{"name": "bob"})))
	apply(o, ch.takePublished()...)
	assert.Equal(t, "bob", name.Value())
	// the instance stays bound to the old map
	assert.Equal(t, "ann", inst.Get("name").Value())
	assert.NotEqual(t, inst.ID(), root.Get("profile").Instance().ID())
}

func TestInstance_Surface(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	ctx := context.Background()

	profile := root.Get("profile").Instance()
	require.NotNil(t, profile)
	assert.Equal(t, "map", profile.Type())
	visits := profile.Get("visits")
	require.NotNil(t, visits)
	assert.Equal(t, "counter", visits.Type())

	require.NoError(t, visits.Increment(ctx, 3))
	require.NoError(t, visits.Decrement(ctx, 1))
	assert.Equal(t, 4.0, visits.Value())

	name := profile.Get("name")
	require.NotNil(t, name)
	assert.Equal(t, "string", name.Type())
	assert.Equal(t, "", name.ID())
	assert.ErrorIs(t, name.Set(ctx, "k", "v"), liveobjects_errors.ErrTypeMismatch)
	_, err := name.Subscribe(func(Event) {}, SubscribeOptions{})
	assert.ErrorIs(t, err, liveobjects_errors.ErrTypeMismatch)

	require.NoError(t, profile.Remove(ctx, "name"))
	assert.Nil(t, profile.Get("name"))

	// an instance can be referenced from somewhere else
	require.NoError(t, root.Set(ctx, "alias", profile))
	assert.Equal(t, profile.ID(), root.Get("alias").Instance().ID())

	n := 0
	for range profile.Values() {
		n++
	}
	assert.Equal(t, profile.Size(), n)
}

func TestCompact_Cycles(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	ctx := context.Background()
	profile := root.Get("profile").Instance()
	require.NoError(t, profile.Set(ctx, "self", profile))
	apply(o, ch.takePublished()...)

	compact := root.Compact().(map[string]any)
	p := compact["profile"].(map[string]any)
	assert.Equal(t, "ann", p["name"])
	assert.Equal(t, 2.0, p["visits"])
	assert.Equal(t, []byte{1, 2, 3}, p["avatar"])
	assert.Equal(t, []any{"x", "y"}, p["tags"])
	self := p["self"].(map[string]any)
	self["marker"] = true
	assert.Equal(t, true, p["marker"], "a cycle shares the same map")

	raw, err := json.Marshal(root.CompactJSON())
	require.NoError(t, err)
	assert.JSONEq(t, `{"profile":{
		"name":"ann","avatar":"AQID","visits":2,"tags":["x","y"],
		"self":{"objectId":"`+profile.ID()+`"}}}`, string(raw))

	// a map referenced twice outside a cycle is expanded once
	require.NoError(t, root.Set(ctx, "alias", profile))
	out := root.CompactJSON().(map[string]any)
	alias, orig := out["alias"].(map[string]any), out["profile"].(map[string]any)
	assert.Equal(t, "ann", alias["name"])
	alias["marker"] = true
	assert.Equal(t, true, orig["marker"], "both references share one result")
}

func TestSubscribe_Depth(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	ctx := context.Background()

	counts := map[int]int{}
	for _, depth := range []int{0, 1, 2, 3} {
		_, err := root.Subscribe(func(Event) { counts[depth]++ }, SubscribeOptions{Depth: depth})
		require.NoError(t, err)
	}
	_, err := root.Subscribe(func(Event) {}, SubscribeOptions{Depth: -1})
	assert.ErrorIs(t, err, liveobjects_errors.ErrValidation)

	// change two hops below root: profile -> visits
	require.NoError(t, root.Get("profile").Get("visits").Increment(ctx, 1))
	assert.Equal(t, map[int]int{0: 1, 3: 1}, counts)

	// one hop below root
	require.NoError(t, root.Get("profile").Set(ctx, "name", "zed"))
	assert.Equal(t, map[int]int{0: 2, 2: 1, 3: 2}, counts)

	// root itself
	require.NoError(t, root.Set(ctx, "top", 1))
	assert.Equal(t, map[int]int{0: 3, 1: 1, 2: 2, 3: 3}, counts)
}

func TestSubscribe_PathFollowsReplacement(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	ctx := context.Background()

	var got []string
	unsubscribe, err := root.Get("profile").Subscribe(func(ev Event) {
		got = append(got, ev.Object.ID())
	}, SubscribeOptions{Depth: 1})
	require.NoError(t, err)

	// replacing the map is a change at the path itself
	require.NoError(t, root.Set(ctx, "profile", NewLiveMap(map[string]any{})))
	newProfile := root.Get("profile").Instance()
	require.NoError(t, root.Get("profile").Set(ctx, "k", "v"))
	assert.Equal(t, []string{protocol.RootObjectID, newProfile.ID()}, got)

	unsubscribe()
	require.NoError(t, root.Get("profile").Set(ctx, "k", "w"))
	assert.Len(t, got, 2)
}

func TestSubscribe_PathToPrimitive(t *testing.T) {
	o, _, _ := newSynced(t)
	root := mustGet(t, o)
	apply(o, msg(ser(1, "a"), "a", mapSet(protocol.RootObjectID, "k", protocol.StringData("v1"))))

	var changes []KeyChange
	_, err := root.Get("k").Subscribe(func(ev Event) {
		changes = append(changes, ev.Update.Keys["k"])
	}, SubscribeOptions{Depth: 1})
	require.NoError(t, err)
	later := 0
	_, err = root.Get("later").Subscribe(func(Event) { later++ }, SubscribeOptions{})
	require.NoError(t, err)

	apply(o, msg(ser(2, "a"), "a", mapSet(protocol.RootObjectID, "k", protocol.StringData("v2"))))
	assert.Equal(t, "v2", root.Get("k").Value())
	assert.Equal(t, []KeyChange{KeyUpdated}, changes)

	// siblings do not count
	apply(o, msg(ser(3, "a"), "a", mapSet(protocol.RootObjectID, "other", protocol.StringData("x"))))
	assert.Len(t, changes, 1)

	apply(o, msg(ser(4, "a"), "a", mapRemove(protocol.RootObjectID, "k")))
	assert.Equal(t, []KeyChange{KeyUpdated, KeyRemoved}, changes)

	assert.Equal(t, 0, later)
	apply(o, msg(ser(5, "a"), "a", mapSet(protocol.RootObjectID, "later", protocol.NumberData(1))))
	assert.Equal(t, 1, later)
}

func TestEvents_Iterator(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		for o.subs.Size() == 0 {
			time.Sleep(time.Millisecond)
		}
		for i := 0; i < 3; i++ {
			assert.NoError(t, root.Get("profile").Get("visits").Increment(ctx, 1))
		}
	}()

	var amounts []float64
	for ev, err := range root.Get("profile").Get("visits").Events(ctx, SubscribeOptions{}) {
		require.NoError(t, err)
		amounts = append(amounts, ev.Update.Amount)
		if len(amounts) == 3 {
			break
		}
	}
	assert.Equal(t, []float64{1, 1, 1}, amounts)
	assert.Equal(t, 0, o.subs.Size(), "breaking the loop unsubscribes")
}

func TestEvents_Overflow(t *testing.T) {
	ch := newTestChannel()
	o, err := New(ch, Options{SubscriptionBuffer: 1, Clock: newTestClock().Now})
	require.NoError(t, err)
	defer o.Close()
	ch.objects = o
	o.HandleStateChange(ChannelStateChange{State: ChannelAttached})
	root := mustGet(t, o)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan []error)
	go func() {
		var errs []error
		first := true
		for _, err := range root.Events(ctx, SubscribeOptions{}) {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if first {
				first = false
				close(started)
				<-release
			}
		}
		done <- errs
	}()
	require.Eventually(t, func() bool { return o.subs.Size() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, root.Set(ctx, "a", 1))
	<-started
	for i := 0; i < 3; i++ {
		require.NoError(t, root.Set(ctx, "b", i))
	}
	close(release)
	errs := <-done
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], utils.ErrOverflow)
	assert.Equal(t, 0, o.subs.Size())
}

func TestBatch(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	ctx := context.Background()

	var kept *BatchContext
	err := root.Batch(ctx, func(b *BatchContext) error {
		kept = b
		profile, err := b.Get("profile")
		require.NoError(t, err)
		require.NoError(t, profile.Set("name", "batched"))
		visits, err := profile.Get("visits")
		require.NoError(t, err)
		require.NoError(t, visits.Increment(10))
		require.NoError(t, b.Set("extra", true))

		// reads see the state from before the batch
		name, err := profile.Get("name")
		require.NoError(t, err)
		v, err := name.Value()
		require.NoError(t, err)
		assert.Equal(t, "ann", v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "batched", root.Get("profile").Get("name").Value())
	assert.Equal(t, 12.0, root.Get("profile").Get("visits").Value())
	assert.Equal(t, true, root.Get("extra").Value())
	assert.Len(t, ch.takePublished(), 3, "one publish for the whole batch")

	assert.ErrorIs(t, kept.Set("late", 1), liveobjects_errors.ErrBatchClosed)
	_, err = kept.Value()
	assert.ErrorIs(t, err, liveobjects_errors.ErrBatchClosed)
}

func TestBatch_ErrorAndPanicApplyNothing(t *testing.T) {
	o, ch, _ := newSynced(t)
	root := buildTree(t, o, ch)
	ctx := context.Background()

	boom := errors.New("boom")
	err := root.Batch(ctx, func(b *BatchContext) error {
		require.NoError(t, b.Set("x", 1))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = root.Batch(ctx, func(b *BatchContext) error {
		require.NoError(t, b.Set("y", 1))
		panic("oops")
	})
	assert.ErrorContains(t, err, "oops")

	assert.Nil(t, root.Get("x").Value())
	assert.Nil(t, root.Get("y").Value())
	assert.Empty(t, ch.takePublished())

	err = root.Get("nope").Batch(ctx, func(*BatchContext) error { return nil })
	assert.ErrorIs(t, err, liveobjects_errors.ErrPathNotResolved)
}

func TestRemoteEventCarriesMessage(t *testing.T) {
	o, _, _ := newSynced(t)
	root := mustGet(t, o)
	var got *protocol.ObjectMessage
	_, err := root.Subscribe(func(ev Event) { got = ev.Message }, SubscribeOptions{})
	require.NoError(t, err)
	m := msg(ser(1, "a"), "a", mapSet(protocol.RootObjectID, "k", protocol.StringData("v")))
	apply(o, m)
	assert.Same(t, m, got)
}
