package liveobjects

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/serial"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/stretchr/testify/require"
)

const testSite = "aaa"

type testClock struct {
	lock sync.Mutex
	t    time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.t = c.t.Add(d)
	c.lock.Unlock()
}

// testChannel ACKs every publish with increasing serials. With echo set
// the published operations are delivered back before the ACK.
type testChannel struct {
	lock       sync.Mutex
	state      ChannelState
	modes      ChannelMode
	site       string
	maxSize    int
	echo       bool
	noSerials  bool
	publishErr error
	next       int64
	published  []*protocol.ObjectMessage
	objects    *Objects
	onPublish  func()
}

func newTestChannel() *testChannel {
	return &testChannel{
		state: ChannelAttached,
		modes: ModeObjectSubscribe | ModeObjectPublish,
		site:  testSite,
		next:  1000,
	}
}

func (c *testChannel) Name() string { return "test" }
func (c *testChannel) ClientID() string { return "client" }
func (c *testChannel) MaxMessageSize() int { return c.maxSize }

func (c *testChannel) State() ChannelState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *testChannel) setState(state ChannelState) {
	c.lock.Lock()
	c.state = state
	c.lock.Unlock()
}

func (c *testChannel) Modes() ChannelMode { return c.modes }

func (c *testChannel) SiteCode() string {
	if c.noSerials {
		return ""
	}
	return c.site
}

func (c *testChannel) Publish(ctx context.Context, msgs []*protocol.ObjectMessage) (*protocol.PublishResult, error) {
	if c.publishErr != nil {
		return nil, c.publishErr
	}
	c.lock.Lock()
	res := &protocol.PublishResult{}
	var echoes []*protocol.ObjectMessage
	for _, msg := range msgs {
		c.next++
		ser := serial.Make(c.next, 0, c.site, -1)
		res.Serials = append(res.Serials, ser)
		echo := msg.Clone()
		echo.Serial = ser
		echo.SiteCode = c.site
		echoes = append(echoes, echo)
	}
	c.published = append(c.published, echoes...)
	c.lock.Unlock()
	if c.echo {
		c.objects.HandleObjectMessages(echoes)
	}
	if c.onPublish != nil {
		c.onPublish()
	}
	return res, nil
}

// takePublished returns the published operations as the channel would
// echo them.
func (c *testChannel) takePublished() []*protocol.ObjectMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	ret := c.published
	c.published = nil
	return ret
}

func newTestObjects(t *testing.T, ch *testChannel, clock *testClock) *Objects {
	t.Helper()
	objects, err := New(ch, Options{
		Logger:     utils.NewDefaultLogger(slog.LevelError),
		GCInterval: time.Hour,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	ch.objects = objects
	t.Cleanup(func() { _ = objects.Close() })
	return objects
}

// newSynced is an objects instance attached to an empty channel.
func newSynced(t *testing.T) (*Objects, *testChannel, *testClock) {
	ch := newTestChannel()
	clock := newTestClock()
	objects := newTestObjects(t, ch, clock)
	objects.HandleStateChange(ChannelStateChange{State: ChannelAttached, HasObjects: false})
	require.Equal(t, Synced, objects.SyncState())
	return objects, ch, clock
}

func ser(ts int64, site string) string {
	return serial.Make(ts, 0, site, -1)
}

func msg(serial, site string, op *protocol.ObjectOperation) *protocol.ObjectMessage {
	return &protocol.ObjectMessage{Serial: serial, SiteCode: site, Operation: op}
}

func mapSet(objectID, key string, data protocol.ObjectData) *protocol.ObjectOperation {
	return &protocol.ObjectOperation{Action: protocol.MapSet, ObjectID: objectID, MapOp: &protocol.MapOp{Key: key, Data: data}}
}

func mapRemove(objectID, key string) *protocol.ObjectOperation {
	return &protocol.ObjectOperation{Action: protocol.MapRemove, ObjectID: objectID, MapOp: &protocol.MapOp{Key: key}}
}

func counterInc(objectID string, amount float64) *protocol.ObjectOperation {
	return &protocol.ObjectOperation{Action: protocol.CounterInc, ObjectID: objectID, CounterOp: &protocol.CounterOp{Amount: amount}}
}

func counterCreate(objectID string, count float64) *protocol.ObjectOperation {
	return &protocol.ObjectOperation{Action: protocol.CounterCreate, ObjectID: objectID, Counter: &protocol.ObjectsCounter{Count: count}}
}

func mapCreate(objectID string, entries map[string]protocol.ObjectData) *protocol.ObjectOperation {
	m := &protocol.ObjectsMap{Entries: map[string]protocol.MapEntry{}}
	for k, v := range entries {
		m.Entries[k] = protocol.MapEntry{Data: v}
	}
	return &protocol.ObjectOperation{Action: protocol.MapCreate, ObjectID: objectID, Map: m}
}

func objectDelete(objectID string) *protocol.ObjectOperation {
	return &protocol.ObjectOperation{Action: protocol.ObjectDelete, ObjectID: objectID}
}

func stateMsg(st *protocol.ObjectState) *protocol.ObjectMessage {
	return &protocol.ObjectMessage{Object: st}
}

func apply(o *Objects, msgs ...*protocol.ObjectMessage) {
	o.HandleObjectMessages(msgs)
}

func mustGet(t *testing.T, o *Objects) *PathObject {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	root, err := o.Get(ctx)
	require.NoError(t, err)
	return root
}

const (
	counterID = "counter:abc@1"
	mapID     = "map:abc@1"
)
