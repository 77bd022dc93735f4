/*
Package liveobjects keeps a shared tree of live maps and counters in
sync with other clients of a pub/sub channel.

Every object carries a vector of the last serial applied per site;
an operation is applied only when its serial is newer than what the
object (or, for maps, the entry) has seen. Creates merge once per
object id. Deletes leave tombstones that a background sweep removes
after a grace period.

On attach the channel delivers the full state as a sync sequence.
Operations that arrive meanwhile are buffered and replayed once the
sequence ends. Own writes are applied as soon as the channel ACKs
them and their later echo only advances the serial bookkeeping.
*/
package liveobjects

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

type ChannelState string

const (
	ChannelInitialized ChannelState = "initialized"
	ChannelAttaching   ChannelState = "attaching"
	ChannelAttached    ChannelState = "attached"
	ChannelDetaching   ChannelState = "detaching"
	ChannelDetached    ChannelState = "detached"
	ChannelSuspended   ChannelState = "suspended"
	ChannelFailed      ChannelState = "failed"
)

// ChannelMode is a bit set of what the channel was attached for.
type ChannelMode byte

const (
	ModeObjectSubscribe ChannelMode = 1 << iota
	ModeObjectPublish
)

func (m ChannelMode) String() string {
	switch m {
	case ModeObjectSubscribe:
		return "object_subscribe"
	case ModeObjectPublish:
		return "object_publish"
	}
	return "object_subscribe|object_publish"
}

// Channel is the pub/sub channel the objects live on.
type Channel interface {
	Name() string
	State() ChannelState
	Modes() ChannelMode
	// SiteCode of the connection, assigned by the service.
	SiteCode() string
	ClientID() string
	// MaxMessageSize of one publish, 0 for no limit.
	MaxMessageSize() int
	Publish(ctx context.Context, msgs []*protocol.ObjectMessage) (*protocol.PublishResult, error)
}

type ChannelStateChange struct {
	State      ChannelState
	HasObjects bool
}

// SnapshotStore persists the last synced state of a channel.
type SnapshotStore interface {
	SaveSnapshot(channel string, states []*protocol.ObjectState) error
	LoadSnapshot(channel string) ([]*protocol.ObjectState, error)
}

type Options struct {
	Logger utils.Logger
	// GCInterval is the period of the tombstone sweep.
	GCInterval time.Duration
	// GCGracePeriod is how long tombstones are kept before purging.
	GCGracePeriod time.Duration
	Clock         func() time.Time
	Store         SnapshotStore
	// SubscriptionBuffer bounds the queue behind an Events iterator.
	SubscriptionBuffer int
	PathCacheSize      int
}

const (
	DefaultGCInterval         = 5 * time.Minute
	DefaultGCGracePeriod      = 24 * time.Hour
	DefaultSubscriptionBuffer = 256
	DefaultPathCacheSize      = 1024
)

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.GCInterval == 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.GCGracePeriod == 0 {
		o.GCGracePeriod = DefaultGCGracePeriod
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.SubscriptionBuffer == 0 {
		o.SubscriptionBuffer = DefaultSubscriptionBuffer
	}
	if o.PathCacheSize == 0 {
		o.PathCacheSize = DefaultPathCacheSize
	}
}

type SyncState int

const (
	SyncInitialized SyncState = iota
	Syncing
	Synced
)

func (s SyncState) String() string {
	return []string{"initialized", "syncing", "synced"}[s]
}

type ObjectsEvent string

const (
	EventSyncing ObjectsEvent = "syncing"
	EventSynced  ObjectsEvent = "synced"
)

// Objects is the live object graph of one channel.
type Objects struct {
	channel Channel
	opts    Options
	log     utils.Logger

	// lock is the one sequence point of the engine: message handling,
	// local applies, sync completion and sweeps all take it.
	lock sync.RWMutex
	pool *pool

	syncState SyncState
	// syncSignal is closed and replaced on every sync state change.
	syncSignal chan struct{}
	// cancelGen counts channel transitions that cancel sync waiters.
	cancelGen    uint64
	syncID       string
	syncStarted  time.Time
	staged       map[string]*protocol.ObjectState
	buffered     []*protocol.ObjectMessage
	appliedOnAck map[string]struct{}
	gracePeriod  time.Duration
	restoring    bool

	listeners map[ObjectsEvent][]func()
	subs      *xsync.MapOf[string, *subscription]
	paths     *lru.Cache[string, []string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds a live object graph to the channel and starts the sweep.
// The channel feeds it through the Handle* methods.
func New(channel Channel, opts Options) (*Objects, error) {
	opts.SetDefaults()
	paths, err := lru.New[string, []string](opts.PathCacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Objects{
		channel:      channel,
		opts:         opts,
		log:          opts.Logger,
		syncSignal:   make(chan struct{}),
		staged:       make(map[string]*protocol.ObjectState),
		appliedOnAck: make(map[string]struct{}),
		gracePeriod:  opts.GCGracePeriod,
		listeners:    make(map[ObjectsEvent][]func()),
		subs:         xsync.NewMapOf[string, *subscription](),
		paths:        paths,
		ctx:          ctx,
		cancel:       cancel,
	}
	o.pool = newPool(o)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.gcLoop(ctx)
	}()
	return o, nil
}

// Close stops the sweep, cancels sync waiters and ends all subscriptions.
func (o *Objects) Close() error {
	o.cancel()
	o.wg.Wait()

	o.lock.Lock()
	o.cancelGen++
	o.signalSyncLocked()
	o.lock.Unlock()

	o.subs.Range(func(id string, sub *subscription) bool {
		o.unsubscribe(id)
		return true
	})
	return nil
}

// On registers a listener for sync lifecycle events.
func (o *Objects) On(event ObjectsEvent, fn func()) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.listeners[event] = append(o.listeners[event], fn)
}

func (o *Objects) emitLocked(n *notifications, event ObjectsEvent) {
	o.log.Debug("sync event", "channel", o.channel.Name(), "event", string(event))
	for _, fn := range o.listeners[event] {
		*n = append(*n, fn)
	}
}

func (o *Objects) SyncState() SyncState {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.syncState
}

// Get waits for the objects to be synced and returns a path view of root.
func (o *Objects) Get(ctx context.Context) (*PathObject, error) {
	if err := o.checkReadable(); err != nil {
		return nil, err
	}
	if err := o.waitSynced(ctx); err != nil {
		return nil, err
	}
	return &PathObject{objects: o}, nil
}

// SetGCGracePeriod applies the grace period advertised by the service.
func (o *Objects) SetGCGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	o.lock.Lock()
	o.gracePeriod = d
	o.lock.Unlock()
}

func (o *Objects) GCGracePeriod() time.Duration {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.gracePeriod
}

// Snapshot exports the state of every pooled object, sorted by id.
func (o *Objects) Snapshot() []*protocol.ObjectState {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.snapshotLocked()
}

func (o *Objects) snapshotLocked() []*protocol.ObjectState {
	ids := o.pool.ids()
	ret := make([]*protocol.ObjectState, 0, len(ids))
	for _, id := range ids {
		obj, _ := o.pool.get(id)
		ret = append(ret, obj.state())
	}
	return ret
}

// Restore loads the persisted snapshot and applies it as a sync
// sequence. Without a store or a saved snapshot it does nothing.
func (o *Objects) Restore(ctx context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	states, err := o.opts.Store.LoadSnapshot(o.channel.Name())
	if err != nil {
		return liveobjects_errors.Wrap(err, "load snapshot")
	}
	if len(states) == 0 || ctx.Err() != nil {
		return ctx.Err()
	}
	var n notifications
	o.lock.Lock()
	o.restoring = true
	o.startNewSyncLocked(&n, "")
	for _, st := range states {
		o.staged[st.ObjectID] = st
	}
	o.endSyncLocked(&n)
	o.restoring = false
	o.lock.Unlock()
	n.fire()
	o.log.Info("snapshot restored", "channel", o.channel.Name(), "objects", len(states))
	return nil
}

func (o *Objects) now() time.Time {
	return o.opts.Clock()
}

func (o *Objects) timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return o.now()
	}
	return t
}

// timeOf is the serial timestamp of a message or the local clock.
func (o *Objects) timeOf(msg *protocol.ObjectMessage) time.Time {
	return o.timeOrNow(msg.SerialTimestamp)
}

func (o *Objects) checkReadable() error {
	if o.channel.Modes()&ModeObjectSubscribe == 0 {
		return liveobjects_errors.MissingModeError(ModeObjectSubscribe.String())
	}
	switch st := o.channel.State(); st {
	case ChannelDetached, ChannelFailed:
		return liveobjects_errors.ChannelStateError(string(st))
	}
	return nil
}

func (o *Objects) checkWritable() error {
	if o.channel.Modes()&ModeObjectPublish == 0 {
		return liveobjects_errors.MissingModeError(ModeObjectPublish.String())
	}
	switch st := o.channel.State(); st {
	case ChannelDetached, ChannelFailed, ChannelSuspended:
		return liveobjects_errors.ChannelStateError(string(st))
	}
	return nil
}

// notifications are collected under the lock and fired after it is
// released, in order, on the calling goroutine.
type notifications []func()

func (n notifications) fire() {
	for _, fn := range n {
		fn()
	}
}
