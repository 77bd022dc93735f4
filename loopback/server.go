/*
Package loopback is an in-process stand-in for the pub/sub service a
live objects channel talks to.

A Server accepts publishes from any number of channels, stamps every
operation with a serial of its site, keeps the authoritative object
state and fans the operations out to every attached channel. On attach
a channel receives the full state as a paged sync sequence, followed by
every operation the server accepts afterwards, in serial order.

Delivery is asynchronous: each channel drains its own inbox on its own
goroutine, so a subscriber may publish from inside its callback. With
ServerHoldEchoOpt the server keeps accepted operations back until Flush
is called, which lets a test put ACKs and echoes in any order.
*/
package loopback

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/drpcorg/liveobjects"
	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/serial"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultName     = "objects"
	DefaultSite     = "loop"
	DefaultPageSize = 64
	// DefaultInboxSize bounds what a channel may lag behind.
	DefaultInboxSize = 1 << 16
)

var ErrServerClosed = errors.New("loopback server is closed")

type ServerOpt interface {
	Apply(*Server)
}

// ServerNameOpt names the channel the server hosts.
type ServerNameOpt struct {
	Name string
}

func (opt *ServerNameOpt) Apply(s *Server) {
	s.name = opt.Name
}

// ServerSiteOpt sets the site code stamped on serials.
type ServerSiteOpt struct {
	Site string
}

func (opt *ServerSiteOpt) Apply(s *Server) {
	s.site = opt.Site
}

type ServerMaxMessageSizeOpt struct {
	Size int
}

func (opt *ServerMaxMessageSizeOpt) Apply(s *Server) {
	s.maxSize = opt.Size
}

// ServerPageSizeOpt is the number of object states per sync page.
type ServerPageSizeOpt struct {
	Size int
}

func (opt *ServerPageSizeOpt) Apply(s *Server) {
	s.pageSize = opt.Size
}

// ServerHoldEchoOpt keeps operations back until Flush.
type ServerHoldEchoOpt struct{}

func (opt *ServerHoldEchoOpt) Apply(s *Server) {
	s.hold = true
}

type ServerClockOpt struct {
	Clock func() time.Time
}

func (opt *ServerClockOpt) Apply(s *Server) {
	s.clock = opt.Clock
}

type ServerLoggerOpt struct {
	Logger utils.Logger
}

func (opt *ServerLoggerOpt) Apply(s *Server) {
	s.log = opt.Logger
}

// Server hosts the objects of one channel.
type Server struct {
	name     string
	site     string
	maxSize  int
	pageSize int
	hold     bool
	clock    func() time.Time
	log      utils.Logger

	// lock orders serial assignment with fan-out
	lock     sync.Mutex
	closed   bool
	lastTS   int64
	counter  uint64
	syncSeq  int
	held     []*protocol.ObjectMessage
	mirror   *liveobjects.Objects
	channels *xsync.MapOf[string, *Channel]
}

func NewServer(opts ...ServerOpt) (*Server, error) {
	s := &Server{
		name:     DefaultName,
		site:     DefaultSite,
		pageSize: DefaultPageSize,
		clock:    time.Now,
		log:      utils.NewDefaultLogger(slog.LevelWarn),
		channels: xsync.NewMapOf[string, *Channel](),
	}
	for _, o := range opts {
		o.Apply(s)
	}
	if s.pageSize <= 0 {
		s.pageSize = DefaultPageSize
	}
	mirror, err := liveobjects.New(mirrorChannel{}, liveobjects.Options{
		Logger: s.log,
		Clock:  s.clock,
	})
	if err != nil {
		return nil, err
	}
	mirror.HandleStateChange(liveobjects.ChannelStateChange{State: liveobjects.ChannelAttached})
	s.mirror = mirror
	return s, nil
}

func (s *Server) Site() string {
	return s.site
}

func (s *Server) Name() string {
	return s.name
}

// Channel makes a new client connection. It starts detached; modes
// default to subscribe and publish.
func (s *Server) Channel(clientID string, modes liveobjects.ChannelMode) *Channel {
	if modes == 0 {
		modes = liveobjects.ModeObjectSubscribe | liveobjects.ModeObjectPublish
	}
	id := uuid.NewString()
	return &Channel{
		server:   s,
		id:       id,
		clientID: clientID,
		modes:    modes,
		log:      s.log.With("connection", id, "client", clientID),
		state:    liveobjects.ChannelInitialized,
	}
}

// nextSerialLocked keeps serials of the site strictly increasing even
// if the clock stalls or goes back.
func (s *Server) nextSerialLocked() (ts int64, counter uint64) {
	ts = s.clock().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS
		s.counter++
		if s.counter > 999 {
			ts++
			s.counter = 0
		}
	} else {
		s.counter = 0
	}
	s.lastTS = ts
	return ts, s.counter
}

func (s *Server) publish(from *Channel, msgs []*protocol.ObjectMessage) (*protocol.PublishResult, error) {
	if len(msgs) == 0 {
		return &protocol.PublishResult{}, nil
	}
	if s.maxSize > 0 {
		if size := protocol.MessagesSize(msgs); size > s.maxSize {
			return nil, liveobjects_errors.MaxMessageSizeError(size, s.maxSize)
		}
	}
	for _, msg := range msgs {
		if msg.Operation == nil {
			return nil, liveobjects_errors.ValidationError("publish of a message without operation")
		}
		if _, err := protocol.ParseObjectID(msg.Operation.ObjectID); err != nil {
			return nil, liveobjects_errors.InvalidObjectIDError(msg.Operation.ObjectID, err)
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	ts, counter := s.nextSerialLocked()
	now := time.UnixMilli(ts)
	res := &protocol.PublishResult{Serials: make([]string, len(msgs))}
	accepted := make([]*protocol.ObjectMessage, len(msgs))
	for i, msg := range msgs {
		index := -1
		if len(msgs) > 1 {
			index = i
		}
		cp := msg.Clone()
		cp.ID = uuid.NewString()
		cp.ConnectionID = from.id
		cp.Timestamp = now
		cp.Serial = serial.Make(ts, counter, s.site, index)
		cp.SiteCode = s.site
		cp.SerialTimestamp = now
		res.Serials[i] = cp.Serial
		accepted[i] = cp
	}
	s.mirror.HandleObjectMessages(accepted)
	s.log.Debug("published", "channel", s.name, "connection", from.id, "operations", len(accepted), "serial", res.Serials[0])

	if s.hold {
		s.held = append(s.held, accepted...)
	} else {
		s.fanOutLocked(accepted)
	}
	return res, nil
}

func (s *Server) fanOutLocked(msgs []*protocol.ObjectMessage) {
	s.channels.Range(func(_ string, c *Channel) bool {
		c.deliver(delivery{ops: msgs})
		return true
	})
}

// Flush delivers the operations held back by ServerHoldEchoOpt.
func (s *Server) Flush() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	held := s.held
	s.held = nil
	if len(held) > 0 {
		s.fanOutLocked(held)
	}
	return len(held)
}

// Pending is the number of operations held back.
func (s *Server) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.held)
}

// attach queues the attached state and the sync sequence for c. The
// operations accepted later queue up behind them.
func (s *Server) attach(c *Channel) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	states := s.mirror.Snapshot()
	hasObjects := len(states) > 1 || (len(states) == 1 && states[0].Map != nil && len(states[0].Map.Entries) > 0)
	c.deliver(delivery{change: &liveobjects.ChannelStateChange{State: liveobjects.ChannelAttached, HasObjects: hasObjects}})
	if hasObjects {
		s.syncSeq++
		for _, page := range syncPages(s.syncSeq, states, s.pageSize) {
			c.deliver(page)
		}
	}
	s.channels.Store(c.id, c)
	s.log.Info("channel attached", "channel", s.name, "connection", c.id, "objects", len(states))
	return nil
}

func (s *Server) detach(c *Channel) {
	s.channels.Delete(c.id)
}

// Resync sends every attached channel a fresh sync sequence, the way
// the service does after it lost continuity.
func (s *Server) Resync() {
	s.lock.Lock()
	defer s.lock.Unlock()
	states := s.mirror.Snapshot()
	s.channels.Range(func(_ string, c *Channel) bool {
		s.syncSeq++
		c.deliver(delivery{change: &liveobjects.ChannelStateChange{State: liveobjects.ChannelAttached, HasObjects: true}})
		for _, page := range syncPages(s.syncSeq, states, s.pageSize) {
			c.deliver(page)
		}
		return true
	})
}

// syncPages splits the states, the channel serial of the last page has
// an empty cursor.
func syncPages(seq int, states []*protocol.ObjectState, pageSize int) (pages []delivery) {
	for start := 0; start < len(states) || start == 0; start += pageSize {
		end := min(start+pageSize, len(states))
		page := delivery{}
		for _, st := range states[start:end] {
			page.sync = append(page.sync, &protocol.ObjectMessage{Object: st})
		}
		cursor := ""
		if end < len(states) {
			cursor = "c" + strconv.Itoa(end)
		}
		page.channelSerial = "s" + strconv.Itoa(seq) + ":" + cursor
		page.isSync = true
		pages = append(pages, page)
		if end == len(states) {
			break
		}
	}
	return
}

// Objects is the authoritative state as the server sees it.
func (s *Server) Objects() *liveobjects.Objects {
	return s.mirror
}

// Close detaches every channel.
func (s *Server) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	var channels []*Channel
	s.channels.Range(func(_ string, c *Channel) bool {
		channels = append(channels, c)
		return true
	})
	s.lock.Unlock()
	for _, c := range channels {
		c.stop(liveobjects.ChannelDetached)
	}
	return s.mirror.Close()
}

// mirrorChannel backs the server side state. It never publishes.
type mirrorChannel struct{}

func (mirrorChannel) Name() string                    { return "loopback-mirror" }
func (mirrorChannel) State() liveobjects.ChannelState { return liveobjects.ChannelAttached }
func (mirrorChannel) Modes() liveobjects.ChannelMode  { return liveobjects.ModeObjectSubscribe }
func (mirrorChannel) SiteCode() string                { return "" }
func (mirrorChannel) ClientID() string                { return "" }
func (mirrorChannel) MaxMessageSize() int             { return 0 }

func (mirrorChannel) Publish(context.Context, []*protocol.ObjectMessage) (*protocol.PublishResult, error) {
	return nil, errors.New("the loopback mirror does not publish")
}
