package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/drpcorg/liveobjects"
	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
)

var ErrNotBound = errors.New("loopback channel has no objects bound")

// delivery is one item of a channel inbox.
type delivery struct {
	change        *liveobjects.ChannelStateChange
	ops           []*protocol.ObjectMessage
	sync          []*protocol.ObjectMessage
	channelSerial string
	isSync        bool
	done          chan struct{}
}

// Channel is one client connection to a Server. It implements
// liveobjects.Channel.
type Channel struct {
	server   *Server
	id       string
	clientID string
	modes    liveobjects.ChannelMode
	log      utils.Logger

	lock    sync.Mutex
	state   liveobjects.ChannelState
	objects *liveobjects.Objects
	inbox   *utils.Queue[delivery]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (c *Channel) Name() string {
	return c.server.name
}

func (c *Channel) ConnectionID() string {
	return c.id
}

func (c *Channel) State() liveobjects.ChannelState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Channel) Modes() liveobjects.ChannelMode {
	return c.modes
}

func (c *Channel) SiteCode() string {
	return c.server.site
}

func (c *Channel) ClientID() string {
	return c.clientID
}

func (c *Channel) MaxMessageSize() int {
	return c.server.maxSize
}

func (c *Channel) Publish(ctx context.Context, msgs []*protocol.ObjectMessage) (*protocol.PublishResult, error) {
	if st := c.State(); st != liveobjects.ChannelAttached {
		return nil, liveobjects_errors.ChannelStateError(string(st))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.server.publish(c, msgs)
}

// Bind sets the objects the channel delivers to.
func (c *Channel) Bind(objects *liveobjects.Objects) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.objects = objects
}

// Attach joins the channel and waits until the sync sequence has been
// handed to the objects.
func (c *Channel) Attach(ctx context.Context) error {
	c.lock.Lock()
	if c.objects == nil {
		c.lock.Unlock()
		return ErrNotBound
	}
	if c.state == liveobjects.ChannelAttached {
		c.lock.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(utils.WithDefaultArgs(context.Background(), "channel", c.server.name))
	inbox := utils.NewQueue[delivery](DefaultInboxSize)
	c.inbox, c.cancel = inbox, cancel
	c.state = liveobjects.ChannelAttached
	objects := c.objects
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, inbox, objects)
	}()
	c.lock.Unlock()

	if err := c.server.attach(c); err != nil {
		c.stop(liveobjects.ChannelFailed)
		return err
	}
	return c.Settle(ctx)
}

// Detach leaves the channel. Undelivered operations are dropped.
func (c *Channel) Detach() {
	c.stop(liveobjects.ChannelDetached)
}

// Suspend simulates a lost connection.
func (c *Channel) Suspend() {
	c.stop(liveobjects.ChannelSuspended)
}

func (c *Channel) stop(state liveobjects.ChannelState) {
	c.lock.Lock()
	if c.state != liveobjects.ChannelAttached {
		c.lock.Unlock()
		return
	}
	c.state = state
	cancel, inbox, objects := c.cancel, c.inbox, c.objects
	c.lock.Unlock()

	c.server.detach(c)
	cancel()
	_ = inbox.Close()
	c.wg.Wait()
	objects.HandleStateChange(liveobjects.ChannelStateChange{State: state})
}

// Settle waits until everything delivered so far has been handled.
func (c *Channel) Settle(ctx context.Context) error {
	done := make(chan struct{})
	if !c.deliver(delivery{done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) deliver(d delivery) bool {
	c.lock.Lock()
	inbox, attached := c.inbox, c.state == liveobjects.ChannelAttached
	c.lock.Unlock()
	if !attached {
		return false
	}
	if err := inbox.Push(d); err != nil {
		c.log.Warn("delivery dropped", "err", err)
		return false
	}
	return true
}

func (c *Channel) run(ctx context.Context, inbox *utils.Queue[delivery], objects *liveobjects.Objects) {
	for {
		d, err := inbox.Pop(ctx)
		if errors.Is(err, utils.ErrOverflow) {
			// the client fell too far behind: the service would suspend it
			c.log.WarnCtx(ctx, "inbox overflowed, suspending")
			c.lock.Lock()
			c.state = liveobjects.ChannelSuspended
			c.lock.Unlock()
			c.server.detach(c)
			objects.HandleStateChange(liveobjects.ChannelStateChange{State: liveobjects.ChannelSuspended})
			return
		}
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			// stopped: drop the rest
			if d.done != nil {
				close(d.done)
			}
			continue
		}
		switch {
		case d.change != nil:
			objects.HandleStateChange(*d.change)
		case d.isSync:
			objects.HandleObjectSyncMessages(d.sync, d.channelSerial)
		case len(d.ops) > 0:
			objects.HandleObjectMessages(d.ops)
		}
		if d.done != nil {
			close(d.done)
		}
	}
}
