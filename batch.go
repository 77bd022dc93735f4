package liveobjects

import (
	"context"
	"sync"

	"github.com/drpcorg/liveobjects/liveobjects_errors"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/pkg/errors"
)

type batch struct {
	objects *Objects
	lock    sync.Mutex
	closed  bool
	msgs    []*protocol.ObjectMessage
}

func (b *batch) stage(msgs []*protocol.ObjectMessage) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return liveobjects_errors.ErrBatchClosed
	}
	b.msgs = append(b.msgs, msgs...)
	return nil
}

func (b *batch) check() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return liveobjects_errors.ErrBatchClosed
	}
	return nil
}

func (b *batch) close() []*protocol.ObjectMessage {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	msgs := b.msgs
	b.msgs = nil
	return msgs
}

// BatchContext reads the state as it was before the batch and stages
// writes. It is usable only inside the batch function.
type BatchContext struct {
	batch *batch
	// inst is nil when the context points at nothing.
	inst *Instance
}

func (c *BatchContext) Get(key string) (*BatchContext, error) {
	if err := c.batch.check(); err != nil {
		return nil, err
	}
	var child *Instance
	if c.inst != nil {
		child = c.inst.Get(key)
	}
	return &BatchContext{batch: c.batch, inst: child}, nil
}

func (c *BatchContext) ID() (string, error) {
	if err := c.batch.check(); err != nil || c.inst == nil {
		return "", err
	}
	return c.inst.ID(), nil
}

func (c *BatchContext) Value() (any, error) {
	if err := c.batch.check(); err != nil || c.inst == nil {
		return nil, err
	}
	return c.inst.Value(), nil
}

func (c *BatchContext) Size() (int, error) {
	if err := c.batch.check(); err != nil || c.inst == nil {
		return 0, err
	}
	return c.inst.Size(), nil
}

func (c *BatchContext) Keys() ([]string, error) {
	if err := c.batch.check(); err != nil || c.inst == nil {
		return nil, err
	}
	return c.inst.Keys(), nil
}

func (c *BatchContext) Compact() (any, error) {
	if err := c.batch.check(); err != nil || c.inst == nil {
		return nil, err
	}
	return c.inst.Compact(), nil
}

func (c *BatchContext) CompactJSON() (any, error) {
	if err := c.batch.check(); err != nil || c.inst == nil {
		return nil, err
	}
	return c.inst.CompactJSON(), nil
}

func (c *BatchContext) target(op string) (LiveObject, error) {
	if err := c.batch.check(); err != nil {
		return nil, err
	}
	if c.inst == nil {
		return nil, liveobjects_errors.PathNotResolvedError(op)
	}
	return c.inst.target(op)
}

func (c *BatchContext) Set(key string, value any) error {
	obj, err := c.target("set")
	if err != nil {
		return err
	}
	msgs, err := c.batch.objects.setMessages(obj, key, value)
	if err != nil {
		return err
	}
	return c.batch.stage(msgs)
}

func (c *BatchContext) Remove(key string) error {
	obj, err := c.target("remove")
	if err != nil {
		return err
	}
	msgs, err := c.batch.objects.removeMessages(obj, key)
	if err != nil {
		return err
	}
	return c.batch.stage(msgs)
}

func (c *BatchContext) Increment(amount float64) error {
	obj, err := c.target("increment")
	if err != nil {
		return err
	}
	msgs, err := c.batch.objects.incrementMessages(obj, amount)
	if err != nil {
		return err
	}
	return c.batch.stage(msgs)
}

func (c *BatchContext) Decrement(amount float64) error {
	return c.Increment(-amount)
}

// runBatch publishes what fn staged in one go if fn returns nil.
// On an error or a panic in fn nothing is published. The context is
// closed either way.
func (o *Objects) runBatch(ctx context.Context, inst *Instance, fn func(*BatchContext) error) error {
	if err := o.checkWritable(); err != nil {
		return err
	}
	b := &batch{objects: o}
	err := callBatch(fn, &BatchContext{batch: b, inst: inst})
	msgs := b.close()
	if err != nil {
		return err
	}
	return o.publishAndApply(ctx, msgs)
}

func callBatch(fn func(*BatchContext) error, ctx *BatchContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("batch cancelled by panic: %v", r)
		}
	}()
	return fn(ctx)
}
