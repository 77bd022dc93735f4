package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_Order(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4

	queue := NewQueue[int](N * K)

	var wg sync.WaitGroup
	for k := 0; k < K; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for n := 0; n < N; n++ {
				assert.NoError(t, queue.Push(k<<16|n))
			}
		}(k)
	}

	check := [K]int{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < N*K; i++ {
		v, err := queue.Pop(ctx)
		assert.NoError(t, err)
		k, n := v>>16, v&0xffff
		assert.Equal(t, check[k], n)
		check[k] = n + 1
	}
	wg.Wait()
	assert.Equal(t, 0, queue.Size())
}

func TestQueue_Overflow(t *testing.T) {
	queue := NewQueue[string](2)
	assert.NoError(t, queue.Push("a"))
	assert.NoError(t, queue.Push("b"))
	assert.ErrorIs(t, queue.Push("c"), ErrOverflow)
	assert.ErrorIs(t, queue.Push("d"), ErrOverflow)

	ctx := context.Background()
	v, err := queue.Pop(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = queue.Pop(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "b", v)
	_, err = queue.Pop(ctx)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestQueue_CloseAndCancel(t *testing.T) {
	queue := NewQueue[int](4)
	assert.NoError(t, queue.Push(1))
	assert.NoError(t, queue.Close())
	assert.ErrorIs(t, queue.Push(2), ErrClosed)

	v, err := queue.Pop(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = queue.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	open := NewQueue[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = open.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_WakesWaiter(t *testing.T) {
	queue := NewQueue[int](4)
	done := make(chan int)
	go func() {
		v, err := queue.Pop(context.Background())
		assert.NoError(t, err)
		done <- v
	}()
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, queue.Push(42))
	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}
