package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	assert.Equal(t, 2, buf.Size())

	item, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", item)
	assert.Equal(t, 2, buf.Size(), "Peek must not consume")

	item, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", item)

	item, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "second", item)

	_, ok = buf.Read()
	assert.False(t, ok, "empty buffer read should report not ok")
}

func TestDropOldestPolicy(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](3,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	// 1 and 2 were evicted, buffer holds 3,4,5 in order.
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, buf.ReadBatch(10))
	assert.Equal(t, int64(2), buf.Stats().Drops())
}

func TestDropNewestPolicy(t *testing.T) {
	buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	err = buf.Write(3)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))
}

func TestReadBatchPartial(t *testing.T) {
	buf, err := NewCircularBuffer[int](8)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{0, 1, 2}, buf.ReadBatch(5))
	assert.Nil(t, buf.ReadBatch(5))
	assert.Nil(t, buf.ReadBatch(0))
}

func TestClearInvokesDropCallback(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](4,
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(7))
	require.NoError(t, buf.Write(8))
	buf.Clear()

	assert.Equal(t, []int{7, 8}, dropped)
	assert.True(t, buf.IsEmpty())
}

func TestDropCallbackMayReenterBuffer(t *testing.T) {
	// A callback that reads buffer state would deadlock if it ran under
	// the buffer mutex.
	var buf Buffer[int]
	var sizes []int
	var dropped []int
	cb := func(item int) {
		dropped = append(dropped, item)
		sizes = append(sizes, buf.Size())
	}

	var err error
	buf, err = NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](cb),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))
	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, []int{2}, sizes)

	buf.Clear()
	assert.Equal(t, []int{1, 2, 3}, dropped)

	var newest Buffer[int]
	newest, err = NewCircularBuffer[int](1,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(item int) {
			dropped = append(dropped, item+100)
			sizes = append(sizes, newest.Size())
		}),
	)
	require.NoError(t, err)
	defer newest.Close()

	require.NoError(t, newest.Write(4))
	assert.ErrorIs(t, newest.Write(5), ErrFull)
	assert.Contains(t, dropped, 105)
}

func TestWriteAfterCloseFails(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)
	require.NoError(t, buf.Close())
	assert.Error(t, buf.Write(1))
	assert.NoError(t, buf.Close(), "Close is idempotent")
}

func TestBlockPolicyReleasedByRead(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() { done <- buf.Write(2) }()

	// The blocked writer proceeds once the reader frees a slot.
	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, item)

	require.NoError(t, <-done)
	item, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, item)
}

func TestConcurrentWritersBoundedMemory(t *testing.T) {
	const capacity = 16
	buf, err := NewCircularBuffer[int](capacity)
	require.NoError(t, err)
	defer buf.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = buf.Write(base*1000 + i)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, buf.Size(), capacity)
	assert.Equal(t, int64(800), buf.Stats().Writes())
	assert.LessOrEqual(t, buf.Stats().MaxSize(), int64(capacity))
}
