package link

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	t.Parallel()
	q := NewQueue(2)
	_, ok := q.TryPop()
	assert.False(t, ok)

	assert.Equal(t, ErrEmptyMessage, q.Push(nil))
	assert.Equal(t, ErrNulInMessage, q.Push([]byte("a\x00b")))

	src := []byte("first")
	require.NoError(t, q.Push(src))
	src[0] = 'X'
	require.NoError(t, q.Push([]byte("second")))
	assert.Equal(t, ErrQueueFull, q.Push([]byte("third")))
	assert.Equal(t, 2, q.Len())

	b, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "first", string(b), "queue must own its copy")
	b, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "second", string(b))
	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestQueueConcurrent(t *testing.T) {
	t.Parallel()
	const producers = 4
	const each = 100
	q := NewQueue(producers * each)
	wg := sync.WaitGroup{}
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = q.Push([]byte(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}
	got := 0
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		if _, ok := q.TryPop(); ok {
			got++
			continue
		}
		select {
		case <-done:
			for {
				if _, ok := q.TryPop(); !ok {
					break
				}
				got++
			}
			assert.Equal(t, producers*each, got)
			return
		default:
		}
	}
}

func TestMemory(t *testing.T) {
	t.Parallel()
	m := NewMemory(4)
	assert.Error(t, m.Inject([]byte("early")))
	require.NoError(t, m.Start("Uplink-ab12"))
	assert.Equal(t, "Uplink-ab12", m.Name())
	assert.False(t, m.IsPeerConnected())
	assert.Error(t, m.Send([]byte("x")))

	m.Connect()
	require.NoError(t, m.Inject([]byte(`{"t":"ping"}`)))
	b, ok := m.TryReceive()
	require.True(t, ok)
	assert.Equal(t, `{"t":"ping"}`, string(b))
	require.NoError(t, m.Send([]byte("pong")))
	assert.Equal(t, [][]byte{[]byte("pong")}, m.Sent())

	require.NoError(t, m.Stop())
	assert.False(t, m.IsPeerConnected())
	starts, stops := m.Counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}
