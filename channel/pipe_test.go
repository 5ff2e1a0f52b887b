package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	t.Run("delivers messages in order", func(t *testing.T) {
		a, b := Pipe[int, string]()
		defer a.Close()

		var mu sync.Mutex
		var got []int
		done := make(chan struct{})
		require.NoError(t, b.Listen(func(n int) {
			mu.Lock()
			got = append(got, n)
			if len(got) == 100 {
				close(done)
			}
			mu.Unlock()
		}))

		for i := 0; i < 100; i++ {
			require.NoError(t, a.Post(context.Background(), i))
		}

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deliveries")
		}

		mu.Lock()
		defer mu.Unlock()
		for i, n := range got {
			assert.Equal(t, i, n)
		}
	})

	t.Run("buffers messages posted before Listen", func(t *testing.T) {
		a, b := Pipe[string, string]()
		defer a.Close()

		require.NoError(t, b.Post(context.Background(), "early"))

		received := make(chan string, 1)
		require.NoError(t, a.Listen(func(s string) { received <- s }))

		select {
		case s := <-received:
			assert.Equal(t, "early", s)
		case <-time.After(time.Second):
			t.Fatal("buffered message was not delivered")
		}
	})

	t.Run("handler is never run concurrently", func(t *testing.T) {
		a, b := Pipe[int, int]()
		defer a.Close()

		var active, maxActive int
		var mu sync.Mutex
		var wg sync.WaitGroup
		wg.Add(50)
		require.NoError(t, b.Listen(func(int) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			wg.Done()
		}))

		var senders sync.WaitGroup
		for i := 0; i < 5; i++ {
			senders.Add(1)
			go func() {
				defer senders.Done()
				for j := 0; j < 10; j++ {
					_ = a.Post(context.Background(), j)
				}
			}()
		}
		senders.Wait()
		wg.Wait()

		assert.Equal(t, 1, maxActive)
	})

	t.Run("close releases both sides", func(t *testing.T) {
		a, b := Pipe[int, int]()

		require.NoError(t, b.Close())

		select {
		case <-a.Done():
		default:
			t.Fatal("peer Done not closed")
		}
		assert.ErrorIs(t, a.Post(context.Background(), 1), ErrClosed)
		assert.ErrorIs(t, a.Listen(func(int) {}), ErrClosed)
		assert.NoError(t, a.Close())
	})

	t.Run("second listener is refused", func(t *testing.T) {
		a, _ := Pipe[int, int]()
		defer a.Close()

		require.NoError(t, a.Listen(func(int) {}))
		assert.ErrorIs(t, a.Listen(func(int) {}), ErrAlreadyListening)
	})

	t.Run("post honours context", func(t *testing.T) {
		a, _ := Pipe[int, int]()
		defer a.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, a.Post(ctx, 1), context.Canceled)
	})
}
