package sf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_CollapsesConcurrentCalls(t *testing.T) {
	var (
		g     Group[int]
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	release := make(chan struct{})
	started := make(chan struct{})

	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := <-g.DoChan("k", func() (int, error) {
				if calls.Add(1) == 1 {
					close(started)
				}
				<-release
				return 7, nil
			})
			assert.NoError(t, r.Err)
			results[i] = r.Val
		}()
	}

	<-started
	close(release)
	wg.Wait()

	require.LessOrEqual(t, calls.Load(), int32(5))
	for _, v := range results {
		require.Equal(t, 7, v)
	}
}

func TestGroup_Error(t *testing.T) {
	var g Group[*int]
	boom := errors.New("boom")
	r := <-g.DoChan("k", func() (*int, error) { return nil, boom })
	require.ErrorIs(t, r.Err, boom)
	require.False(t, r.Shared)
	require.Nil(t, r.Val)
}

func TestGroup_AbandonedWaiterDoesNotAffectOthers(t *testing.T) {
	var g Group[string]
	release := make(chan struct{})

	first := g.DoChan("k", func() (string, error) {
		<-release
		return "done", nil
	})
	second := g.DoChan("k", func() (string, error) {
		return "not run", nil
	})

	// the first waiter walks away
	select {
	case <-first:
		t.Fatal("call finished early")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)

	select {
	case r := <-second:
		require.NoError(t, r.Err)
		require.Equal(t, "done", r.Val)
		require.True(t, r.Shared)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}
