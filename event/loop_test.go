package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() error {
			got = append(got, i)
			if i == 2 {
				l.Post(func() error {
					got = append(got, 10)
					return nil
				})
			}
			return nil
		})
	}
	done := errors.New("done")
	l.Post(func() error {
		// runs before the function posted by 2
		l.Post(func() error { return done })
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Run(ctx)
	testutil.Equals(t, done, err)
	testutil.Equals(t, []int{0, 1, 2, 3, 4, 10}, got)
}

func TestLoopPostFromManyGoroutines(t *testing.T) {
	l := NewLoop()
	const n = 100
	count := 0

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() error {
				count++
				if count == n {
					l.Stop()
				}
				return nil
			})
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testutil.Ok(t, l.Run(ctx))
	wg.Wait()
	testutil.Equals(t, n, count)
}

func TestLoopAfterFunc(t *testing.T) {
	l := NewLoop()
	expired := errors.New("expired")
	l.AfterFunc(10*time.Millisecond, func() error { return expired })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testutil.Equals(t, expired, l.Run(ctx))
}

func TestLoopAfterFuncStopped(t *testing.T) {
	l := NewLoop()
	stop := l.AfterFunc(20*time.Millisecond, func() error { return errors.New("should not fire") })
	testutil.Assert(t, stop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	testutil.Ok(t, l.Run(ctx))
}

func TestLoopStop(t *testing.T) {
	l := NewLoop()
	ran := false
	l.Post(func() error {
		l.Stop()
		return nil
	})
	l.Post(func() error {
		ran = true
		return nil
	})
	testutil.Ok(t, l.Run(context.Background()))
	testutil.Assert(t, !ran, "functions queued after Stop must not run")
	l.Stop()
}
