package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLockTable(t *testing.T) {
	Convey("Given a lock table", t, func() {
		locks := newLockTable()
		ctx := context.Background()

		Convey("When many goroutines lock the same key", func() {
			var inside, peak atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := locks.acquire(ctx, "k")
					if err != nil {
						return
					}
					n := inside.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					unlock()
				}()
			}
			wg.Wait()

			Convey("Then only one holds it at a time and the entry is freed", func() {
				So(peak.Load(), ShouldEqual, 1)
				So(locks.size(), ShouldEqual, 0)
			})
		})

		Convey("When different keys are locked", func() {
			ua, err := locks.acquire(ctx, "a")
			So(err, ShouldBeNil)
			ub, err := locks.acquire(ctx, "b")

			Convey("Then neither waits for the other", func() {
				So(err, ShouldBeNil)
				So(locks.size(), ShouldEqual, 2)
				ua()
				ub()
				So(locks.size(), ShouldEqual, 0)
			})
		})

		Convey("When the wait is canceled", func() {
			unlock, _ := locks.acquire(ctx, "k")
			cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err := locks.acquire(cctx, "k")

			Convey("Then the waiter gives up without leaking its entry", func() {
				So(err, ShouldEqual, context.DeadlineExceeded)
				unlock()
				So(locks.size(), ShouldEqual, 0)
			})
		})
	})
}
