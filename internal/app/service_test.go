package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/podium/internal/adapters/ratelimit"
	service "github.com/okian/podium/internal/app"
	"github.com/okian/podium/internal/config"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/points"
	"github.com/okian/podium/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func memoryConfig() *config.Config {
	cfg := config.New()
	cfg.StoreDriver = config.DriverMemory
	cfg.StoreDSN = ""
	cfg.SeedNames = nil
	cfg.ClaimRateLimit = 0
	return cfg
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a service that has not started", t, func() {
		svc := service.New(memoryConfig())
		ctx := context.Background()

		Convey("Then operations report it is not started", func() {
			_, err := svc.Register(ctx, "Alice")
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(errors.Is(svc.Ready(ctx), service.ErrNotStarted), ShouldBeTrue)
			So(svc.Stop(ctx), ShouldBeNil)
		})

		Convey("When it starts with the default seed names", func() {
			cfg := memoryConfig()
			cfg.SeedNames = config.DefaultSeedNames
			svc := service.New(cfg)
			So(svc.Start(ctx), ShouldBeNil)
			Reset(func() { _ = svc.Stop(ctx) })

			Convey("Then the store is seeded in order and ranked", func() {
				users, err := svc.Users(ctx)
				So(err, ShouldBeNil)
				So(users, ShouldHaveLength, 10)
				So(users[0].Name, ShouldEqual, "Rahul")
				So(users[9].Name, ShouldEqual, "Sneha")

				snap, err := svc.Leaderboard(ctx)
				So(err, ShouldBeNil)
				So(snap.Entries[0].Name, ShouldEqual, "Rahul")
				So(snap.Entries[0].Rank, ShouldEqual, 1)
			})

			Convey("Then it is ready and reports stats", func() {
				So(svc.Ready(ctx), ShouldBeNil)
				stats := svc.GetStats(ctx)
				So(stats.Entities, ShouldEqual, 10)
				So(stats.Workers, ShouldEqual, 1)
				So(stats.QueueCapacity, ShouldEqual, 1024)
				So(stats.Store, ShouldEqual, config.DriverMemory)
				So(stats.Generation, ShouldBeGreaterThan, 0)
			})

			Convey("And it is started twice", func() {
				So(svc.Start(ctx), ShouldBeNil)

				Convey("Then nothing is seeded again", func() {
					users, _ := svc.Users(ctx)
					So(users, ShouldHaveLength, 10)
				})
			})
		})
	})
}

func TestService_Claims(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		svc := service.New(memoryConfig(), service.WithPolicy(points.Fixed(4)))
		So(svc.Start(ctx), ShouldBeNil)
		Reset(func() { _ = svc.Stop(ctx) })

		alice, err := svc.Register(ctx, "Alice")
		So(err, ShouldBeNil)

		Convey("When a claim carries an idempotency key and is repeated", func() {
			first, err := svc.Claim(ctx, alice.ID, "key-1")
			So(err, ShouldBeNil)
			second, err := svc.Claim(ctx, alice.ID, "key-1")
			So(err, ShouldBeNil)

			Convey("Then the points are applied once", func() {
				So(first.Replayed, ShouldBeFalse)
				So(second.Replayed, ShouldBeTrue)
				So(second.Entity.Score, ShouldEqual, 4)
				page, err := svc.History(ctx, 1, 10)
				So(err, ShouldBeNil)
				So(page.Total, ShouldEqual, 1)
			})
		})

		Convey("When claims carry no key", func() {
			for i := 0; i < 3; i++ {
				_, err := svc.Claim(ctx, alice.ID, "")
				So(err, ShouldBeNil)
			}

			Convey("Then every claim is applied", func() {
				snap, err := svc.Leaderboard(ctx)
				So(err, ShouldBeNil)
				So(snap.Entries[0].Score, ShouldEqual, 12)
			})
		})

		Convey("When an observer is subscribed during a claim", func() {
			sub, err := svc.Subscribe(ctx)
			So(err, ShouldBeNil)
			Reset(func() { svc.Unsubscribe(sub) })

			_, err = svc.Claim(ctx, alice.ID, "")
			So(err, ShouldBeNil)

			Convey("Then it eventually sees the new score", func() {
				deadline := time.After(2 * time.Second)
				seen := false
				for !seen {
					select {
					case snap := <-sub.C():
						seen = len(snap.Entries) == 1 && snap.Entries[0].Score == 4
					case <-deadline:
						So("no snapshot with the claim", ShouldBeEmpty)
						return
					}
				}
				So(seen, ShouldBeTrue)
			})
		})

		Convey("When many claims run concurrently", func() {
			bob, _ := svc.Register(ctx, "Bob")
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := alice.ID
					if i%2 == 0 {
						id = bob.ID
					}
					_, _ = svc.Claim(ctx, id, "")
				}(i)
			}
			wg.Wait()

			Convey("Then each score is the sum of its events", func() {
				page, err := svc.History(ctx, 1, 100)
				So(err, ShouldBeNil)
				So(page.Total, ShouldEqual, 40)
				sums := map[string]int64{}
				for _, e := range page.Entries {
					sums[e.EntityID] += e.Delta
				}
				users, _ := svc.Leaderboard(ctx)
				for _, r := range users.Entries {
					So(r.Score, ShouldEqual, sums[r.ID])
				}
			})
		})

		Convey("When the claim target does not exist", func() {
			_, err := svc.Claim(ctx, "missing", "k")

			Convey("Then it is not found", func() {
				So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestService_RateLimit(t *testing.T) {
	Convey("Given a service limiting claims to 2 per minute", t, func() {
		ctx := context.Background()
		cfg := memoryConfig()
		cfg.ClaimRateLimit = 2
		svc := service.New(cfg)
		So(svc.Start(ctx), ShouldBeNil)
		Reset(func() { _ = svc.Stop(ctx) })

		Convey("When a client exceeds the limit", func() {
			var last ratelimit.Decision
			for i := 0; i < 3; i++ {
				d, err := svc.Allow(ctx, "10.0.0.1")
				So(err, ShouldBeNil)
				last = d
			}

			Convey("Then the third request is refused", func() {
				So(last.Allowed, ShouldBeFalse)
				So(last.RetryAfter, ShouldBeGreaterThan, 0)
			})
		})
	})

	Convey("Given a service without limiting", t, func() {
		ctx := context.Background()
		svc := service.New(memoryConfig())
		So(svc.Start(ctx), ShouldBeNil)
		Reset(func() { _ = svc.Stop(ctx) })

		d, err := svc.Allow(ctx, "10.0.0.1")
		So(err, ShouldBeNil)
		So(d.Allowed, ShouldBeTrue)
	})
}
