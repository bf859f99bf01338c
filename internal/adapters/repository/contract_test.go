package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/podium/internal/adapters/repository"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// claimTx applies delta to id the way the coordinator does.
func claimTx(ctx context.Context, s repository.Store, id string, delta int64) error {
	return s.Atomically(ctx, func(tx repository.Tx) error {
		e, err := tx.FindEntity(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.UpdateScore(ctx, id, e.Score+delta); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, id, delta)
		return err
	})
}

// runStoreContract exercises behavior every Store must share.
func runStoreContract(t *testing.T, name string, open func(t *testing.T) repository.Store) {
	Convey("Given a "+name+" store", t, func() {
		ctx := context.Background()
		s := open(t)
		Reset(func() { _ = s.Close() })

		Convey("When entities are created", func() {
			a, err := s.CreateEntity(ctx, "Alice")
			So(err, ShouldBeNil)
			b, err := s.CreateEntity(ctx, "Bob")
			So(err, ShouldBeNil)

			Convey("Then they are listed in insertion order with score 0", func() {
				list, err := s.ListEntities(ctx)
				So(err, ShouldBeNil)
				So(list, ShouldHaveLength, 2)
				So(list[0].ID, ShouldEqual, a.ID)
				So(list[1].ID, ShouldEqual, b.ID)
				So(list[0].Score, ShouldEqual, 0)
				So(a.ID, ShouldNotEqual, b.ID)

				n, err := s.CountEntities(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
			})

			Convey("Then a duplicate name is rejected", func() {
				_, err := s.CreateEntity(ctx, "Alice")
				So(errors.Is(err, model.ErrDuplicateName), ShouldBeTrue)
			})

			Convey("Then entities can be found by id", func() {
				got, err := s.FindEntity(ctx, b.ID)
				So(err, ShouldBeNil)
				So(got.Name, ShouldEqual, "Bob")
			})

			Convey("Then an unknown id is not found", func() {
				_, err := s.FindEntity(ctx, "missing")
				So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			})

			Convey("And a transaction commits", func() {
				So(claimTx(ctx, s, a.ID, 7), ShouldBeNil)

				Convey("Then the score and the event are both visible", func() {
					got, _ := s.FindEntity(ctx, a.ID)
					So(got.Score, ShouldEqual, 7)

					entries, total, err := s.PageEvents(ctx, 0, 10)
					So(err, ShouldBeNil)
					So(total, ShouldEqual, 1)
					So(entries, ShouldHaveLength, 1)
					So(entries[0].Delta, ShouldEqual, 7)
					So(entries[0].EntityID, ShouldEqual, a.ID)
					So(entries[0].EntityName, ShouldEqual, "Alice")
				})
			})

			Convey("And a transaction fails after writing", func() {
				boom := errors.New("boom")
				err := s.Atomically(ctx, func(tx repository.Tx) error {
					if err := tx.UpdateScore(ctx, a.ID, 99); err != nil {
						return err
					}
					if _, err := tx.AppendEvent(ctx, a.ID, 99); err != nil {
						return err
					}
					return boom
				})

				Convey("Then neither write is observable", func() {
					So(errors.Is(err, boom), ShouldBeTrue)
					got, _ := s.FindEntity(ctx, a.ID)
					So(got.Score, ShouldEqual, 0)
					n, err := s.CountEvents(ctx)
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 0)
				})
			})

			Convey("And a transaction reads its own writes", func() {
				var seen int64
				err := s.Atomically(ctx, func(tx repository.Tx) error {
					if err := tx.UpdateScore(ctx, b.ID, 5); err != nil {
						return err
					}
					e, err := tx.FindEntity(ctx, b.ID)
					seen = e.Score
					return err
				})
				So(err, ShouldBeNil)
				So(seen, ShouldEqual, 5)
			})

			Convey("And a transaction touches an unknown entity", func() {
				err := s.Atomically(ctx, func(tx repository.Tx) error {
					return tx.UpdateScore(ctx, "missing", 1)
				})
				So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			})

			Convey("And many events are appended", func() {
				for i := 1; i <= 25; i++ {
					id := a.ID
					if i%2 == 0 {
						id = b.ID
					}
					So(claimTx(ctx, s, id, int64(i%10+1)), ShouldBeNil)
				}

				Convey("Then pages are newest first with increasing timestamps", func() {
					all, total, err := s.PageEvents(ctx, 0, 100)
					So(err, ShouldBeNil)
					So(total, ShouldEqual, 25)
					So(all, ShouldHaveLength, 25)
					for i := 1; i < len(all); i++ {
						So(all[i-1].At.After(all[i].At), ShouldBeTrue)
						So(all[i-1].Seq, ShouldBeGreaterThan, all[i].Seq)
					}
					So(all[0].Delta, ShouldEqual, 25%10+1)
				})

				Convey("Then offsets slice the same order", func() {
					all, _, _ := s.PageEvents(ctx, 0, 100)
					page, total, err := s.PageEvents(ctx, 10, 10)
					So(err, ShouldBeNil)
					So(total, ShouldEqual, 25)
					So(page, ShouldHaveLength, 10)
					So(page[0].ID, ShouldEqual, all[10].ID)

					last, _, err := s.PageEvents(ctx, 20, 10)
					So(err, ShouldBeNil)
					So(last, ShouldHaveLength, 5)
				})

				Convey("Then an offset past the end is empty with the right total", func() {
					page, total, err := s.PageEvents(ctx, 100, 10)
					So(err, ShouldBeNil)
					So(page, ShouldBeEmpty)
					So(total, ShouldEqual, 25)
				})

				Convey("Then scores equal the sum of their deltas", func() {
					all, _, _ := s.PageEvents(ctx, 0, 100)
					sums := map[string]int64{}
					for _, e := range all {
						sums[e.EntityID] += e.Delta
					}
					list, _ := s.ListEntities(ctx)
					for _, e := range list {
						So(e.Score, ShouldEqual, sums[e.ID])
					}
				})
			})

			Convey("And one entity is claimed concurrently", func() {
				var wg sync.WaitGroup
				errs := make(chan error, 20)
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						errs <- claimTx(ctx, s, a.ID, 3)
					}()
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					So(err, ShouldBeNil)
				}

				Convey("Then no update is lost", func() {
					got, _ := s.FindEntity(ctx, a.ID)
					So(got.Score, ShouldEqual, 60)
					n, _ := s.CountEvents(ctx)
					So(n, ShouldEqual, 20)
				})
			})
		})

		Convey("When paging with invalid bounds", func() {
			_, _, err := s.PageEvents(ctx, -1, 10)
			So(errors.Is(err, model.ErrInvalidInput), ShouldBeTrue)
			_, _, err = s.PageEvents(ctx, 0, 0)
			So(errors.Is(err, model.ErrInvalidInput), ShouldBeTrue)
		})

		Convey("When the log is empty", func() {
			page, total, err := s.PageEvents(ctx, 0, 10)
			So(err, ShouldBeNil)
			So(page, ShouldBeEmpty)
			So(total, ShouldEqual, 0)
		})

		Convey("When the store is pinged", func() {
			So(s.Ping(ctx), ShouldBeNil)
		})

		Convey("When the store is closed", func() {
			So(s.Close(), ShouldBeNil)
			_, err := s.ListEntities(ctx)

			Convey("Then operations report the store unavailable", func() {
				So(errors.Is(err, model.ErrStoreUnavailable), ShouldBeTrue)
				So(errors.Is(s.Ping(ctx), model.ErrStoreUnavailable), ShouldBeTrue)
			})
		})
	})
}

func uniqueName(i int) string { return fmt.Sprintf("entity-%03d", i) }
