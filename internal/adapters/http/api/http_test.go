package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/podium/internal/adapters/http/api"
	"github.com/okian/podium/internal/adapters/ratelimit"
	"github.com/okian/podium/internal/domain/fanout"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
)

func init() {
	_ = logger.Init()
}

// mockDependencies implements api.Dependencies with canned answers and a
// real fan-out hub for the stream.
type mockDependencies struct {
	mu sync.Mutex

	users       []model.Entity
	registerErr error

	claimRes  model.ClaimResult
	claimErr  error
	claimIDs  []string
	claimKeys []string

	decision ratelimit.Decision
	allowErr error

	snap  model.Snapshot
	lbErr error

	page     model.Page
	histErr  error
	histPage int
	histSize int

	readyErr error
	stats    types.Stats

	hub *fanout.Hub
}

func newMockDependencies() *mockDependencies {
	m := &mockDependencies{
		decision: ratelimit.Decision{Allowed: true, Remaining: 9},
		snap: model.Snapshot{
			Generation: 1,
			ComputedAt: time.Now(),
			Entries: []model.RankedEntity{
				{Entity: model.Entity{ID: "a", Name: "Alice", Score: 9}, Rank: 1},
				{Entity: model.Entity{ID: "b", Name: "Bob", Score: 3}, Rank: 2},
			},
		},
	}
	m.hub = fanout.NewHub(m)
	return m
}

func (m *mockDependencies) Current(context.Context) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.lbErr
}

func (m *mockDependencies) Users(context.Context) ([]model.Entity, error) {
	return m.users, nil
}

func (m *mockDependencies) Register(_ context.Context, name string) (model.Entity, error) {
	if m.registerErr != nil {
		return model.Entity{}, m.registerErr
	}
	n, err := model.NormalizeName(name)
	if err != nil {
		return model.Entity{}, err
	}
	return model.Entity{ID: "new-id", Name: n, CreatedAt: time.Now()}, nil
}

func (m *mockDependencies) Claim(_ context.Context, id, key string) (model.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimIDs = append(m.claimIDs, id)
	m.claimKeys = append(m.claimKeys, key)
	return m.claimRes, m.claimErr
}

func (m *mockDependencies) Allow(context.Context, string) (ratelimit.Decision, error) {
	return m.decision, m.allowErr
}

func (m *mockDependencies) Leaderboard(ctx context.Context) (model.Snapshot, error) {
	return m.Current(ctx)
}

func (m *mockDependencies) History(_ context.Context, page, size int) (model.Page, error) {
	m.histPage, m.histSize = page, size
	return m.page, m.histErr
}

func (m *mockDependencies) HistoryPageSizes() (int, int) { return 10, 100 }

func (m *mockDependencies) Subscribe(ctx context.Context) (*fanout.Subscription, error) {
	return m.hub.Subscribe(ctx)
}

func (m *mockDependencies) Unsubscribe(sub *fanout.Subscription) { m.hub.Unsubscribe(sub) }

func (m *mockDependencies) DeliveryFailed(ctx context.Context, sub *fanout.Subscription, err error) {
	m.hub.ReportDeliveryFailure(ctx, sub, err)
}

func (m *mockDependencies) Ready(context.Context) error { return m.readyErr }

func (m *mockDependencies) GetStats(context.Context) types.Stats { return m.stats }

func newMux(deps *mockDependencies, opts ...api.Option) *http.ServeMux {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	mux := http.NewServeMux()
	api.NewServer(deps, opts...).Register(context.Background(), mux)
	return mux
}

func do(mux http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeError(w *httptest.ResponseRecorder) types.ErrorResponse {
	var e types.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	return e
}

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("Then /healthz serves Prometheus metrics", func() {
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("And /stats serves the service statistics", func() {
			deps.stats = types.Stats{Entities: 4, Events: 12, Store: "memory"}
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)

			var got types.Stats
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got.Entities, ShouldEqual, 4)
			So(got.Events, ShouldEqual, 12)
			So(got.Store, ShouldEqual, "memory")
		})

		Convey("And every response carries a request id", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Header().Get(api.RequestIDHeader), ShouldNotBeEmpty)

			w = do(mux, http.MethodGet, "/stats", "", api.RequestIDHeader, "req-1")
			So(w.Header().Get(api.RequestIDHeader), ShouldEqual, "req-1")
		})

		Convey("And unknown methods are rejected by the mux", func() {
			w := do(mux, http.MethodDelete, "/api/users", "")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})

	Convey("Given a nil mux", t, func() {
		deps := newMockDependencies()
		So(logger.Init(), ShouldBeNil)
		server := api.NewServer(deps)
		So(func() { server.Register(context.Background(), nil) }, ShouldPanic)
	})
}

func TestReadiness(t *testing.T) {
	Convey("Given the readiness endpoint", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("When every dependency is reachable", func() {
			w := do(mux, http.MethodGet, "/readyz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "ready")
		})

		Convey("When the store is down", func() {
			deps.readyErr = errors.New("connection refused")
			w := do(mux, http.MethodGet, "/readyz", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(w.Header().Get("Retry-After"), ShouldNotBeEmpty)
			So(decodeError(w).Code, ShouldEqual, "store_unavailable")
		})
	})
}

func TestUsers(t *testing.T) {
	Convey("Given the users endpoints", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("When listing users", func() {
			deps.users = []model.Entity{
				{ID: "a", Name: "Alice", Score: 9},
				{ID: "b", Name: "Bob", Score: 3},
			}
			w := do(mux, http.MethodGet, "/api/users", "")
			So(w.Code, ShouldEqual, http.StatusOK)

			Convey("Then only ids and names are exposed", func() {
				var raw []map[string]any
				So(json.Unmarshal(w.Body.Bytes(), &raw), ShouldBeNil)
				So(raw, ShouldHaveLength, 2)
				So(raw[0]["id"], ShouldEqual, "a")
				So(raw[0]["name"], ShouldEqual, "Alice")
				So(raw[0], ShouldNotContainKey, "score")
			})
		})

		Convey("When the store has no users", func() {
			w := do(mux, http.MethodGet, "/api/users", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(w.Body.String()), ShouldEqual, "[]")
		})

		Convey("When registering a valid name", func() {
			w := do(mux, http.MethodPost, "/api/users", `{"name":"  Carol "}`)
			So(w.Code, ShouldEqual, http.StatusCreated)

			var got types.UserView
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got.Name, ShouldEqual, "Carol")
			So(got.ID, ShouldEqual, "new-id")
		})

		Convey("When registering a blank name", func() {
			w := do(mux, http.MethodPost, "/api/users", `{"name":"   "}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeError(w).Code, ShouldEqual, "invalid_input")
		})

		Convey("When the body is not JSON", func() {
			w := do(mux, http.MethodPost, "/api/users", `name=Carol`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeError(w).Code, ShouldEqual, "invalid_input")
		})

		Convey("When the name is taken", func() {
			deps.registerErr = model.ErrDuplicateName
			w := do(mux, http.MethodPost, "/api/users", `{"name":"Alice"}`)
			So(w.Code, ShouldEqual, http.StatusConflict)
			So(decodeError(w).Code, ShouldEqual, "duplicate_name")
		})

		Convey("When the store is unavailable", func() {
			deps.registerErr = model.Unavailable("create entity", errors.New("database is locked"))
			w := do(mux, http.MethodPost, "/api/users", `{"name":"Dan"}`)
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(w.Header().Get("Retry-After"), ShouldEqual, "1")
		})

		Convey("When an unexpected error occurs", func() {
			deps.registerErr = errors.New("kaboom")
			w := do(mux, http.MethodPost, "/api/users", `{"name":"Dan"}`)
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
			e := decodeError(w)
			So(e.Code, ShouldEqual, "internal_error")
			So(e.Message, ShouldNotContainSubstring, "kaboom")
		})
	})
}

func TestClaim(t *testing.T) {
	Convey("Given the claim endpoint", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)
		deps.claimRes = model.ClaimResult{
			Entity: model.Entity{ID: "a", Name: "Alice", Score: 16},
			Delta:  7,
			Event:  model.Event{ID: "ev1", EntityID: "a", Delta: 7},
		}

		Convey("When the claim succeeds", func() {
			w := do(mux, http.MethodPost, "/api/users/a/claim", "")
			So(w.Code, ShouldEqual, http.StatusOK)

			var got types.ClaimResponse
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got.Message, ShouldEqual, "Awarded 7 points to Alice")
			So(got.Points, ShouldEqual, 7)
			So(got.Score, ShouldEqual, 16)
			So(got.User.ID, ShouldEqual, "a")
			So(got.Replayed, ShouldBeFalse)
			So(deps.claimIDs, ShouldResemble, []string{"a"})
			So(deps.claimKeys, ShouldResemble, []string{""})
		})

		Convey("When an idempotency key is sent", func() {
			deps.claimRes.Replayed = true
			w := do(mux, http.MethodPost, "/api/users/a/claim", "", api.IdempotencyKeyHeader, " key-1 ")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.claimKeys, ShouldResemble, []string{"key-1"})

			var got types.ClaimResponse
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got.Replayed, ShouldBeTrue)
		})

		Convey("When the user does not exist", func() {
			deps.claimErr = model.ErrNotFound
			w := do(mux, http.MethodPost, "/api/users/ghost/claim", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(decodeError(w).Code, ShouldEqual, "not_found")
		})

		Convey("When the key was used for another user", func() {
			deps.claimErr = model.Invalid("idempotency key reused for another entity")
			w := do(mux, http.MethodPost, "/api/users/b/claim", "", api.IdempotencyKeyHeader, "key-1")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the client is over its rate limit", func() {
			deps.decision = ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}
			w := do(mux, http.MethodPost, "/api/users/a/claim", "")
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			So(w.Header().Get("Retry-After"), ShouldEqual, "3")
			So(decodeError(w).Code, ShouldEqual, "rate_limited")
			So(deps.claimIDs, ShouldBeEmpty)
		})

		Convey("When the rate limiter is unreachable", func() {
			deps.allowErr = errors.New("redis: connection refused")
			w := do(mux, http.MethodPost, "/api/users/a/claim", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.claimIDs, ShouldHaveLength, 1)
		})
	})
}

func TestLeaderboard(t *testing.T) {
	Convey("Given the leaderboard endpoint", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("When the ranking is available", func() {
			w := do(mux, http.MethodGet, "/api/leaderboard", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get(api.GenerationHeader), ShouldEqual, "1")

			var got []types.RankedEntityView
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got, ShouldHaveLength, 2)
			So(got[0], ShouldResemble, types.RankedEntityView{ID: "a", Name: "Alice", Score: 9, Rank: 1})
			So(got[1].Rank, ShouldEqual, 2)
		})

		Convey("When there are no entities", func() {
			deps.snap = model.Snapshot{Generation: 0}
			w := do(mux, http.MethodGet, "/api/leaderboard", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(w.Body.String()), ShouldEqual, "[]")
		})

		Convey("When the store fails", func() {
			deps.lbErr = model.Unavailable("list entities", errors.New("bad conn"))
			w := do(mux, http.MethodGet, "/api/leaderboard", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestHistory(t *testing.T) {
	Convey("Given the history endpoint", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		deps.page = model.Page{
			Entries: []model.HistoryEntry{
				{Event: model.Event{ID: "e2", EntityID: "a", Delta: 4, At: at}, EntityName: "Alice"},
			},
			Number: 2, Size: 1, Total: 3, TotalPages: 3,
		}

		Convey("When no parameters are given", func() {
			w := do(mux, http.MethodGet, "/api/history", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.histPage, ShouldEqual, 1)
			So(deps.histSize, ShouldEqual, 10)
		})

		Convey("When limit is given", func() {
			w := do(mux, http.MethodGet, "/api/history?page=2&limit=1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.histPage, ShouldEqual, 2)
			So(deps.histSize, ShouldEqual, 1)

			var got types.HistoryResponse
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got.CurrentPage, ShouldEqual, 2)
			So(got.TotalPages, ShouldEqual, 3)
			So(got.Total, ShouldEqual, 3)
			So(got.History, ShouldHaveLength, 1)
			So(got.History[0].UserName, ShouldEqual, "Alice")
			So(got.History[0].Points, ShouldEqual, 4)
			So(got.History[0].ClaimedAt.Equal(at), ShouldBeTrue)
		})

		Convey("When pageSize is used instead of limit", func() {
			w := do(mux, http.MethodGet, "/api/history?pageSize=5", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.histSize, ShouldEqual, 5)
		})

		Convey("When page is not a number", func() {
			w := do(mux, http.MethodGet, "/api/history?page=two", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeError(w).Code, ShouldEqual, "invalid_input")
		})

		Convey("When the pager rejects the size", func() {
			deps.histErr = model.Invalid("page size 500 exceeds 100")
			w := do(mux, http.MethodGet, "/api/history?limit=500", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestKindError(t *testing.T) {
	Convey("Given kind errors", t, func() {
		cause := errors.New("boom")

		Convey("Then WrapKind matches both the kind and the cause", func() {
			err := api.WrapKind("api.op", api.ErrBadRequest, cause)
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: bad request: boom")
		})

		Convey("And NewKind carries only the kind", func() {
			err := api.NewKind("api.op", api.ErrRateLimited)
			So(errors.Is(err, api.ErrRateLimited), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: rate limited")
		})

		Convey("And Wrap keeps nil as nil", func() {
			So(api.Wrap("api.op", nil), ShouldBeNil)
			So(errors.Is(api.Wrap("api.op", model.ErrNotFound), model.ErrNotFound), ShouldBeTrue)
		})
	})
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func TestStream(t *testing.T) {
	Convey("Given a running stream endpoint", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps, api.WithStreamTimings(time.Second, 50*time.Millisecond))
		srv := httptest.NewServer(mux)
		defer srv.Close()

		Convey("When an observer connects with JSON", func() {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
			So(err, ShouldBeNil)
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

			Convey("Then the current ranking arrives first", func() {
				mt, data, err := conn.ReadMessage()
				So(err, ShouldBeNil)
				So(mt, ShouldEqual, websocket.TextMessage)

				var msg types.StreamMessage
				So(json.Unmarshal(data, &msg), ShouldBeNil)
				So(msg.Event, ShouldEqual, types.EventLeaderboardUpdate)
				So(msg.Generation, ShouldEqual, 1)
				So(msg.Leaderboard, ShouldHaveLength, 2)
				So(msg.Leaderboard[0].Name, ShouldEqual, "Alice")

				Convey("And a newer broadcast follows", func() {
					next := deps.snap
					next.Generation = 2
					next.Entries = []model.RankedEntity{
						{Entity: model.Entity{ID: "b", Name: "Bob", Score: 12}, Rank: 1},
						{Entity: model.Entity{ID: "a", Name: "Alice", Score: 9}, Rank: 2},
					}
					deps.hub.Broadcast(next)

					_, data, err := conn.ReadMessage()
					So(err, ShouldBeNil)
					var msg types.StreamMessage
					So(json.Unmarshal(data, &msg), ShouldBeNil)
					So(msg.Generation, ShouldEqual, 2)
					So(msg.Leaderboard[0].ID, ShouldEqual, "b")
				})
			})
		})

		Convey("When an observer asks for CBOR", func() {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?encoding=cbor"), nil)
			So(err, ShouldBeNil)
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

			mt, data, err := conn.ReadMessage()
			So(err, ShouldBeNil)
			So(mt, ShouldEqual, websocket.BinaryMessage)

			var msg types.StreamMessage
			So(cbor.Unmarshal(data, &msg), ShouldBeNil)
			So(msg.Generation, ShouldEqual, 1)
			So(msg.Leaderboard[1].Name, ShouldEqual, "Bob")
		})

		Convey("When the encoding is unknown", func() {
			w := do(mux, http.MethodGet, "/ws?encoding=xml", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.hub.Count(), ShouldEqual, 0)
		})

		Convey("When the observer disconnects", func() {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
			So(err, ShouldBeNil)
			_, _, err = conn.ReadMessage()
			So(err, ShouldBeNil)
			So(deps.hub.Count(), ShouldEqual, 1)

			_ = conn.Close()
			So(waitFor(func() bool { return deps.hub.Count() == 0 }), ShouldBeTrue)
		})

		Convey("When the hub shuts down", func() {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
			So(err, ShouldBeNil)
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			So(err, ShouldBeNil)

			deps.hub.Close()
			_, _, err = conn.ReadMessage()
			So(websocket.IsCloseError(err, websocket.CloseGoingAway), ShouldBeTrue)

			Convey("Then new observers are refused", func() {
				w := do(mux, http.MethodGet, "/ws", "")
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			})
		})

		Convey("When the origin is not allowed", func() {
			strict := newMux(deps, api.WithAllowedOrigins([]string{"https://podium.example"}))
			strictSrv := httptest.NewServer(strict)
			defer strictSrv.Close()

			header := http.Header{"Origin": []string{"https://evil.example"}}
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(strictSrv, ""), header)
			So(err, ShouldNotBeNil)
			So(resp, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
			So(waitFor(func() bool { return deps.hub.Count() == 0 }), ShouldBeTrue)

			header = http.Header{"Origin": []string{"https://PODIUM.example"}}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(strictSrv, ""), header)
			So(err, ShouldBeNil)
			_ = conn.Close()
		})
	})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
