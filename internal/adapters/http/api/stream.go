package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/okian/podium/internal/domain/fanout"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
)

// Stream defaults.
const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	maxClientMessage    = 512
)

// Stream encodings selected with ?encoding=.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// StreamDependencies defines the interface for observer subscriptions.
type StreamDependencies interface {
	Subscribe(ctx context.Context) (*fanout.Subscription, error)
	Unsubscribe(sub *fanout.Subscription)
	DeliveryFailed(ctx context.Context, sub *fanout.Subscription, err error)
}

// StreamHandler pushes ranking snapshots to WebSocket observers.
type StreamHandler struct {
	deps         StreamDependencies
	log          logger.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewStreamHandler creates a new stream handler. An empty origins list
// accepts any origin.
func NewStreamHandler(deps StreamDependencies, log logger.Logger, writeTimeout, pingInterval time.Duration, origins []string) *StreamHandler {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return &StreamHandler{
		deps:         deps,
		log:          log,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowed, r.Header.Get("Origin"))
			},
		},
	}
}

func originAllowed(allowed map[string]struct{}, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	if _, ok := allowed["*"]; ok {
		return true
	}
	_, ok := allowed[strings.ToLower(origin)]
	return ok
}

// HandleStream handles GET /ws requests. The first message is the current
// ranking; every later message is a newer one.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	const op = "api.stream"
	ctx := r.Context()

	encoding := strings.ToLower(r.URL.Query().Get("encoding"))
	switch encoding {
	case "", EncodingJSON:
		encoding = EncodingJSON
	case EncodingCBOR:
	default:
		writeErr(w, WrapKind(op, ErrBadRequest, fmt.Errorf("unknown encoding %q", encoding)))
		return
	}

	// Subscribe before upgrading so failures still get an HTTP status.
	sub, err := h.deps.Subscribe(ctx)
	if err != nil {
		if errors.Is(err, fanout.ErrClosed) {
			err = WrapKind(op, model.ErrStoreUnavailable, err)
		}
		writeErr(w, Wrap(op, err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Unsubscribe(sub)
		h.log.Warn(ctx, "websocket upgrade failed", logger.String("subscription", sub.ID()), logger.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	defer h.deps.Unsubscribe(sub)

	h.log.Debug(ctx, "observer connected",
		logger.String("subscription", sub.ID()),
		logger.String("encoding", encoding),
		logger.String("remote", clientIP(r)))

	gone := h.readLoop(ctx, conn, sub)

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case snap := <-sub.C():
			if err := h.send(conn, encoding, snap); err != nil {
				h.deps.DeliveryFailed(ctx, sub, err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.deps.DeliveryFailed(ctx, sub, err)
				return
			}
		case <-sub.Done():
			deadline := time.Now().Add(h.writeTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		case <-gone:
			h.log.Debug(ctx, "observer disconnected", logger.String("subscription", sub.ID()))
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop drains client frames so control frames are handled and a
// disconnect is noticed. The returned channel closes when reading stops.
func (h *StreamHandler) readLoop(ctx context.Context, conn *websocket.Conn, sub *fanout.Subscription) <-chan struct{} {
	gone := make(chan struct{})
	conn.SetReadLimit(maxClientMessage)
	idle := 2*h.pingInterval + h.writeTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					h.log.Warn(ctx, "websocket closed unexpectedly",
						logger.String("subscription", sub.ID()), logger.Error(err))
				}
				return
			}
		}
	}()
	return gone
}

func (h *StreamHandler) send(conn *websocket.Conn, encoding string, snap model.Snapshot) error {
	msgType, payload, err := encodeStream(encoding, types.Stream(snap))
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(msgType, payload); err != nil {
		return fmt.Errorf("write generation %d: %w", snap.Generation, err)
	}
	return nil
}

// encodeStream returns the frame type and payload for msg.
func encodeStream(encoding string, msg types.StreamMessage) (int, []byte, error) {
	if encoding == EncodingCBOR {
		b, err := cbor.Marshal(msg)
		if err != nil {
			return 0, nil, fmt.Errorf("encode cbor: %w", err)
		}
		return websocket.BinaryMessage, b, nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("encode json: %w", err)
	}
	return websocket.TextMessage, b, nil
}
