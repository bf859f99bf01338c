package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/okian/podium/internal/domain/types"
)

// Stream encodings.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// ErrStopWatching may be returned by a watch handler to end Watch cleanly.
var ErrStopWatching = errors.New("stop watching")

const handshakeTimeout = 10 * time.Second

// Watch opens the ranking stream and calls fn for every message until ctx
// ends, fn returns an error, or the server closes the stream. Returning
// ErrStopWatching from fn makes Watch return nil.
func (c *Client) Watch(ctx context.Context, encoding string, fn func(types.StreamMessage) error) error {
	switch encoding {
	case "":
		encoding = EncodingJSON
	case EncodingJSON, EncodingCBOR:
	default:
		return fmt.Errorf("unknown encoding %q", encoding)
	}

	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = "encoding=" + encoding

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return fmt.Errorf("dial stream: %w", decodeError(resp))
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		msg, err := decodeStream(mt, data)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

func decodeStream(mt int, data []byte) (types.StreamMessage, error) {
	var msg types.StreamMessage
	switch mt {
	case websocket.BinaryMessage:
		if err := cbor.Unmarshal(data, &msg); err != nil {
			return msg, fmt.Errorf("decode cbor frame: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &msg); err != nil {
			return msg, fmt.Errorf("decode json frame: %w", err)
		}
	}
	return msg, nil
}
