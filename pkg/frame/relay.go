package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"composertemplates/pkg/logx"
)

const defaultWriteTimeout = 5 * time.Second

// Envelope wraps a frame payload with the origin it came from or goes to.
type Envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Handler receives every well-formed envelope read from the relay.
type Handler func(ctx context.Context, origin string, data []byte)

// Relay carries frame messages over a websocket connection.
type Relay struct {
	conn   *websocket.Conn
	target string
	logger *logx.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to a relay endpoint. target is the origin outbound messages are addressed to.
func Dial(ctx context.Context, endpoint, target string, header http.Header) (*Relay, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial frame relay %s: %w", endpoint, err)
	}
	return NewRelay(conn, target), nil
}

// NewRelay wraps an established connection.
func NewRelay(conn *websocket.Conn, target string) *Relay {
	return &Relay{
		conn:   conn,
		target: target,
		logger: logx.NewLogger("frame"),
	}
}

// Run reads envelopes until ctx is cancelled or the peer closes the
// connection. Malformed envelopes are logged and skipped.
func (r *Relay) Run(ctx context.Context, h Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("frame relay read failed: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || len(env.Data) == 0 {
			r.logger.Debug("Skipping malformed envelope: %s", string(data))
			continue
		}
		h(ctx, env.Origin, env.Data)
	}
}

// Send writes msg to the frame, addressed to the target origin.
func (r *Relay) Send(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode frame message: %w", err)
	}
	env, err := json.Marshal(Envelope{Origin: r.target, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, env); err != nil {
		return fmt.Errorf("frame relay write failed: %w", err)
	}
	return nil
}

// Close sends a close frame and releases the connection. Safe to call twice.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		r.writeMu.Unlock()
		if cerr := r.conn.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
	})
	return err
}
