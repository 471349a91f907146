package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/lockstep/internal/protocol"
)

// Stream is the client side of a realtime subscription.
type Stream struct {
	conn    *websocket.Conn
	updates chan Update
	err     error
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
}

// Dial connects to a realtime endpoint. url is a ws:// or wss:// URL of
// the entity's realtime route.
func Dial(ctx context.Context, url, token string) (*Stream, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, protocol.Wrap(protocol.CodeUnauthorized, err)
			case http.StatusNotFound:
				return nil, protocol.Wrap(protocol.CodeNotFound, err)
			}
		}
		return nil, protocol.Wrap(protocol.CodeNetworkFailure, err)
	}

	s := &Stream{
		conn:    conn,
		updates: make(chan Update, DefaultBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go s.read()
	return s, nil
}

// Updates returns the channel of received updates. It is closed when the
// connection ends; Err then reports why.
func (s *Stream) Updates() <-chan Update { return s.updates }

// Err returns the error that ended the stream, or nil after a normal close.
// It returns nil while the stream is still open and never blocks.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Ping sends an application-level ping; the server answers "pong".
func (s *Stream) Ping() error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}

// Close ends the stream. The read goroutine exits even if nobody drains
// Updates.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.closing) })
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return s.conn.Close()
}

func (s *Stream) read() {
	// done closes first so Err is final once Updates reports closed.
	defer close(s.updates)
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure), errors.Is(err, net.ErrClosed):
			case websocket.IsCloseError(err, websocket.ClosePolicyViolation):
				s.err = protocol.Wrap(protocol.CodeUnauthorized, err)
			default:
				s.err = protocol.Wrap(protocol.CodeNetworkFailure, err)
			}
			return
		}
		if string(data) == "pong" {
			continue
		}
		var u Update
		if err := json.Unmarshal(data, &u); err != nil {
			s.err = protocol.Errorf(protocol.CodeNetworkFailure, "malformed update: %v", err)
			return
		}
		select {
		case s.updates <- u:
		case <-s.closing:
			return
		}
	}
}
