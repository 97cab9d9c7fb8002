// Package notify listens for change nudges from the backend over a
// websocket. A nudge never carries record content; it only tells the daemon
// that a sync pass is worth running now instead of at the next interval.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"promptdeck-sync/internal/auth"
)

type MessageType string

const (
	TypePromptUpdate MessageType = "prompt_update"
	TypePromptDelete MessageType = "prompt_delete"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

// Message is the envelope the backend pushes. Payload stays opaque here: the
// engine refetches remote state itself rather than trusting push contents.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxBackoff     = 2 * time.Minute
	initialBackoff = time.Second
)

// Listener maintains one websocket connection to the backend's notification
// endpoint and invokes onChange (debounced) for every relevant message.
type Listener struct {
	baseURL  string
	session  *auth.Session
	debounce time.Duration
	onChange func()
	logger   *log.Logger
}

// NewListener builds a listener against baseURL (http or https; the scheme is
// rewritten for the websocket dial). onChange fires at most once per debounce
// window.
func NewListener(baseURL string, session *auth.Session, debounce time.Duration, onChange func(), logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Listener{
		baseURL:  baseURL,
		session:  session,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

// SetOnChange replaces the change callback. It must be called before Run.
func (l *Listener) SetOnChange(fn func()) {
	l.onChange = fn
}

// Run connects and listens until ctx is cancelled, reconnecting with
// exponential backoff after failures. It always returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	nudges := make(chan struct{}, 1)
	go l.debounceLoop(ctx, nudges)

	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.listenOnce(ctx, nudges)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Printf("connection lost, reconnecting in %s: %v", backoff, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Listener) dialURL() (string, error) {
	u, err := url.Parse(l.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/notify/ws"
	return u.String(), nil
}

func (l *Listener) listenOnce(ctx context.Context, nudges chan<- struct{}) error {
	dialURL, err := l.dialURL()
	if err != nil {
		return err
	}

	// Authorization rides the handshake request headers.
	authReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL, nil)
	if err != nil {
		return err
	}
	if err := l.session.Authorize(authReq); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, authReq.Header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// A cancelled context unblocks the read below by tearing the socket down.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	go l.pingLoop(conn, stop)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	l.logger.Printf("connected to %s", dialURL)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Printf("unexpected close: %v", err)
			}
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Printf("dropping malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case TypePromptUpdate, TypePromptDelete:
			select {
			case nudges <- struct{}{}:
			default:
			}
		case TypePing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Message{Type: TypePong, Timestamp: time.Now()}); err != nil {
				return err
			}
		}
	}
}

// pingLoop sends keepalive pings via WriteControl, the only write that is
// safe to issue concurrently with the read loop's frame writes.
func (l *Listener) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// debounceLoop collapses bursts of nudges into one onChange call per window.
func (l *Listener) debounceLoop(ctx context.Context, nudges <-chan struct{}) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-nudges:
			if timer == nil {
				timer = time.NewTimer(l.debounce)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			l.onChange()
		}
	}
}
