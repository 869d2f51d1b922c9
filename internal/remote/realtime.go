package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyperengineering/studiosync"
	"github.com/rs/zerolog"
)

// Realtime defaults.
const (
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultPingInterval     = 25 * time.Second
	readTimeout             = 60 * time.Second
	writeTimeout            = 5 * time.Second
)

var _ studiosync.ChangeSource = (*Realtime)(nil)

// Realtime implements studiosync.ChangeSource over a websocket.
type Realtime struct {
	baseURL  string
	apiKey   string
	clientID string
	dialer   *websocket.Dialer
	log      zerolog.Logger

	// SubscribeTimeout bounds the wait for the server's SUBSCRIBED frame.
	SubscribeTimeout time.Duration

	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration
}

// NewRealtime creates a change source for the server at remoteURL.
func NewRealtime(remoteURL, apiKey, clientID string) *Realtime {
	return &Realtime{
		baseURL:  strings.TrimSuffix(remoteURL, "/"),
		apiKey:   apiKey,
		clientID: clientID,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		log:              zerolog.Nop(),
		SubscribeTimeout: DefaultSubscribeTimeout,
		PingInterval:     DefaultPingInterval,
	}
}

// WithLogger sets the logger.
func (r *Realtime) WithLogger(log zerolog.Logger) *Realtime {
	r.log = log.With().Str("component", "realtime").Logger()
	return r
}

// endpoint maps the http(s) base URL to the ws(s) feed endpoint.
func (r *Realtime) endpoint() (string, error) {
	u, err := url.Parse(r.baseURL + "/realtime/v1/websocket")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("apikey", r.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the feed and asks for changes of entities. Status and
// change callbacks run on the connection's read goroutine.
func (r *Realtime) Subscribe(ctx context.Context, entities []string, h studiosync.SubscriptionHandler) (studiosync.Subscription, error) {
	endpoint, err := r.endpoint()
	if err != nil {
		return nil, &studiosync.SyncError{Operation: "subscribe", Kind: studiosync.KindRejected, Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.apiKey)
	conn, resp, err := r.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &studiosync.SyncError{Operation: "subscribe", StatusCode: status, Kind: studiosync.KindTransient, Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &subscription{
		conn:    conn,
		handler: h,
		log:     r.log,
		done:    make(chan struct{}),
	}

	if err := s.write(SubscribeFrame{Type: frameSubscribe, Tables: entities, ClientID: r.clientID}); err != nil {
		_ = conn.Close()
		return nil, &studiosync.SyncError{Operation: "subscribe", Kind: studiosync.KindTransient, Err: err}
	}

	s.subscribeTimer = time.AfterFunc(r.SubscribeTimeout, func() {
		s.finish(studiosync.StatusTimedOut, errors.New("no SUBSCRIBED frame"))
	})

	go s.readLoop()
	go s.pingLoop(r.PingInterval)
	return s, nil
}

type subscription struct {
	conn           *websocket.Conn
	handler        studiosync.SubscriptionHandler
	log            zerolog.Logger
	subscribeTimer *time.Timer

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Close ends the subscription without reporting a status.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.subscribeTimer.Stop()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// finish ends the subscription and reports status once.
func (s *subscription) finish(status studiosync.SubscriptionStatus, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.subscribeTimer.Stop()
	_ = s.conn.Close()
	s.status(status, err)
}

func (s *subscription) status(status studiosync.SubscriptionStatus, err error) {
	if s.handler.OnStatus != nil {
		s.handler.OnStatus(status, err)
	}
}

func (s *subscription) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *subscription) readLoop() {
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.finish(studiosync.StatusClosed, err)
			} else {
				s.finish(studiosync.StatusChannelError, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		if s.handle(frame) {
			return
		}
	}
}

// handle dispatches one frame and reports whether the subscription ended.
func (s *subscription) handle(frame Frame) bool {
	if frame.Type == frameSystem {
		switch frame.Status {
		case statusSubscribed:
			s.subscribeTimer.Stop()
			s.status(studiosync.StatusSubscribed, nil)
		case statusChannelError:
			s.finish(studiosync.StatusChannelError, errors.New(frame.Message))
			return true
		case statusTimedOut:
			s.finish(studiosync.StatusTimedOut, errors.New(frame.Message))
			return true
		case statusClosed:
			s.finish(studiosync.StatusClosed, nil)
			return true
		}
		return false
	}

	kind := studiosync.ChangeKind(strings.ToUpper(frame.Type))
	switch kind {
	case studiosync.ChangeInsert, studiosync.ChangeUpdate, studiosync.ChangeDelete:
	default:
		s.log.Debug().Str("type", frame.Type).Msg("ignoring frame")
		return false
	}

	change := studiosync.Change{Kind: kind, Entity: frame.Table}
	if len(frame.Record) > 0 {
		_ = json.Unmarshal(frame.Record, &change.Row)
	}
	if len(frame.OldRecord) > 0 {
		_ = json.Unmarshal(frame.OldRecord, &change.Old)
	}
	if s.handler.OnChange != nil {
		s.handler.OnChange(change)
	}
	return false
}

func (s *subscription) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.log.Debug().Err(err).Msg("ping")
			}
		}
	}
}
