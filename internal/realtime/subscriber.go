// Package realtime subscribes to the backend's row change feed over its
// websocket channel protocol.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	protocolVersion          = "1.0.0"
)

// Option configures a Client.
type Option func(*Client)

// WithReconnectDelay sets the pause between a dropped connection and the next
// dial.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithHeartbeatInterval sets how often the connection is kept alive.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// Client opens change-feed subscriptions for one project.
type Client struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer

	reconnectDelay    time.Duration
	heartbeatInterval time.Duration
}

// NewClient creates a client for the project at projectURL (the same URL the
// data API uses).
func NewClient(projectURL, apiKey string, logger *slog.Logger, opts ...Option) (*Client, error) {
	wsURL, err := endpointURL(projectURL, apiKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		url:               wsURL,
		logger:            logger,
		dialer:            websocket.DefaultDialer,
		reconnectDelay:    defaultReconnectDelay,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithToken returns a copy of the client that joins channels as the user the
// access token belongs to, so row level security applies to the feed.
func (c *Client) WithToken(accessToken string) *Client {
	cp := *c
	cp.token = accessToken
	return &cp
}

func endpointURL(projectURL, apiKey string) (string, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", fmt.Errorf("parse project url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported project url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe starts streaming changes for the scope. The connection is made in
// the background and re-established after errors until the subscription is
// closed or ctx is done.
func (c *Client) Subscribe(ctx context.Context, scope domain.Scope) (domain.Subscription, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		client: c,
		scope:  scope,
		logger: c.logger.With("topic", scope.Topic()),
		events: make(chan domain.Change, 64),
		states: make(chan domain.ConnectionState, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Subscription is a live change feed for one scope.
type Subscription struct {
	client *Client
	scope  domain.Scope
	logger *slog.Logger

	events chan domain.Change
	states chan domain.ConnectionState
	cancel context.CancelFunc
	done   chan struct{}

	ref int
}

// Events implements domain.Subscription.
func (s *Subscription) Events() <-chan domain.Change { return s.events }

// States implements domain.Subscription.
func (s *Subscription) States() <-chan domain.ConnectionState { return s.states }

// Close stops the subscription and waits for its connection to shut down.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.states)
	defer close(s.events)

	for {
		s.emitState(ctx, domain.StateConnecting)
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Error("realtime connection error, reconnecting", "error", &domain.StreamError{Err: err})
		s.emitState(ctx, domain.StateDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.client.reconnectDelay):
			// backoff before reconnecting
		}
	}
}

// connect runs one connection until it fails or ctx is done.
func (s *Subscription) connect(ctx context.Context) error {
	s.logger.Info("connecting to realtime")

	conn, _, err := s.client.dialer.DialContext(ctx, s.client.url, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close()

	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	// unblock ReadMessage when the subscription is closed
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	send := func(msg message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	s.ref++
	joinRef := strconv.Itoa(s.ref)
	payload, err := json.Marshal(newJoinPayload(s.scope, s.client.token))
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}
	if err := send(message{Topic: s.scope.Topic(), Event: eventJoin, Payload: payload, Ref: joinRef, JoinRef: joinRef}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	heartbeatErr := make(chan error, 1)
	go func() {
		heartbeatErr <- s.heartbeat(connCtx, send)
	}()

	var eventsReceived int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case hbErr := <-heartbeatErr:
				if hbErr != nil {
					return hbErr
				}
			default:
			}
			return fmt.Errorf("read message: %w", err)
		}

		msg, err := parseMessage(data)
		if err != nil {
			s.logger.Error("failed to parse message", "error", err)
			continue
		}

		if msg.Topic != s.scope.Topic() {
			continue
		}

		switch msg.Event {
		case eventReply:
			if msg.Ref != joinRef {
				continue
			}
			var reply replyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				return fmt.Errorf("unmarshal join reply: %w", err)
			}
			if reply.Status != "ok" {
				return fmt.Errorf("join rejected: %s %s", reply.Status, string(reply.Response))
			}
			s.logger.Info("joined realtime channel")
			s.emitState(ctx, domain.StateConnected)

		case eventChanges:
			change, err := parseChange(s.scope.Kind, msg.Payload)
			if err != nil {
				s.logger.Error("failed to parse change", "error", err)
				continue
			}
			eventsReceived++
			s.logger.Debug("change received", "kind", change.Kind, "id", change.RecordID(), "events_received", eventsReceived)
			select {
			case s.events <- change:
			case <-ctx.Done():
				return ctx.Err()
			}

		case eventError, eventClose:
			return fmt.Errorf("channel %s: %s", msg.Event, string(msg.Payload))

		case eventSystem:
			s.logger.Debug("system message", "payload", string(msg.Payload))
		}
	}
}

func (s *Subscription) heartbeat(ctx context.Context, send func(message) error) error {
	ticker := time.NewTicker(s.client.heartbeatInterval)
	defer ticker.Stop()

	var sent int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sent++
			msg := message{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: "hb-" + strconv.Itoa(sent)}
			if err := send(msg); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return nil
				}
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (s *Subscription) emitState(ctx context.Context, state domain.ConnectionState) {
	select {
	case s.states <- state:
	case <-ctx.Done():
	}
}
