// Package connector maintains the WebSocket control channel to the broker:
// it delivers inbound action and status requests to registered handlers and
// pushes replies and completion notifications back out.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"errand/internal/domain"
)

// Handler processes one inbound envelope.
type Handler func(ctx context.Context, env Envelope)

// Config holds connector tunables.
type Config struct {
	BrokerURL         string
	AgentID           string  // identity announced to the broker
	Token             string  // bearer token, optional
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	RequestsPerSecond float64 // inbound request rate limit (default: 10)
	RequestBurst      int     // default: 20
}

// Connector is the broker-facing side of the agent.
type Connector struct {
	cfg     Config
	logger  *slog.Logger
	bus     domain.EventBus
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler

	connMu sync.RWMutex
	ws     *websocket.Conn
}

// New creates a connector. Serve must be called to establish the channel.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Connector {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 20
	}

	c := &Connector{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst),
		handlers: make(map[MessageType]Handler),
	}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "broker-send",
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

// Handle registers the handler for a message type. Registration must happen
// before Serve; there is no locking against a running read loop dispatching
// concurrently with registration churn.
func (c *Connector) Handle(t MessageType, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[t] = h
}

// Serve dials the broker and processes inbound envelopes until ctx is
// canceled, reconnecting with capped exponential backoff.
func (c *Connector) Serve(ctx context.Context) error {
	delay := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ws, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("broker dial failed",
				"url", c.cfg.BrokerURL, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, c.cfg.ReconnectMax)
			continue
		}
		delay = c.cfg.ReconnectMin

		c.setConn(ws)
		c.publish(ctx, domain.EventBrokerConnected)
		c.logger.Info("broker connected", "url", c.cfg.BrokerURL)

		err = c.readLoop(ctx, ws)
		c.setConn(nil)
		ws.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.publish(ctx, domain.EventBrokerLost)
		c.logger.Warn("broker connection lost", "error", err)
	}
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}
	ws, _, err := websocket.Dial(dialCtx, c.cfg.BrokerURL, opts)
	if err != nil {
		return nil, err
	}

	// Announce our identity so the broker can route requests to us.
	hello, err := NewEnvelope(MessageAssociate, "", map[string]string{"agent_id": c.cfg.AgentID})
	if err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	hello.Sender = c.cfg.AgentID
	if err := wsjson.Write(dialCtx, ws, hello); err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("associate: %w", err)
	}
	return ws, nil
}

func (c *Connector) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			return err
		}
		c.dispatch(ctx, env)
	}
}

func (c *Connector) dispatch(ctx context.Context, env Envelope) {
	if err := env.Validate(); err != nil {
		c.logger.Warn("dropping malformed envelope", "error", err)
		return
	}
	if !c.limiter.Allow() {
		c.logger.Warn("inbound request over rate limit",
			"envelope_id", env.ID, "type", env.Type)
		c.replyError(ctx, env, domain.ErrRateLimit.Error())
		return
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[env.Type]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Warn("no handler for message type",
			"envelope_id", env.ID, "type", env.Type)
		c.replyError(ctx, env, fmt.Sprintf("unsupported message type %q", env.Type))
		return
	}

	// Handlers run detached: a slow action must not stall the read loop.
	go h(ctx, env)
}

func (c *Connector) replyError(ctx context.Context, in Envelope, description string) {
	env, err := NewEnvelope(MessageError, in.Sender, ErrorData{
		InReplyTo:   in.ID,
		Description: description,
	})
	if err != nil {
		return
	}
	if err := c.Send(ctx, env); err != nil {
		c.logger.Warn("failed to send error reply",
			"in_reply_to", in.ID, "error", err)
	}
}

// Send pushes an envelope to the broker through the circuit breaker. When
// the channel is down or the breaker is open it fails fast.
func (c *Connector) Send(ctx context.Context, env Envelope) error {
	env.Sender = c.cfg.AgentID

	_, err := c.breaker.Execute(func() (struct{}, error) {
		c.connMu.RLock()
		ws := c.ws
		c.connMu.RUnlock()
		if ws == nil {
			return struct{}{}, domain.NewDomainError("Connector.Send",
				domain.ErrBrokerUnavailable, "no active connection")
		}
		return struct{}{}, wsjson.Write(ctx, ws, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewDomainError("Connector.Send", domain.ErrBrokerUnavailable,
			"circuit breaker open")
	}
	return err
}

func (c *Connector) setConn(ws *websocket.Conn) {
	c.connMu.Lock()
	c.ws = ws
	c.connMu.Unlock()
}

// Connected reports whether a broker connection is currently established.
func (c *Connector) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.ws != nil
}

func (c *Connector) publish(ctx context.Context, t domain.EventType) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now()})
}
