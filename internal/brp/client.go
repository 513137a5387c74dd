// Package brp implements the resilient WebSocket client that talks to the
// Bevy Remote Protocol endpoint. It owns the connection state machine
// (spec §4.3), exponential backoff with jitter, a heartbeat loop, a
// circuit breaker, and the in-flight request map keyed by request id.
package brp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/brp/validate"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
	maxReconnectAttempts = 5

	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 5 * time.Second

	writeWait = 10 * time.Second

	// queueDepth bounds the number of requests buffered while disconnected
	// or reconnecting; beyond this, new requests are rejected with
	// errs.CodeQueueFull rather than growing unbounded.
	queueDepth = 256

	circuitFailureThreshold = 5
	circuitResetTimeout     = 60 * time.Second
)

// pending is one in-flight request awaiting a response from the BRP
// endpoint, keyed by its JSON-RPC id.
type pending struct {
	resultCh chan domain.BrpResponse
}

// queuedRequest is a request buffered while the connection is down, to be
// replayed in FIFO order once reconnection succeeds.
type queuedRequest struct {
	req    domain.BrpRequest
	result chan domain.BrpResponse
}

// NotificationSink receives BRP notifications/subscription events fanned
// out by the client as they arrive off the wire.
type NotificationSink func(domain.Notification)

// ConnectHook runs once per successful connection, after the read/heartbeat
// pumps are already servicing the socket so it may itself call c.Call.
// Used to refresh the component registry schema on (re)connect.
type ConnectHook func(ctx context.Context, c *Client)

// entityTargetedMethods are the BRP methods whose params carry a target
// entity (and, for write methods, a component payload) that spec §4.4
// requires checking before the request is forwarded to the remote.
var entityTargetedMethods = map[domain.BrpMethod]bool{
	domain.BrpMethodGet:      true,
	domain.BrpMethodSet:      true,
	domain.BrpMethodInsert:   true,
	domain.BrpMethodRemove:   true,
	domain.BrpMethodReparent: true,
	domain.BrpMethodDestroy:  true,
}

type entityTargetedParams struct {
	Entity json.RawMessage `json:"entity"`
}

// entityRefFor extracts the target entity from an entity-targeted method's
// params, if any. ok is false for methods the §4.4 checks don't apply to,
// or when params don't carry a well-formed "entity" field.
func entityRefFor(method domain.BrpMethod, params json.RawMessage) (ref domain.EntityRef, ok bool) {
	if !entityTargetedMethods[method] || len(params) == 0 {
		return domain.EntityRef{}, false
	}
	var p entityTargetedParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Entity) == 0 {
		return domain.EntityRef{}, false
	}
	ref, err := domain.ParseWireEntity(p.Entity)
	if err != nil {
		return domain.EntityRef{}, false
	}
	return ref, true
}

// Client is the resilient BRP WebSocket client. One Client instance owns
// exactly one logical connection to the game process and manages its own
// reconnection lifecycle; callers never see raw connection loss — they see
// either a response, a queued-then-delivered response, or a
// errs.CodeConnectionError/CodeCircuitOpen failure.
type Client struct {
	url    string
	logger *zap.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	state    domain.ConnectionState
	inflight map[uint64]*pending
	nextID   uint64

	queue chan queuedRequest

	breaker *gobreaker.CircuitBreaker

	onNotification NotificationSink
	onConnect      ConnectHook

	entities *validate.EntityCache

	writeMu sync.Mutex // serializes writes to conn, mirrors the teacher's writePump-owns-conn rule

	metrics domain.ClientMetrics
}

// New constructs a Client targeting url (e.g. "ws://127.0.0.1:15702").
// The client does not connect until Run is called. onConnect may be nil; it
// runs once per successful (re)connection and is typically used to refresh
// the component registry schema via a bevy/list call. entities is the
// entity-existence cache pre-flight checks consult and update; callers
// share one EntityCache between the client and any code that needs to
// read observed existence (e.g. the debug command handler).
func New(url string, logger *zap.Logger, entities *validate.EntityCache, onNotification NotificationSink, onConnect ConnectHook) *Client {
	c := &Client{
		url:            url,
		logger:         logger.Named("brp"),
		inflight:       make(map[uint64]*pending),
		queue:          make(chan queuedRequest, queueDepth),
		onNotification: onNotification,
		onConnect:      onConnect,
		entities:       entities,
		state:          domain.ConnectionState{Phase: domain.PhaseDisconnected},
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "brp-endpoint",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     circuitResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= circuitFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			c.setPhaseFromBreaker(to)
		},
	})

	return c
}

func (c *Client) setPhaseFromBreaker(to gobreaker.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to == gobreaker.StateOpen {
		c.state.Phase = domain.PhaseCircuitOpen
		c.state.OpenedAt = time.Now()
		c.state.ResetsAt = time.Now().Add(circuitResetTimeout)
	}
}

// Run owns the reconnect loop: connect → run read/write/heartbeat pumps →
// on failure, back off with jitter and retry, up to maxReconnectAttempts
// consecutive failures before the circuit breaker itself takes over.
// Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial
	attempt := uint32(0)

	for {
		if ctx.Err() != nil {
			return
		}

		c.setPhase(domain.PhaseConnecting, attempt)

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.connectAndServe(ctx)
		})

		if ctx.Err() != nil {
			c.setPhase(domain.PhaseDisconnected, 0)
			return
		}

		if err != nil {
			attempt++
			c.logger.Warn("brp connection failed, retrying", zap.Error(err), zap.Uint32("attempt", attempt))
			c.setPhase(domain.PhaseReconnecting, attempt)

			if attempt > maxReconnectAttempts {
				// Let the breaker's own cool-down govern the pace from here;
				// keep retrying at the capped backoff rather than giving up.
				attempt = maxReconnectAttempts
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
		attempt = 0
	}
}

// setPhase updates the connection phase, unless the circuit breaker is
// currently open — Run's reconnect loop calls this every iteration even
// while the breaker is open and rejecting attempts, and would otherwise
// clobber PhaseCircuitOpen with Connecting/Reconnecting, hiding the open
// circuit from Call's fast-fail check.
func (c *Client) setPhase(phase domain.ConnectionPhase, attempt uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == domain.PhaseCircuitOpen && c.breaker.State() == gobreaker.StateOpen {
		return
	}
	c.state.Phase = phase
	c.state.Attempt = attempt
}

// State returns a snapshot of the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// connectAndServe dials the endpoint, drains any queued requests, and runs
// the read/heartbeat pumps until the connection drops or ctx is cancelled.
func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("brp: dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.state.Phase = domain.PhaseConnected
	c.mu.Unlock()

	c.logger.Info("brp connected", zap.String("url", c.url))

	c.drainQueue()

	errCh := make(chan error, 2)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- c.readPump(connCtx, conn) }()
	go func() { errCh <- c.heartbeatPump(connCtx, conn) }()

	if c.onConnect != nil {
		go c.onConnect(connCtx, c)
	}

	err = <-errCh
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.failAllInflight(errs.New(errs.CodeConnectionError, "brp connection lost"))

	if connCtx.Err() != nil {
		return nil
	}
	return err
}

// drainQueue flushes requests buffered while disconnected, in FIFO order,
// now that the connection is back up.
func (c *Client) drainQueue() {
	for {
		select {
		case q := <-c.queue:
			c.mu.Lock()
			c.inflight[q.req.ID] = &pending{resultCh: q.result}
			c.mu.Unlock()
			if err := c.send(q.req); err != nil {
				c.mu.Lock()
				delete(c.inflight, q.req.ID)
				c.mu.Unlock()
				q.result <- domain.BrpResponse{Error: &domain.BrpErrorPayload{Message: err.Error()}}
				continue
			}
		default:
			return
		}
	}
}

// readPump reads frames until the connection closes or ctx is cancelled;
// it is the only goroutine that reads conn, mirroring the teacher's
// single-reader / single-writer websocket split.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatTimeout))
	})
	if err := conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatTimeout)); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("brp: read failed: %w", err)
		}
		c.dispatchIncoming(data)
	}
}

func (c *Client) dispatchIncoming(data []byte) {
	var resp domain.BrpResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("brp: malformed response frame", zap.Error(err))
		return
	}

	if resp.IsNotification() {
		if c.onNotification != nil {
			c.onNotification(domain.Notification{Topic: resp.Method, Payload: resp.Result})
		}
		return
	}

	if resp.ID == nil {
		return
	}

	c.mu.Lock()
	p, ok := c.inflight[*resp.ID]
	if ok {
		delete(c.inflight, *resp.ID)
	}
	c.mu.Unlock()

	if ok {
		p.resultCh <- resp
	}
}

// heartbeatPump sends periodic pings; if no pong arrives within
// heartbeatTimeout of the next tick the read deadline (set in readPump)
// has already expired and ReadMessage will return an error, tearing the
// session down through the normal error path.
func (c *Client) heartbeatPump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("brp: ping failed: %w", err)
			}
		}
	}
}

func (c *Client) send(req domain.BrpRequest) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("brp: not connected")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("brp: marshal request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) failAllInflight(resp *errs.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.inflight {
		p.resultCh <- domain.BrpResponse{Error: &domain.BrpErrorPayload{Message: resp.Message}}
		delete(c.inflight, id)
	}
}

// Call sends req and blocks until a matching response arrives, ctx is
// cancelled, or the request queue is full (errs.CodeQueueFull). Before
// sending, it runs the spec §4.4 pre-flight checks available without a
// network round-trip: payload size (rule 4) and, for entity-targeted
// methods, a cached existence check (rule 1) against entities last
// observed nonexistent.
func (c *Client) Call(ctx context.Context, method domain.BrpMethod, params json.RawMessage) (domain.BrpResponse, error) {
	if err := validate.CheckPayloadBounds(len(params)); err != nil {
		return domain.BrpResponse{}, err
	}

	ref, targeted := entityRefFor(method, params)
	if targeted {
		if exists, found := c.entities.Get(ref); found && !exists {
			return domain.BrpResponse{}, errs.New(errs.CodeNotFound, fmt.Sprintf("entity %s is known not to exist", ref)).
				WithContext(map[string]any{"entity": ref.String()})
		}
	}

	c.mu.Lock()
	if c.state.Phase == domain.PhaseCircuitOpen {
		c.mu.Unlock()
		return domain.BrpResponse{}, errs.New(errs.CodeCircuitOpen, "brp circuit is open").
			WithRetryAfter(uint32(circuitResetTimeout / time.Millisecond))
	}
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	req := domain.BrpRequest{ID: id, Method: method, Params: params}
	result := make(chan domain.BrpResponse, 1)

	c.mu.RLock()
	connected := c.conn != nil
	c.mu.RUnlock()

	if connected {
		// Register before sending: a response can race back before a
		// second lock acquisition would otherwise install the awaiter,
		// and dispatchIncoming silently drops responses for unknown ids.
		c.mu.Lock()
		c.inflight[id] = &pending{resultCh: result}
		c.mu.Unlock()
		if err := c.send(req); err != nil {
			c.mu.Lock()
			delete(c.inflight, id)
			c.mu.Unlock()
			return domain.BrpResponse{}, errs.Wrap(errs.CodeConnectionError, "brp: send failed", err)
		}
	} else {
		select {
		case c.queue <- queuedRequest{req: req, result: result}:
		default:
			return domain.BrpResponse{}, errs.New(errs.CodeQueueFull, "brp: request queue full while disconnected")
		}
	}

	select {
	case <-ctx.Done():
		return domain.BrpResponse{}, errs.Wrap(errs.CodeCancelled, "brp call cancelled", ctx.Err())
	case resp := <-result:
		if targeted {
			c.recordEntityObservation(method, ref, resp)
		}
		return resp, nil
	}
}

// recordEntityObservation keeps the entity cache self-maintaining from
// observed responses: a destroy that succeeds marks the entity gone, and
// an otherwise-erroring call against it is treated as evidence it no
// longer exists, while any successful response confirms it's still live.
func (c *Client) recordEntityObservation(method domain.BrpMethod, ref domain.EntityRef, resp domain.BrpResponse) {
	if method == domain.BrpMethodDestroy && !resp.IsError() {
		c.entities.Put(ref, false)
		return
	}
	c.entities.Put(ref, !resp.IsError())
}

// Metrics returns a snapshot of client-observable connection metrics for
// the diagnostics surface.
func (c *Client) Metrics() domain.ClientMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.metrics
	m.InFlight = len(c.inflight)
	m.QueuedRequests = len(c.queue)
	m.CircuitState = c.breaker.State().String()
	return m
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
