package growlog

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// TelemetryAuthenticatedPayload is sent once the stream is authenticated.
type TelemetryAuthenticatedPayload struct {
	AccountID string `json:"accountId"`
	Rooms     int    `json:"rooms"`
}

// ReadingPayload is a live sensor reading pushed over the stream.
type ReadingPayload struct {
	SensorID   string  `json:"sensorId"`
	RoomID     string  `json:"roomId,omitempty"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	RecordedAt string  `json:"recordedAt"`
}

// AlertPayload is a threshold alert pushed over the stream.
type AlertPayload struct {
	Alert
}

// DeviceStatusPayload reports a sensor/controller going online or offline.
type DeviceStatusPayload struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// StreamErrorPayload is a server-side stream error.
type StreamErrorPayload struct {
	Message string `json:"message"`
}

type streamPongPayload struct {
	RequestID string `json:"requestId"`
}

// streamEnvelope is the wire format for all stream events.
type streamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// streamCommand is a client-to-server command.
type streamCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// TelemetryConfig configures the live readings stream.
type TelemetryConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *TelemetryConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// StreamState is the stream connection state.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// TelemetryEventHandler is the generic event callback type.
type TelemetryEventHandler func(eventType string, payload json.RawMessage)

type telemetryDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]TelemetryEventHandler
	onReading      []func(ReadingPayload)
	onAlert        []func(AlertPayload)
	onDeviceStatus []func(DeviceStatusPayload)
	onError        []func(StreamErrorPayload)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newTelemetryDispatcher() *telemetryDispatcher {
	return &telemetryDispatcher{generic: make(map[string][]TelemetryEventHandler)}
}

func (d *telemetryDispatcher) dispatch(env streamEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "reading.new":
		var p ReadingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onReading {
				go h(p)
			}
		}
	case "alert.raised":
		var p AlertPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAlert {
				go h(p)
			}
		}
	case "device.status":
		var p DeviceStatusPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onDeviceStatus {
				go h(p)
			}
		}
	case "error":
		var p StreamErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		go h(env.Type, env.Payload)
	}
}

func (d *telemetryDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *telemetryDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *telemetryDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TelemetryConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// TelemetryStream
// ============================================================================

// TelemetryStream is a websocket stream of live sensor readings and alerts
// with auto-reconnect and heartbeat.
type TelemetryStream struct {
	baseURL          string
	config           *TelemetryConfig
	log              logrus.FieldLogger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            StreamState
	intentionalClose bool
	dispatcher       *telemetryDispatcher
	recon            *reconnector
	// baseCtx is the stream-lifetime context captured on the first Connect.
	// Every connection's loops derive from it, never from a previous
	// connection's context, so reconnect cycles do not chain cancel
	// functions.
	baseCtx  context.Context
	cancelFn context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan streamPongPayload
	pendingMu        sync.Mutex
}

// Telemetry creates a live readings stream. Call Connect to establish the
// connection.
func (c *Client) Telemetry(config *TelemetryConfig) *TelemetryStream {
	cfg := TelemetryConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if cfg.Token == "" {
		if cred := c.guard.Credential(); cred != nil {
			cfg.Token = cred.AccessToken
		}
	}
	return &TelemetryStream{
		baseURL:      c.baseURL,
		config:       &cfg,
		log:          c.log,
		state:        StreamDisconnected,
		dispatcher:   newTelemetryDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan streamPongPayload),
	}
}

// OnReading registers a handler for live sensor readings.
func (ts *TelemetryStream) OnReading(h func(ReadingPayload)) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.onReading = append(ts.dispatcher.onReading, h)
	ts.dispatcher.mu.Unlock()
}

// OnAlert registers a handler for threshold alerts.
func (ts *TelemetryStream) OnAlert(h func(AlertPayload)) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.onAlert = append(ts.dispatcher.onAlert, h)
	ts.dispatcher.mu.Unlock()
}

// OnDeviceStatus registers a handler for device status changes.
func (ts *TelemetryStream) OnDeviceStatus(h func(DeviceStatusPayload)) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.onDeviceStatus = append(ts.dispatcher.onDeviceStatus, h)
	ts.dispatcher.mu.Unlock()
}

// OnStreamError registers a handler for server-side stream errors.
func (ts *TelemetryStream) OnStreamError(h func(StreamErrorPayload)) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.onError = append(ts.dispatcher.onError, h)
	ts.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ts *TelemetryStream) OnConnected(h func()) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.onConnected = append(ts.dispatcher.onConnected, h)
	ts.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ts *TelemetryStream) OnDisconnected(h func(reason string)) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.onDisconnected = append(ts.dispatcher.onDisconnected, h)
	ts.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ts *TelemetryStream) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.onReconnecting = append(ts.dispatcher.onReconnecting, h)
	ts.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ts *TelemetryStream) On(eventType string, h TelemetryEventHandler) {
	ts.dispatcher.mu.Lock()
	ts.dispatcher.generic[eventType] = append(ts.dispatcher.generic[eventType], h)
	ts.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ts *TelemetryStream) State() StreamState {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state
}

// Connect establishes the websocket connection and waits for the server's
// authenticated handshake.
func (ts *TelemetryStream) Connect(ctx context.Context) error {
	ts.mu.Lock()
	if ts.state == StreamConnected || ts.state == StreamConnecting {
		ts.mu.Unlock()
		return nil
	}
	ts.state = StreamConnecting
	ts.intentionalClose = false
	if ts.baseCtx == nil {
		ts.baseCtx = ctx
	}
	base := ts.baseCtx
	ts.mu.Unlock()

	wsURL := strings.Replace(ts.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws/telemetry?token=" + ts.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ts.setState(StreamDisconnected)
		return fmt.Errorf("telemetry dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ts.setState(StreamDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ts.setState(StreamDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	ts.mu.Lock()
	ts.conn = conn
	ts.state = StreamConnected
	ts.mu.Unlock()
	ts.recon.markConnected()
	ts.log.Debug("telemetry stream connected")

	ts.dispatcher.dispatch(env)
	ts.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(base)
	ts.mu.Lock()
	ts.cancelFn = cancel
	ts.mu.Unlock()

	go ts.readLoop(connCtx)
	go ts.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the stream.
func (ts *TelemetryStream) Disconnect() error {
	ts.mu.Lock()
	ts.intentionalClose = true
	if ts.cancelFn != nil {
		ts.cancelFn()
		ts.cancelFn = nil
	}
	conn := ts.conn
	ts.conn = nil
	ts.state = StreamDisconnected
	ts.mu.Unlock()

	ts.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ts.dispatcher.emitDisconnected("client disconnect")
	return nil
}

// SubscribeRoom subscribes the stream to a room's readings.
func (ts *TelemetryStream) SubscribeRoom(ctx context.Context, roomID string) error {
	return ts.send(ctx, &streamCommand{
		Type:    "room.subscribe",
		Payload: map[string]string{"roomId": roomID},
	})
}

// UnsubscribeRoom unsubscribes the stream from a room.
func (ts *TelemetryStream) UnsubscribeRoom(ctx context.Context, roomID string) error {
	return ts.send(ctx, &streamCommand{
		Type:    "room.unsubscribe",
		Payload: map[string]string{"roomId": roomID},
	})
}

func (ts *TelemetryStream) send(ctx context.Context, cmd *streamCommand) error {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()

	if conn == nil {
		return newError(KindNoConnection, "telemetry stream not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ts *TelemetryStream) Ping(ctx context.Context) error {
	ts.mu.Lock()
	ts.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ts.pingCounter)
	ts.mu.Unlock()

	ch := make(chan streamPongPayload, 1)
	ts.pendingMu.Lock()
	ts.pendingPings[requestID] = ch
	ts.pendingMu.Unlock()

	err := ts.send(ctx, &streamCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		ts.dropPendingPing(requestID)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		ts.dropPendingPing(requestID)
		return newError(KindTimeout, "ping timeout")
	case <-ctx.Done():
		ts.dropPendingPing(requestID)
		return ctx.Err()
	}
}

func (ts *TelemetryStream) readLoop(ctx context.Context) {
	for {
		ts.mu.Lock()
		conn := ts.conn
		ts.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ts.mu.Lock()
			intentional := ts.intentionalClose
			ts.state = StreamDisconnected
			ts.conn = nil
			cancel := ts.cancelFn
			ts.cancelFn = nil
			base := ts.baseCtx
			ts.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if intentional {
				return
			}

			ts.log.WithError(err).Debug("telemetry stream dropped")
			ts.dispatcher.emitDisconnected(err.Error())

			if ts.config.AutoReconnect && ts.recon.shouldReconnect() {
				ts.scheduleReconnect(base)
			}
			return
		}

		var env streamEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p streamPongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ts.pendingMu.Lock()
				ch, ok := ts.pendingPings[p.RequestID]
				if ok {
					delete(ts.pendingPings, p.RequestID)
				}
				ts.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		ts.dispatcher.dispatch(env)
	}
}

func (ts *TelemetryStream) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ts.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ts.State() != StreamConnected {
				return
			}
			if err := ts.Ping(ctx); err != nil {
				ts.mu.Lock()
				conn := ts.conn
				ts.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ts *TelemetryStream) scheduleReconnect(ctx context.Context) {
	delay := ts.recon.nextDelay()
	ts.setState(StreamReconnecting)
	ts.dispatcher.emitReconnecting(ts.recon.attempt, delay)
	ts.log.WithFields(logrus.Fields{"attempt": ts.recon.attempt, "delay": delay}).Debug("telemetry reconnecting")

	if err := sleepCtx(ctx, delay); err != nil {
		ts.setState(StreamDisconnected)
		return
	}

	if err := ts.Connect(ctx); err != nil {
		if ts.config.AutoReconnect && ts.recon.shouldReconnect() {
			ts.scheduleReconnect(ctx)
		} else {
			ts.setState(StreamDisconnected)
		}
	}
}

func (ts *TelemetryStream) setState(s StreamState) {
	ts.mu.Lock()
	ts.state = s
	ts.mu.Unlock()
}

func (ts *TelemetryStream) dropPendingPing(requestID string) {
	ts.pendingMu.Lock()
	delete(ts.pendingPings, requestID)
	ts.pendingMu.Unlock()
}

func (ts *TelemetryStream) clearPendingPings() {
	ts.pendingMu.Lock()
	for k, ch := range ts.pendingPings {
		close(ch)
		delete(ts.pendingPings, k)
	}
	ts.pendingMu.Unlock()
}
