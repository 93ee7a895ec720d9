package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/phyn-bridge/internal/device"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/config"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/logging"
)

// Message types on the WebSocket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeSnapshot    = "snapshot"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsQueueSize = 256
)

// Event channels a client can subscribe to.
const (
	ChannelStateChanged = "device.state_changed"
	ChannelSweep        = "fleet.sweep"
)

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, for device.state_changed, an
// optional set of devices. No device ids means every device.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

// stateChangedEvent is the payload of a device.state_changed event: the
// change plus the device as it resolves after the change.
type stateChangedEvent struct {
	Change device.Change `json:"change"`
	Device deviceView    `json:"device"`
}

// Hub fans fleet events out to WebSocket connections.
//
// Thread Safety: All methods are safe for concurrent use.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger
	fleet  Fleet

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

// NewHub creates a hub serving snapshots and events from fleet.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, fleet Fleet) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: logger,
		fleet:  fleet,
		conns:  make(map[*wsConn]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*wsConn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.shutdown()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	c.shutdown()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// listeners returns the connections that want events on channel for
// deviceID. Fleet-wide events pass an empty deviceID.
func (h *Hub) listeners(channel, deviceID string) []*wsConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*wsConn
	for c := range h.conns {
		if c.wants(channel, deviceID) {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends a fleet-wide event to subscribers of channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.publish(h.listeners(channel, ""), channel, "", payload)
}

// PublishChange sends a state change, with the device's resolved
// attributes, to clients watching that device. The device is only resolved
// when someone is listening.
func (h *Hub) PublishChange(ch device.Change) {
	targets := h.listeners(ChannelStateChanged, ch.DeviceID)
	if len(targets) == 0 {
		return
	}
	a, err := h.fleet.Lookup(ch.DeviceID)
	if err != nil {
		return
	}
	h.publish(targets, ChannelStateChanged, ch.DeviceID, stateChangedEvent{
		Change: ch,
		Device: newDeviceView(a, true),
	})
}

func (h *Hub) publish(targets []*wsConn, channel, deviceID string, payload any) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}
	for _, c := range targets {
		c.enqueue(data)
	}
}

// wsUpgrader accepts any origin; CORS and auth run before the upgrade.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the request. New connections have no
// subscriptions.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		hub:   s.hub,
		ws:    ws,
		out:   make(chan []byte, wsQueueSize),
		subs:  make(map[string]deviceFilter),
		ping:  30 * time.Second,
		grace: 10 * time.Second,
	}
	if s.wsCfg.PingInterval > 0 {
		c.ping = time.Duration(s.wsCfg.PingInterval) * time.Second
	}
	if s.wsCfg.PongTimeout > 0 {
		c.grace = time.Duration(s.wsCfg.PongTimeout) * time.Second
	}
	if s.wsCfg.MaxMessageSize > 0 {
		ws.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}

	s.hub.add(c)
	go c.writeLoop()
	go c.readLoop()
}

// deviceFilter is the device selection for one channel. A nil filter
// matches every device.
type deviceFilter map[string]struct{}

func (f deviceFilter) match(deviceID string) bool {
	if f == nil || deviceID == "" {
		return true
	}
	_, ok := f[deviceID]
	return ok
}

// wsConn is one WebSocket client.
type wsConn struct {
	hub   *Hub
	ws    *websocket.Conn
	ping  time.Duration
	grace time.Duration

	subMu sync.RWMutex
	subs  map[string]deviceFilter

	// outMu guards out against sends after shutdown closed it.
	outMu  sync.Mutex
	out    chan []byte
	closed bool
}

func (c *wsConn) wants(channel, deviceID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	f, ok := c.subs[channel]
	return ok && f.match(deviceID)
}

// enqueue queues a frame. Frames for a slow or closed client are dropped.
func (c *wsConn) enqueue(data []byte) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		c.hub.logger.Debug("websocket client too slow, frame dropped")
	}
}

func (c *wsConn) shutdown() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *wsConn) deadline() time.Time {
	return time.Now().Add(c.ping + c.grace)
}

func (c *wsConn) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.ws.Close()
	}()

	//nolint:errcheck // deadline errors surface on the next read
	c.ws.SetReadDeadline(c.deadline())
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(c.deadline())
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Application pings count as liveness too.
		//nolint:errcheck // deadline errors surface on the next read
		c.ws.SetReadDeadline(c.deadline())
		c.dispatch(data)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.out:
			//nolint:errcheck // write errors are checked below
			c.ws.SetWriteDeadline(time.Now().Add(c.grace))
			if !ok {
				//nolint:errcheck // connection is going away
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // write errors are checked below
			c.ws.SetWriteDeadline(time.Now().Add(c.grace))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(data []byte) {
	var msg struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &sub) != nil {
			c.reply(msg.ID, WSTypeError, errorPayload("invalid "+msg.Type+" payload"))
			return
		}
		if msg.Type == WSTypeSubscribe {
			c.subscribe(msg.ID, sub)
		} else {
			c.unsubscribe(msg.ID, sub)
		}
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

// subscribe validates the request, records it and, for
// device.state_changed, follows the ack with one snapshot per matching
// device so the client starts from current state.
func (c *wsConn) subscribe(id string, sub WSSubscribePayload) {
	for _, ch := range sub.Channels {
		if ch != ChannelStateChanged && ch != ChannelSweep {
			c.reply(id, WSTypeError, errorPayload("unknown channel: "+ch))
			return
		}
	}

	var filter deviceFilter
	if len(sub.DeviceIDs) > 0 {
		filter = make(deviceFilter, len(sub.DeviceIDs))
		for _, devID := range sub.DeviceIDs {
			if _, err := c.hub.fleet.Lookup(devID); err != nil {
				c.reply(id, WSTypeError, errorPayload(err.Error()))
				return
			}
			filter[devID] = struct{}{}
		}
	}

	c.subMu.Lock()
	for _, ch := range sub.Channels {
		c.subs[ch] = filter
	}
	c.subMu.Unlock()

	c.reply(id, WSTypeResponse, map[string]any{"subscribed": sub.Channels, "device_ids": sub.DeviceIDs})

	if slices.Contains(sub.Channels, ChannelStateChanged) {
		for _, a := range c.hub.fleet.Agents() {
			if filter.match(a.ID()) {
				c.send(WSMessage{
					Type:      WSTypeSnapshot,
					ID:        id,
					DeviceID:  a.ID(),
					Timestamp: time.Now().UTC().Format(time.RFC3339),
					Payload:   newDeviceView(a, true),
				})
			}
		}
	}
}

func (c *wsConn) unsubscribe(id string, sub WSSubscribePayload) {
	c.subMu.Lock()
	for _, ch := range sub.Channels {
		delete(c.subs, ch)
	}
	c.subMu.Unlock()
	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

func (c *wsConn) reply(id, msgType string, payload any) {
	c.send(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

func (c *wsConn) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("encoding websocket reply", "type", msg.Type, "error", err)
		return
	}
	c.enqueue(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
