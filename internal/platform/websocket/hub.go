// Package websocket serves live dashboard views. A client asks to watch a
// view of one patient and receives a full snapshot of that view every time the
// underlying data changes.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medidash/medidash/internal/platform/auth"
	"github.com/medidash/medidash/internal/platform/db"
	"github.com/medidash/medidash/internal/platform/metrics"
)

const (
	ActionWatch   = "watch"
	ActionUnwatch = "unwatch"

	TypeSnapshot = "snapshot"
	TypeError    = "error"
)

var (
	ErrUnknownView   = errors.New("unknown view")
	ErrMissingTarget = errors.New("patientId is required")
)

// ClientMessage is an inbound request from a websocket client.
type ClientMessage struct {
	Action    string `json:"action"`
	View      string `json:"view"`
	PatientID string `json:"patientId"`
}

// Snapshot carries the full current state of one watched view.
type Snapshot struct {
	Type      string          `json:"type"`
	View      string          `json:"view"`
	PatientID string          `json:"patientId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WatchFunc starts a live query for one patient. The returned channel yields
// successive states and is closed when ctx ends.
type WatchFunc func(ctx context.Context, patientID string) (<-chan any, error)

// Adapt converts a typed watch into a WatchFunc.
func Adapt[T any](watch func(ctx context.Context, patientID string) (<-chan T, error)) WatchFunc {
	return func(ctx context.Context, patientID string) (<-chan any, error) {
		src, err := watch(ctx, patientID)
		if err != nil {
			return nil, err
		}
		out := make(chan any)
		go func() {
			defer close(out)
			for v := range src {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}

type watchKey struct {
	view      string
	patientID string
}

type watch struct {
	cancel context.CancelFunc
}

// Client is one websocket session. Its watches share ctx, which carries the
// caller's clinic and identity.
type Client struct {
	ID   string
	Send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	watches map[watchKey]*watch
}

// NewClient creates a session bound to ctx with a send buffer of size buf.
func NewClient(ctx context.Context, buf int) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		ID:      uuid.NewString(),
		Send:    make(chan []byte, buf),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[watchKey]*watch),
	}
}

// deliver queues data without blocking. A client that cannot keep up misses
// intermediate snapshots; the next one supersedes them.
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(msg string) {
	data, _ := json.Marshal(ErrorMessage{Type: TypeError, Message: msg})
	c.deliver(data)
}

// Hub tracks connected clients and the views they may watch.
type Hub struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	views   map[string]WatchFunc
	clients map[*Client]struct{}
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:  logger,
		metrics: m,
		views:   make(map[string]WatchFunc),
		clients: make(map[*Client]struct{}),
	}
}

// Handle makes view watchable.
func (h *Hub) Handle(view string, fn WatchFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views[view] = fn
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.LiveSessionOpened()
}

// Unregister stops every watch of client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	h.mu.Unlock()

	client.cancel()
	client.mu.Lock()
	for key, w := range client.watches {
		w.cancel()
		delete(client.watches, key)
		h.metrics.WatchStopped(key.view)
	}
	client.closed = true
	close(client.Send)
	client.mu.Unlock()

	h.metrics.LiveSessionClosed()
}

// Watch starts streaming snapshots of view for patientID to client. Watching
// the same target twice is a no-op.
func (h *Hub) Watch(client *Client, view, patientID string) error {
	if patientID == "" {
		return ErrMissingTarget
	}
	h.mu.RLock()
	fn, ok := h.views[view]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownView, view)
	}

	key := watchKey{view: view, patientID: patientID}
	client.mu.Lock()
	if client.closed {
		client.mu.Unlock()
		return nil
	}
	if _, exists := client.watches[key]; exists {
		client.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(client.ctx)
	w := &watch{cancel: cancel}
	client.watches[key] = w
	client.mu.Unlock()

	updates, err := fn(ctx, patientID)
	if err != nil {
		cancel()
		client.mu.Lock()
		if client.watches[key] == w {
			delete(client.watches, key)
		}
		client.mu.Unlock()
		return err
	}
	h.metrics.WatchStarted(view)

	go func() {
		// A source that ends on its own frees the target for a fresh watch.
		defer h.endWatch(client, key, w)
		for v := range updates {
			data, err := json.Marshal(v)
			if err != nil {
				h.logger.Error().Err(err).Str("view", view).Msg("encode live snapshot")
				continue
			}
			msg, _ := json.Marshal(Snapshot{
				Type:      TypeSnapshot,
				View:      view,
				PatientID: patientID,
				Timestamp: time.Now().UTC(),
				Data:      data,
			})
			if !client.deliver(msg) {
				h.logger.Debug().Str("client", client.ID).Str("view", view).Msg("snapshot dropped")
			}
		}
	}()
	return nil
}

// Unwatch stops one watch. Unknown targets are ignored.
func (h *Hub) Unwatch(client *Client, view, patientID string) {
	h.stopWatch(client, watchKey{view: view, patientID: patientID})
}

func (h *Hub) stopWatch(client *Client, key watchKey) {
	client.mu.Lock()
	w := client.watches[key]
	client.mu.Unlock()
	if w != nil {
		h.endWatch(client, key, w)
	}
}

// endWatch cancels w and drops it, unless key has since been taken by a newer watch.
func (h *Hub) endWatch(client *Client, key watchKey, w *watch) {
	w.cancel()
	client.mu.Lock()
	current := client.watches[key] == w
	if current {
		delete(client.watches, key)
	}
	client.mu.Unlock()
	if current {
		h.metrics.WatchStopped(key.view)
	}
}

// ProcessMessage dispatches an inbound message. Failures are reported back to
// the client as error frames.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case ActionWatch:
		if err := h.Watch(client, msg.View, msg.PatientID); err != nil {
			h.logger.Warn().Err(err).Str("client", client.ID).Str("view", msg.View).Msg("watch rejected")
			client.sendError(err.Error())
		}
	case ActionUnwatch:
		h.Unwatch(client, msg.View, msg.PatientID)
	default:
		client.sendError(fmt.Sprintf("unknown action %q", msg.Action))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WatchCount returns the number of active watches held by client.
func (h *Hub) WatchCount(client *Client) int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.watches)
}

const (
	sendBuffer     = 16
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WebSocketHandler upgrades HTTP requests into live sessions.
type WebSocketHandler struct {
	hub           *Hub
	defaultClinic string
	upgrader      gorillawebsocket.Upgrader
}

// NewWebSocketHandler accepts upgrades from the listed origins; an empty list
// accepts any origin.
func NewWebSocketHandler(hub *Hub, defaultClinic string, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WebSocketHandler{
		hub:           hub,
		defaultClinic: defaultClinic,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/live", wsh.HandleConnect, auth.RequireRole(auth.RoleDoctor))
}

// HandleConnect resolves the caller's clinic, upgrades the connection and
// starts the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	clinicID := db.ResolveClinicID(c, wsh.defaultClinic)
	if !db.ValidClinicID(clinicID) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// Sessions outlive the upgrade request, so only identity and clinic carry over.
	base := db.WithClinic(context.Background(), clinicID)
	if actor, ok := auth.ActorFromContext(c.Request().Context()); ok {
		base = auth.WithActor(base, actor)
	}
	client := NewClient(base, sendBuffer)
	wsh.hub.Register(client)
	wsh.hub.logger.Info().Str("client", client.ID).Str("clinic", clinicID).Msg("live session opened")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.hub.logger.Info().Str("client", client.ID).Msg("live session closed")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.sendError("malformed message")
			continue
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
