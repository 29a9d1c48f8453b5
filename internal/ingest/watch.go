package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/inline/internal/bus"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	readTimeout = 60 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is local and 0600; there is no browser origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is one websocket text frame of a watch stream.
type Frame struct {
	Type      string          `json:"type"`
	Conn      string          `json:"conn,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame types.
const (
	FrameConnected = "connected"
	FrameEvent     = "event"
)

// WatchController streams bus events to websocket clients.
type WatchController struct {
	bus     *bus.Bus
	buffer  int
	closing <-chan struct{}
	logger  *zap.Logger
}

// Handle upgrades the request and writes every bus event whose kind starts
// with the namespace query parameter until the client goes away or the
// server stops. An empty namespace watches everything.
func (ctl *WatchController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ctl.bus == nil {
			abortWith(c, http.StatusServiceUnavailable, CodeUnavailable, "event bus not available")
			return
		}
		namespace := c.Query("namespace")

		ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the response.
			return
		}
		defer ws.Close()

		events, unsubscribe := ctl.bus.Subscribe(namespace, ctl.buffer)
		defer unsubscribe()

		// The read side only serves pongs and notices the client leaving.
		gone := make(chan struct{})
		ws.SetReadLimit(1 << 10)
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		conn := uuid.NewString()
		log := ctl.logger.With(zap.String("conn", conn), zap.String("namespace", namespace))
		log.Debug("watcher attached")
		defer log.Debug("watcher detached")

		if err := writeJSON(ws, Frame{Type: FrameConnected, Conn: conn, Namespace: namespace}); err != nil {
			return
		}

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gone:
				return
			case <-ctl.closing:
				closeWith(ws, websocket.CloseGoingAway, "server stopping")
				return
			case evt, ok := <-events:
				if !ok {
					closeWith(ws, websocket.CloseGoingAway, "bus closed")
					return
				}
				frame, err := eventFrame(evt)
				if err != nil {
					log.Warn("unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
					continue
				}
				if err := writeJSON(ws, frame); err != nil {
					return
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}

func eventFrame(evt bus.Event) (Frame, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: payload}, nil
}

func writeJSON(ws *websocket.Conn, v any) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteJSON(v)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
