package collaboration

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"collab-relay/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsTransport adapts a gorilla websocket connection to Transport.
// Only binary frames carry relay messages; text frames are skipped.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket error: %v", err)
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) SetPongHandler(h func()) {
	t.conn.SetPongHandler(func(string) error {
		h()
		return nil
	})
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WebSocketHandler is the connection attach endpoint
type WebSocketHandler struct {
	registry     *Registry
	writeTimeout time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(registry *Registry, writeTimeout time.Duration) *WebSocketHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketHandler{
		registry:     registry,
		writeTimeout: writeTimeout,
	}
}

// DocumentName derives the document name from the request path variable
func DocumentName(r *http.Request) string {
	return strings.Trim(mux.Vars(r)["name"], "/")
}

// HandleDocumentConnection upgrades the request and attaches it to the
// document named by the path. Plain HTTP requests get "okay".
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("okay"))
		return
	}

	name := DocumentName(r)
	if name == "" {
		http.Error(w, "document name required", http.StatusBadRequest)
		return
	}

	requestID := middleware.GetRequestID(r.Context())
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("document.name", name),
		attribute.String("remote.addr", r.RemoteAddr),
		attribute.String("request.id", requestID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, http.Header{"X-Request-ID": {requestID}})
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session, err := h.registry.Attach(ctx, name, newWSTransport(conn, h.writeTimeout), r.RemoteAddr)
	if err != nil {
		log.Printf("⚠️  Failed to attach to document %s: %v", name, err)
		middleware.AddSpanError(ctx, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "document unavailable"),
			time.Now().Add(h.writeTimeout))
		conn.Close()
		return
	}

	log.Printf("[%s] ✓ WebSocket connection established for document %s (session: %s, remote: %s)",
		requestID, name, session.ID, r.RemoteAddr)
}
