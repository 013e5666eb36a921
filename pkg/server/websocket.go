package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/pkg/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Pings must arrive well inside the pong window.
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary app origins; identity comes
	// from the credential, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades /ws requests and runs the connection until it
// drops. The client presents its credential in the query string or an
// Authorization header; a credential that fails verification gets exactly
// one error frame and a close.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("Websocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	identity, err := s.verifier.Verify(credentialFrom(r))
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		debugLog.Printf("Rejected connection from %s: %v", r.RemoteAddr, err)
		refuse(ws, protocol.ErrCodeAuthenticationFailed, "credential rejected")
		return
	}

	conn := NewConn(uuid.NewString(), identity, ws, s.config.SendBufferSize)
	s.registry.Register(conn)
	s.presence.ConnOnline(identity.UserID)
	debugLog.Printf("Connection %s opened for user %s", conn.ID, identity.UserID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.writePump(writeWait, pingPeriod)
	}()

	s.readLoop(conn, ws)
	s.dropConn(conn)
}

// readLoop pumps inbound frames into the router until the socket dies.
func (s *Server) readLoop(conn *Conn, ws *websocket.Conn) {
	ws.SetReadLimit(protocol.MaxEnvelopeSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.Touch()
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debugLog.Printf("Connection %s read error: %v", conn.ID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		s.router.Handle(conn, data)
	}
}

// credentialFrom extracts the handshake credential from the request.
func credentialFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// refuse sends one error frame on a never-registered socket and closes it.
func refuse(ws *websocket.Conn, code, message string) {
	data, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.TextMessage, data)
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
	ws.Close()
}
