package hub

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/chatalot/internal/auth"
	"github.com/jaydenbeard/chatalot/internal/protocol"
)

// authTimeout bounds how long a freshly-upgraded connection has to send
// its Authenticate frame before the server gives up and closes it.
const authTimeout = 10 * time.Second

// AuthResult is what a validated access token resolves to: the
// authenticated user plus the instance-level role flags carried in its
// JWT claims, needed for authorization decisions (like the DM
// cross-community owner bypass) that a channel-membership lookup alone
// can't answer. It is the auth package's result type, so *auth.Service
// satisfies Authenticator as it is.
type AuthResult = auth.AuthResult

// Authenticator validates an access token and resolves it to a user and
// its role flags, the one piece of the JWT stack this package depends
// on.
type Authenticator interface {
	Authenticate(token string) (AuthResult, error)
}

// Server wires the WebSocket upgrade endpoint to a Dispatcher and
// Authenticator. An Origin passes checkOrigin when it equals an
// AllowedOrigins entry or is a subdomain of that entry's host; a
// "localhost" entry only ever matches exactly.
type Server struct {
	Dispatcher     *Dispatcher
	Auth           Authenticator
	AllowedOrigins []string
	ServerVersion  string

	upgrader websocket.Upgrader
}

// NewServer builds a Server ready to mount at the WebSocket endpoint.
func NewServer(dispatcher *Dispatcher, auth Authenticator, allowedOrigins []string, serverVersion string) *Server {
	s := &Server{
		Dispatcher:     dispatcher,
		Auth:           auth,
		AllowedOrigins: allowedOrigins,
		ServerVersion:  serverVersion,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil || parsedOrigin.Host == "" {
		return false
	}
	if parsedOrigin.Scheme != "http" && parsedOrigin.Scheme != "https" {
		return false
	}

	for _, allowed := range s.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if origin == allowed {
			return true
		}
		if strings.Contains(allowed, "localhost") {
			continue
		}
		parsedAllowed, err := url.Parse(allowed)
		if err != nil || parsedAllowed.Host == "" {
			continue
		}
		if parsedOrigin.Host == parsedAllowed.Host || strings.HasSuffix(parsedOrigin.Host, "."+parsedAllowed.Host) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection, waits up to authTimeout for an
// Authenticate frame, and only then hands off to the session loop. A
// malformed first frame or a bad token gets a well-formed error reply
// when one is sendable; a timeout or a non-text frame closes silently,
// matching the asymmetry in how this protocol treats the two failure
// modes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}

	auth, ok := s.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	session := newSession(conn, auth, s.Dispatcher.Manager, s.Dispatcher)
	authMsg := protocol.ServerMessage{
		Type:          protocol.ServerAuthenticated,
		UserID:        auth.UserID,
		ServerVersion: s.ServerVersion,
	}
	if data, err := authMsg.Marshal(); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}

	session.Run(context.Background())
}

func (s *Server) authenticate(conn *websocket.Conn) (AuthResult, bool) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))

	msgType, raw, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		return AuthResult{}, false
	}

	clientMsg, err := protocol.ParseClientMessage(raw)
	if err != nil || clientMsg.Type != protocol.ClientAuthenticate {
		errMsg := protocol.ErrorMessage(protocol.CodeUnauthorized, "expected an authenticate frame")
		if data, merr := errMsg.Marshal(); merr == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
		return AuthResult{}, false
	}

	auth, err := s.Auth.Authenticate(clientMsg.Token)
	if err != nil {
		errMsg := protocol.ErrorMessage(protocol.CodeUnauthorized, "invalid token")
		if data, merr := errMsg.Marshal(); merr == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
		return AuthResult{}, false
	}

	conn.SetReadDeadline(time.Time{})
	return auth, true
}
