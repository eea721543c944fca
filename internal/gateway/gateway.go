// Package gateway serves authenticated live connections. Each connection is
// run by one owner goroutine that answers heartbeats, forwards execution
// requests to admission, handles credential renewal and tears the connection
// down when its credential expires.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dontdude/execd/internal/auth"
	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 10 * time.Second
	cancelTimeout       = 5 * time.Second

	// CloseCredentialExpired is the close code sent when the expiration timer fires.
	CloseCredentialExpired = 4001
)

const (
	msgExpired          = "connection expired"
	msgInvalidToken     = "invalid token"
	msgIdentityMismatch = "token identity does not match connection"
	msgBadPayload       = "invalid payload"
	msgUnknownType      = "unknown message type"
)

// Admitter accepts execution requests on behalf of a connection.
type Admitter interface {
	Admit(ctx context.Context, identity string, req domain.ExecRequest, channel domain.ResultChannel, priority domain.Priority) domain.Outcome
}

// Canceller removes a still-queued job bound to a connection.
type Canceller interface {
	Cancel(ctx context.Context, jobID, connID string) (bool, error)
}

// Options configures a Gateway.
type Options struct {
	Verifier  auth.Verifier
	Admitter  Admitter
	Canceller Canceller
	Registry  *Registry
	Logger    *slog.Logger

	// CheckOrigin is passed to the websocket upgrader. Nil accepts any origin.
	CheckOrigin  func(*http.Request) bool
	SendBuffer   int
	WriteTimeout time.Duration
	Now          func() time.Time
}

// Gateway is the http.Handler for the live connection endpoint.
type Gateway struct {
	verifier  auth.Verifier
	admitter  Admitter
	canceller Canceller
	registry  *Registry
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	sendBuffer   int
	writeTimeout time.Duration
	now          func() time.Time
}

func New(opts Options) *Gateway {
	g := &Gateway{
		verifier:     opts.Verifier,
		admitter:     opts.Admitter,
		canceller:    opts.Canceller,
		registry:     opts.Registry,
		logger:       opts.Logger,
		sendBuffer:   opts.SendBuffer,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
	}
	if g.registry == nil {
		g.registry = NewRegistry()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = defaultSendBuffer
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.now == nil {
		g.now = time.Now
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return g
}

// Registry returns the live connection registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Shutdown disconnects every live connection.
func (g *Gateway) Shutdown() {
	g.registry.CloseAll("server shutting down")
}

// ServeHTTP authenticates the handshake, upgrades and runs the connection
// until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		g.logger.Warn("handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
		writeUnauthorized(w)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.NewString(), claims.UserID, ws, claims.Expiry(), g.sendBuffer, g.writeTimeout)
	c.setState(StateAuthenticated)
	g.registry.add(c)
	c.setState(StateActive)

	logger := g.logger.With("conn_id", c.id, "user_id", c.userID)
	logger.Info("connection opened", "expires_at", c.ExpiresAt())

	g.run(c, logger)
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	if g.verifier == nil {
		return nil, auth.ErrInvalidToken
	}
	claims, err := g.verifier.Verify(tokenFrom(r))
	if err != nil {
		return nil, err
	}
	if err := checkClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func checkClaims(claims *auth.Claims) error {
	if claims == nil || strings.TrimSpace(claims.UserID) == "" || claims.Expiry().IsZero() {
		return auth.ErrInvalidToken
	}
	return nil
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// run is the connection's owner loop. It returns after teardown completes.
func (g *Gateway) run(c *Conn, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan protocol.Envelope)
	writerDone := make(chan struct{})
	go func() {
		c.writePump()
		close(writerDone)
	}()
	go c.readPump(inbound)

	expiry := time.NewTimer(g.until(c.ExpiresAt()))

loop:
	for {
		select {
		case env, ok := <-inbound:
			if !ok {
				c.close(websocket.CloseNormalClosure, "")
				break loop
			}
			g.handle(ctx, c, env, expiry, logger)
		case <-expiry.C:
			logger.Info("connection expired", "expires_at", c.ExpiresAt())
			g.reply(c, protocol.TypeError, "", protocol.Error{Message: msgExpired})
			c.close(CloseCredentialExpired, msgExpired)
			break loop
		case <-c.done:
			break loop
		}
	}

	expiry.Stop()
	g.registry.remove(c.id)
	<-writerDone
	c.setState(StateClosed)
	g.cancelQueued(c, logger)
	logger.Info("connection closed")
}

func (g *Gateway) handle(ctx context.Context, c *Conn, env protocol.Envelope, expiry *time.Timer, logger *slog.Logger) {
	switch env.Type {
	case protocol.TypePing:
		g.reply(c, protocol.TypePong, env.ID, nil)

	case protocol.TypeExec:
		var req domain.ExecRequest
		if err := env.Decode(&req); err != nil {
			g.reply(c, protocol.TypeError, env.ID, protocol.Error{Message: msgBadPayload})
			return
		}
		if err := req.Validate(); err != nil {
			logger.Warn("rejecting exec request", "error", err)
			g.reply(c, protocol.TypeError, env.ID, protocol.Error{Message: msgBadPayload})
			return
		}
		outcome := domain.OutcomeError
		if g.admitter != nil {
			outcome = g.admitter.Admit(ctx, domain.UserIdentity(c.userID), req, domain.LiveConnection(c.id), domain.PriorityHigh)
		}
		logger.Info("exec requested", "outcome", string(outcome))
		g.reply(c, protocol.TypeExecAck, env.ID, protocol.ExecAck{Result: string(outcome)})

	case protocol.TypeRenewToken:
		var renew protocol.RenewToken
		if err := env.Decode(&renew); err != nil {
			g.reply(c, protocol.TypeError, env.ID, protocol.Error{Message: msgBadPayload})
			return
		}
		claims, err := g.verifier.Verify(renew.Token)
		if err == nil {
			err = checkClaims(claims)
		}
		if err != nil {
			logger.Warn("renewal rejected", "error", err)
			g.reply(c, protocol.TypeError, env.ID, protocol.Error{Message: msgInvalidToken})
			return
		}
		if claims.UserID != c.userID {
			logger.Warn("renewal rejected", "error", msgIdentityMismatch, "token_user_id", claims.UserID)
			g.reply(c, protocol.TypeError, env.ID, protocol.Error{Message: msgIdentityMismatch})
			return
		}
		if !expiry.Stop() {
			select {
			case <-expiry.C:
			default:
			}
		}
		c.setExpiry(claims.Expiry())
		expiry.Reset(g.until(claims.Expiry()))
		logger.Info("credential renewed", "expires_at", claims.Expiry())
		g.reply(c, protocol.TypeRenewAck, env.ID, protocol.RenewAck{Success: true})

	default:
		g.reply(c, protocol.TypeError, env.ID, protocol.Error{Message: msgUnknownType})
	}
}

func (g *Gateway) reply(c *Conn, t protocol.Type, id string, data any) {
	env, err := protocol.New(t, id, data)
	if err != nil {
		g.logger.Error("encode reply", "conn_id", c.id, "error", err)
		return
	}
	if !c.enqueue(env) {
		g.logger.Debug("reply dropped", "conn_id", c.id, "type", string(t))
	}
}

// cancelQueued removes the connection's job if no worker has picked it up yet.
func (g *Gateway) cancelQueued(c *Conn, logger *slog.Logger) {
	if g.canceller == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	removed, err := g.canceller.Cancel(ctx, domain.UserIdentity(c.userID), c.id)
	if err != nil {
		logger.Warn("cancel queued job failed", "error", err)
		return
	}
	if removed {
		logger.Info("queued job cancelled", "job_id", domain.UserIdentity(c.userID))
	}
}

func (g *Gateway) until(t time.Time) time.Duration {
	d := t.Sub(g.now())
	if d < 0 {
		return 0
	}
	return d
}
