// Package client is the caller side of the live connection protocol. A
// Manager acquires and renews credentials, keeps the connection alive with
// heartbeats, reconnects after failures, correlates execution requests with
// their admission reply and fans pushed results out to registered listeners.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/protocol"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Defaults mirror the server's expectations.
const (
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHeartbeatTimeout   = 5 * time.Second
	DefaultSubmitTimeout      = 10 * time.Second
	DefaultRenewMargin        = 80 * time.Second
	DefaultExpirySafetyWindow = 60 * time.Second
	DefaultReconnectAttempts  = 5
	DefaultReconnectDelay     = 2 * time.Second

	dialTimeout = 10 * time.Second
)

var (
	ErrNoCredential      = errors.New("no credential available")
	ErrUnauthorized      = errors.New("credential rejected by server")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyRunning    = errors.New("a job is already running for this identity")
	ErrServerError       = errors.New("server could not admit the request")
	ErrSubmitTimeout     = errors.New("timed out waiting for admission reply")
	ErrHeartbeatTimeout  = errors.New("heartbeat not answered")
	ErrRenewRejected     = errors.New("credential renewal rejected")
	ErrDuplicateListener = errors.New("listener id already registered")

	errReplyTimeout = errors.New("reply timeout")
	errStopped      = errors.New("manager stopped")
)

// TokenSource hands out a fresh credential on every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

// ResultListener receives results pushed by the server.
type ResultListener func(protocol.ExecResult)

// Options configures a Manager. Zero durations take the package defaults.
type Options struct {
	URL    string
	Tokens TokenSource

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SubmitTimeout     time.Duration
	// RenewMargin is how long before expiry the credential is renewed in band.
	RenewMargin time.Duration
	// ExpirySafetyWindow marks a cached credential as due for renewal when it
	// expires within the window.
	ExpirySafetyWindow time.Duration
	// ReconnectAttempts of zero uses the default; negative disables reconnection.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
	// OnDisconnect is called when the connection is lost for good.
	OnDisconnect func(err error)
	Now          func() time.Time
}

// Manager owns one logical connection to the gateway.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger
	now    func() time.Time

	seq atomic.Uint64

	// connectMu serializes Connect calls.
	connectMu sync.Mutex

	mu   sync.Mutex
	sess *session
	stop chan struct{}
	// supervised is closed when the supervisor started with stop exits.
	supervised chan struct{}
	token      string
	expiresAt  time.Time

	listenersMu sync.RWMutex
	listeners   map[string]ResultListener
}

func New(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.RenewMargin <= 0 {
		opts.RenewMargin = DefaultRenewMargin
	}
	if opts.ExpirySafetyWindow <= 0 {
		opts.ExpirySafetyWindow = DefaultExpirySafetyWindow
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	m := &Manager{
		opts:      opts,
		dialer:    opts.Dialer,
		logger:    opts.Logger,
		now:       opts.Now,
		listeners: make(map[string]ResultListener),
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Connect acquires a credential and opens the connection. It is a no-op
// when already connected. A supervisor still backing off from an earlier
// loss is stopped first, so a Manager never holds more than one connection.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.sess != nil && !m.sess.closed() {
		m.mu.Unlock()
		return nil
	}
	m.closeStopLocked()
	prev := m.supervised
	stop, done := make(chan struct{}), make(chan struct{})
	m.stop, m.supervised = stop, done
	m.mu.Unlock()

	if prev != nil {
		<-prev
	}

	sess, err := m.open(ctx, stop)
	if err != nil {
		close(done)
		if errors.Is(err, errStopped) {
			return ErrNotConnected
		}
		return err
	}
	go m.supervise(sess, stop, done)
	return nil
}

// Disconnect closes the connection without reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closeStopLocked()
	sess := m.sess
	m.sess = nil
	done := m.supervised
	m.mu.Unlock()

	if sess != nil {
		sess.shutdown(ErrNotConnected)
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) closeStopLocked() {
	if m.stop == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// Connected reports whether a live session exists.
func (m *Manager) Connected() bool {
	return m.current() != nil
}

// Submit sends req and waits for the admission reply. It returns nil once
// the job is queued, ErrAlreadyRunning or ErrServerError for the other
// outcomes, and ErrSubmitTimeout when the server does not answer in time.
func (m *Manager) Submit(ctx context.Context, req domain.ExecRequest) error {
	sess := m.current()
	if sess == nil {
		return ErrNotConnected
	}
	reply, err := m.request(ctx, sess, protocol.TypeExec, req, m.opts.SubmitTimeout)
	if errors.Is(err, errReplyTimeout) {
		return ErrSubmitTimeout
	}
	if err != nil {
		return err
	}

	switch reply.Type {
	case protocol.TypeExecAck:
		var ack protocol.ExecAck
		if err := reply.Decode(&ack); err != nil {
			return fmt.Errorf("%w: %v", ErrServerError, err)
		}
		switch domain.Outcome(ack.Result) {
		case domain.OutcomeQueued:
			return nil
		case domain.OutcomeAlreadyRunning:
			return ErrAlreadyRunning
		default:
			return ErrServerError
		}
	case protocol.TypeError:
		return fmt.Errorf("%w: %s", ErrServerError, errorMessage(reply))
	default:
		return fmt.Errorf("%w: unexpected reply %s", ErrServerError, reply.Type)
	}
}

// Renew fetches a fresh credential and presents it in band.
func (m *Manager) Renew(ctx context.Context) error {
	sess := m.current()
	if sess == nil {
		return ErrNotConnected
	}
	return m.renew(ctx, sess)
}

// RegisterResultListener adds fn under id. Ids must be unique.
func (m *Manager) RegisterResultListener(id string, fn ResultListener) error {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	if _, ok := m.listeners[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateListener, id)
	}
	m.listeners[id] = fn
	return nil
}

// RemoveResultListener drops the listener registered under id.
func (m *Manager) RemoveResultListener(id string) {
	m.listenersMu.Lock()
	delete(m.listeners, id)
	m.listenersMu.Unlock()
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.closed() {
		return nil
	}
	return m.sess
}

// open dials a new session and installs it, unless stop has been closed or
// replaced in the meantime.
func (m *Manager) open(ctx context.Context, stop chan struct{}) (*session, error) {
	token, err := m.credential(ctx)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := m.dialer.DialContext(dialCtx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.forgetToken()
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}

	sess := newSession(ws)
	m.mu.Lock()
	if m.stop != stop || stopped(stop) {
		m.mu.Unlock()
		sess.close(errStopped)
		return nil, errStopped
	}
	m.sess = sess
	m.mu.Unlock()

	go m.readLoop(sess)
	go m.heartbeat(sess)
	go m.renewLoop(sess)

	m.logger.Info("connected", "url", m.opts.URL)
	return sess, nil
}

// supervise reconnects after unexpected session loss until stop is closed.
func (m *Manager) supervise(sess *session, stop chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-sess.done:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		m.logger.Warn("connection lost", "error", sess.err)
		next, err := m.reconnect(stop, sess.err)
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			m.logger.Error("giving up on connection", "error", err)
			if m.opts.OnDisconnect != nil {
				go m.opts.OnDisconnect(err)
			}
			return
		}
		sess = next
	}
}

func (m *Manager) reconnect(stop chan struct{}, cause error) (*session, error) {
	lastErr := cause
	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(m.opts.ReconnectDelay)
		select {
		case <-stop:
			timer.Stop()
			return nil, errStopped
		case <-timer.C:
		}

		ctx, cancel := stopContext(stop)
		sess, err := m.open(ctx, stop)
		cancel()
		if err == nil {
			m.logger.Info("reconnected", "attempt", attempt)
			return sess, nil
		}
		if errors.Is(err, errStopped) || stopped(stop) {
			return nil, errStopped
		}
		lastErr = err
		m.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("connection lost after %d reconnect attempts: %w", max(m.opts.ReconnectAttempts, 0), lastErr)
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// stopContext returns a context cancelled once stop is closed.
func stopContext(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Manager) readLoop(sess *session) {
	for {
		var env protocol.Envelope
		if err := sess.ws.ReadJSON(&env); err != nil {
			sess.close(err)
			return
		}
		if env.ID != "" && sess.deliver(env) {
			continue
		}
		switch env.Type {
		case protocol.TypeExecResult:
			var res protocol.ExecResult
			if err := env.Decode(&res); err != nil {
				m.logger.Warn("bad exec result", "error", err)
				continue
			}
			m.fanOut(res)
		case protocol.TypeError:
			m.logger.Warn("server error", "message", errorMessage(env))
		default:
			m.logger.Debug("ignoring message", "type", string(env.Type))
		}
	}
}

func (m *Manager) fanOut(res protocol.ExecResult) {
	m.listenersMu.RLock()
	listeners := make([]ResultListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(res)
	}
}

// heartbeat probes the server and drops the session when a probe goes
// unanswered, which catches half-open connections.
func (m *Manager) heartbeat(sess *session) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
		}
		_, err := m.request(context.Background(), sess, protocol.TypePing, nil, m.opts.HeartbeatTimeout)
		if errors.Is(err, errReplyTimeout) {
			m.logger.Warn("heartbeat timed out", "timeout", m.opts.HeartbeatTimeout)
			sess.close(ErrHeartbeatTimeout)
			return
		}
		if err != nil {
			return
		}
	}
}

// renewLoop renews the credential RenewMargin ahead of its expiry.
func (m *Manager) renewLoop(sess *session) {
	for {
		m.mu.Lock()
		exp := m.expiresAt
		m.mu.Unlock()
		if exp.IsZero() {
			return
		}

		wait := max(exp.Sub(m.now())-m.opts.RenewMargin, 0)
		timer := time.NewTimer(wait)
		select {
		case <-sess.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := m.renew(context.Background(), sess); err != nil {
			m.logger.Warn("credential renewal failed", "error", err)
			return
		}

		m.mu.Lock()
		next := m.expiresAt
		m.mu.Unlock()
		if !next.After(exp) {
			return
		}
	}
}

func (m *Manager) renew(ctx context.Context, sess *session) error {
	token, err := m.refreshToken(ctx)
	if err != nil {
		return err
	}
	reply, err := m.request(ctx, sess, protocol.TypeRenewToken, protocol.RenewToken{Token: token}, m.opts.SubmitTimeout)
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypeRenewAck {
		return fmt.Errorf("%w: %s", ErrRenewRejected, errorMessage(reply))
	}
	var ack protocol.RenewAck
	if err := reply.Decode(&ack); err != nil || !ack.Success {
		return ErrRenewRejected
	}
	m.logger.Debug("credential renewed")
	return nil
}

func (m *Manager) request(ctx context.Context, sess *session, t protocol.Type, data any, timeout time.Duration) (protocol.Envelope, error) {
	id := strconv.FormatUint(m.seq.Add(1), 10)
	env, err := protocol.New(t, id, data)
	if err != nil {
		return protocol.Envelope{}, err
	}

	reply := sess.await(id)
	defer sess.forget(id)

	if err := sess.write(env); err != nil {
		sess.close(err)
		return protocol.Envelope{}, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		return r, nil
	case <-timer.C:
		return protocol.Envelope{}, errReplyTimeout
	case <-sess.done:
		return protocol.Envelope{}, ErrNotConnected
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// credential returns the cached token unless it is due for renewal.
func (m *Manager) credential(ctx context.Context) (string, error) {
	m.mu.Lock()
	token, exp := m.token, m.expiresAt
	m.mu.Unlock()
	if token != "" && !m.dueForRenewal(exp) {
		return token, nil
	}
	return m.refreshToken(ctx)
}

func (m *Manager) dueForRenewal(exp time.Time) bool {
	if exp.IsZero() {
		return false
	}
	return !m.now().Add(m.opts.ExpirySafetyWindow).Before(exp)
}

func (m *Manager) refreshToken(ctx context.Context) (string, error) {
	if m.opts.Tokens == nil {
		return "", ErrNoCredential
	}
	token, err := m.opts.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if token == "" {
		return "", ErrNoCredential
	}
	m.mu.Lock()
	m.token = token
	m.expiresAt = tokenExpiry(token)
	m.mu.Unlock()
	return token, nil
}

func (m *Manager) forgetToken() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

// tokenExpiry reads the exp claim for scheduling only. The server verifies.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func errorMessage(env protocol.Envelope) string {
	var e protocol.Error
	if err := env.Decode(&e); err != nil {
		return string(env.Type)
	}
	return e.Message
}
