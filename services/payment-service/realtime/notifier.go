// Package realtime correlates payment outcomes pushed over the per-salon WebSocket topic with the
// callers waiting on them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	awspkg "github.com/yashrajoria/salon-payments/pkg/aws"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const dialTimeout = 15 * time.Second

// Frame types on the payments topic.
const (
	TypeSubscribe    = "subscribe:payment-events"
	TypeUnsubscribe  = "unsubscribe:payment-events"
	TypeStatusUpdate = "payment:status-update"
	TypeCompleted    = "payment:completed"
	TypeTokenSaved   = "payment:token-saved"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type Options struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration

	// AutoReconnect redials after an unexpected drop and replays pending subscriptions.
	AutoReconnect      bool
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration
	ReconnectMaxTries  uint64
	ReconnectMaxElapse time.Duration

	// VerifyEvent, when set, rejects status events before they resolve a future. A rejected event
	// is dropped and the subscription stays pending.
	VerifyEvent func(models.PaymentStatusEvent) error

	Metrics *awspkg.MetricsClient
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ReconnectMaxTries == 0 {
		o.ReconnectMaxTries = 10
	}
	if o.ReconnectMaxElapse <= 0 {
		o.ReconnectMaxElapse = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// URL returns the salon's topic URL. http and https bases are mapped to ws and wss.
func URL(base, salonID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse realtime base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	return u.String() + "/ws/payments/salon/" + url.PathEscape(salonID), nil
}

type controlFrame struct {
	Type      string `json:"type"`
	InvoiceID string `json:"invoiceId"`
}

type inboundFrame struct {
	Type      string          `json:"type"`
	InvoiceID string          `json:"invoiceId"`
	Status    string          `json:"status"`
	TokenID   string          `json:"tokenId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Notifier owns one WebSocket connection for one salon.
type Notifier struct {
	salonID string
	url     string
	opts    Options
	logger  *zap.Logger

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]*PaymentFuture
	listeners map[uint64]TokenListener
	nextID    uint64

	// dials coalesces concurrent connection attempts into one.
	dials        singleflight.Group
	ctx          context.Context
	cancel       context.CancelFunc
	reconnecting atomic.Bool
	closeOnce    sync.Once
}

func NewNotifier(baseURL, salonID string, opts Options) (*Notifier, error) {
	if salonID == "" {
		return nil, apperrors.Validation("salon id is required")
	}
	u, err := URL(baseURL, salonID)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		salonID:   salonID,
		url:       u,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("salon_id", salonID)),
		pending:   make(map[string]*PaymentFuture),
		listeners: make(map[uint64]TokenListener),
		ctx:       ctx,
		cancel:    cancel,
	}
	n.state.Store(int32(StateClosed))
	return n, nil
}

func (n *Notifier) State() State { return State(n.state.Load()) }

func (n *Notifier) Connected() bool { return n.State() == StateOpen }

// Connect dials the topic. No handshake is needed beyond the salon-scoped URL.
func (n *Notifier) Connect(ctx context.Context) error {
	return n.EnsureConnected(ctx)
}

// EnsureConnected dials when the connection is not open. Concurrent callers share a single dial
// and an open connection is never replaced.
func (n *Notifier) EnsureConnected(ctx context.Context) error {
	if n.Connected() {
		return nil
	}
	ch := n.dials.DoChan("dial", func() (interface{}, error) {
		if n.Connected() {
			return nil, nil
		}
		dialCtx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		defer cancel()
		return nil, n.connect(dialCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect drops the current connection, if any, and dials again. Pending subscriptions are
// re-sent on the new connection.
func (n *Notifier) Reconnect(ctx context.Context) error {
	n.connMu.Lock()
	old := n.conn
	n.conn = nil
	if n.ctx.Err() == nil {
		n.state.Store(int32(StateClosed))
	}
	n.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return n.EnsureConnected(ctx)
}

func (n *Notifier) connect(ctx context.Context) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	n.state.Store(int32(StateConnecting))

	conn, _, err := n.opts.Dialer.DialContext(ctx, n.url, nil)
	if err != nil {
		n.state.Store(int32(StateClosed))
		if n.ctx.Err() != nil {
			return ErrClosed
		}
		return apperrors.Transport("realtime dial failed", err)
	}

	n.connMu.Lock()
	if n.ctx.Err() != nil {
		n.connMu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	prev := n.conn
	n.conn = conn
	n.state.Store(int32(StateOpen))
	n.connMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	_ = conn.SetReadDeadline(time.Now().Add(n.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(n.opts.PongWait))
	})
	go n.readLoop(conn)
	go n.pingLoop(conn)

	n.logger.Info("realtime connected", zap.String("url", n.url))
	return n.replay()
}

// replay re-sends subscribe for every invoice still awaiting resolution.
func (n *Notifier) replay() error {
	n.mu.Lock()
	ids := make([]string, 0, len(n.pending))
	for id := range n.pending {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		if err := n.send(controlFrame{Type: TypeSubscribe, InvoiceID: id}); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		n.logger.Info("replayed pending subscriptions", zap.Int("count", len(ids)))
	}
	return nil
}

// SubscribeToPayment registers a one-shot future for invoiceID. A previous subscription for the
// same invoice fails with ErrReplaced. Events that arrived before this call are not replayed.
func (n *Notifier) SubscribeToPayment(invoiceID string, cb PaymentCallback) (*PaymentFuture, error) {
	if invoiceID == "" {
		return nil, apperrors.Validation("invoice id is required")
	}
	if !n.Connected() {
		return nil, ErrNotConnected
	}

	f := newPaymentFuture(invoiceID, cb)
	n.mu.Lock()
	old := n.pending[invoiceID]
	n.pending[invoiceID] = f
	n.mu.Unlock()
	if old != nil {
		old.fail(ErrReplaced)
	}

	if err := n.send(controlFrame{Type: TypeSubscribe, InvoiceID: invoiceID}); err != nil {
		n.remove(invoiceID, f)
		return nil, err
	}
	return f, nil
}

// UnsubscribeFromPayment removes the local subscription and tells the server. It never cancels the
// payment itself.
func (n *Notifier) UnsubscribeFromPayment(invoiceID string) error {
	if f := n.remove(invoiceID, nil); f != nil {
		f.fail(ErrUnsubscribed)
	}
	return n.sendUnsubscribe(invoiceID)
}

// Release is UnsubscribeFromPayment guarded against a newer subscription for the same invoice.
func (n *Notifier) Release(f *PaymentFuture) error {
	if n.remove(f.invoiceID, f) == nil {
		return nil
	}
	f.fail(ErrUnsubscribed)
	return n.sendUnsubscribe(f.invoiceID)
}

func (n *Notifier) sendUnsubscribe(invoiceID string) error {
	if !n.Connected() {
		return nil
	}
	return n.send(controlFrame{Type: TypeUnsubscribe, InvoiceID: invoiceID})
}

// remove deletes the pending entry when it matches want (any entry when want is nil).
func (n *Notifier) remove(invoiceID string, want *PaymentFuture) *PaymentFuture {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.pending[invoiceID]
	if !ok || (want != nil && f != want) {
		return nil
	}
	delete(n.pending, invoiceID)
	return f
}

// Pending reports how many invoices are awaiting an event.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// SubscribeToTokenEvents registers a broadcast listener and returns its unsubscribe func.
func (n *Notifier) SubscribeToTokenEvents(l TokenListener) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = l
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *Notifier) send(frame controlFrame) error {
	n.connMu.Lock()
	conn := n.conn
	n.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(n.opts.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return apperrors.Transport("realtime write failed", err)
	}
	return nil
}

func (n *Notifier) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.handleDrop(conn, err)
			return
		}
		n.dispatch(data)
	}
}

func (n *Notifier) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(n.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(n.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (n *Notifier) dispatch(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		n.logger.Warn("dropping malformed frame", zap.Error(apperrors.Protocol("invalid realtime frame", err)))
		return
	}

	switch frame.Type {
	case TypeStatusUpdate, TypeCompleted:
		if frame.InvoiceID == "" {
			n.logger.Warn("dropping malformed frame", zap.Error(apperrors.Protocol(frame.Type+" without invoiceId", nil)))
			return
		}
		ev := models.PaymentStatusEvent{
			Type:      frame.Type,
			InvoiceID: frame.InvoiceID,
			Status:    models.PaymentStatus(strings.ToUpper(frame.Status)),
			Timestamp: rawTimestamp(frame.Timestamp),
			Payload:   frame.Data,
		}
		if n.opts.VerifyEvent != nil {
			if err := n.opts.VerifyEvent(ev); err != nil {
				n.logger.Warn("dropping unverified payment event", zap.String("invoice_id", ev.InvoiceID), zap.Error(err))
				return
			}
		}
		f := n.remove(frame.InvoiceID, nil)
		if f == nil {
			n.logger.Debug("no subscriber for payment event", zap.String("invoice_id", frame.InvoiceID), zap.String("type", frame.Type))
			return
		}
		f.resolve(ev)
		if n.opts.Metrics.IsEnabled() {
			go func() {
				ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
				defer cancel()
				_ = n.opts.Metrics.RecordCount(ctx, awspkg.MetricPaymentResolved, map[string]string{"Status": strings.ToUpper(frame.Status)})
			}()
		}

	case TypeTokenSaved:
		ev := models.TokenSavedEvent{TokenID: frame.TokenID, Timestamp: rawTimestamp(frame.Timestamp), Payload: frame.Data}
		n.mu.Lock()
		listeners := make([]TokenListener, 0, len(n.listeners))
		for _, l := range n.listeners {
			listeners = append(listeners, l)
		}
		n.mu.Unlock()
		for _, l := range listeners {
			l(ev)
		}

	case "":
		n.logger.Warn("dropping malformed frame", zap.Error(apperrors.Protocol("frame without type", nil)))

	default:
		n.logger.Debug("ignoring realtime frame", zap.String("type", frame.Type))
	}
}

func (n *Notifier) handleDrop(conn *websocket.Conn, err error) {
	n.connMu.Lock()
	if n.conn != conn {
		// replaced by Reconnect or Close
		n.connMu.Unlock()
		_ = conn.Close()
		return
	}
	n.conn = nil
	n.state.Store(int32(StateClosed))
	n.connMu.Unlock()
	_ = conn.Close()

	if n.ctx.Err() != nil {
		return
	}
	n.logger.Warn("realtime connection lost", zap.Error(err))
	if n.opts.AutoReconnect && n.reconnecting.CompareAndSwap(false, true) {
		go n.reconnectLoop()
	}
}

// reconnectLoop runs with reconnecting already set by handleDrop.
func (n *Notifier) reconnectLoop() {
	defer n.reconnecting.Store(false)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = n.opts.ReconnectInitial
	exp.MaxInterval = n.opts.ReconnectMax
	exp.MaxElapsedTime = n.opts.ReconnectMaxElapse
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, n.opts.ReconnectMaxTries), n.ctx)

	attempt := 0
	op := func() error {
		attempt++
		if err := n.EnsureConnected(n.ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Info("realtime reconnect failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		n.logger.Error("realtime reconnect gave up", zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	_ = n.opts.Metrics.RecordCount(ctx, awspkg.MetricWSReconnects, map[string]string{"Salon": n.salonID})
}

// Close tears down the connection and fails every pending future with ErrClosed.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		n.connMu.Lock()
		conn := n.conn
		n.conn = nil
		n.state.Store(int32(StateClosed))
		n.connMu.Unlock()

		if conn != nil {
			n.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			n.writeMu.Unlock()
			_ = conn.Close()
		}

		n.mu.Lock()
		pending := n.pending
		n.pending = make(map[string]*PaymentFuture)
		n.listeners = make(map[uint64]TokenListener)
		n.mu.Unlock()
		for _, f := range pending {
			f.fail(ErrClosed)
		}
		n.logger.Info("realtime notifier closed")
	})
	return nil
}

func rawTimestamp(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
