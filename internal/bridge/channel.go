package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeden-/mt5agent/internal/observ"
)

// Handler consumes one inbound message. Handlers run synchronously on the
// receiving path and must be fast and non-blocking.
type Handler func(Message)

// Config controls the bridge channel.
type Config struct {
	Listen            string
	Transport         string // "tcp" or "ws"
	LivenessTimeout   time.Duration
	CommandsPerSecond float64
	ResponseTimeout   time.Duration
	Refresh           RefreshConfig
}

func (c Config) withDefaults() Config {
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 10 * time.Second
	}
	if c.CommandsPerSecond == 0 {
		c.CommandsPerSecond = 20
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	c.Refresh = c.Refresh.withDefaults()
	return c
}

var knownTypes = map[string]bool{
	MsgMarketData: true, MsgPositionsUpdate: true, MsgAccountInfo: true,
	MsgHistoryData: true, MsgInit: true, MsgDeinit: true, MsgError: true,
	MsgSuccess: true, MsgPong: true, MsgClose: true,
}

// Channel owns the adapter connection: inbound parsing and dispatch, the
// outbound command queue, liveness tracking and the periodic refresh
// scheduler.
type Channel struct {
	cfg Config
	now func() time.Time

	lifeMu   sync.Mutex
	started  atomic.Bool
	listener Listener
	stopCh   chan struct{}
	cancel   context.CancelFunc
	sendCtx  context.Context
	wg       sync.WaitGroup

	// Command queue and active connection; qcond signals the sender when
	// either changes.
	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []Command
	conn    Conn
	closing bool
	limiter *rate.Limiter

	// Coarse lock over all shared snapshots and the watched set.
	mu          sync.Mutex
	marketData  map[string]*Fields
	positions   []*Fields
	accountInfo *Fields
	history     []*Fields
	watched     map[string]struct{}
	lastContact time.Time

	hmu      sync.Mutex
	handlers map[string]Handler

	wmu     sync.Mutex
	waiters []*waiter

	sched *scheduler
}

type waiter struct {
	msgType string
	match   func(Message) bool
	ch      chan Message
}

func NewChannel(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:        cfg,
		now:        time.Now,
		marketData: map[string]*Fields{},
		watched:    map[string]struct{}{},
		handlers:   map[string]Handler{},
		limiter:    rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), 1),
	}
	c.qcond = sync.NewCond(&c.qmu)
	c.sched = newScheduler(c, cfg.Refresh)
	return c
}

// Start binds the listener and launches the accept/serve loop, the command
// sender and the refresh scheduler. A failed setup runs the same cleanup as
// Stop and returns the error.
func (c *Channel) Start() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.started.Load() {
		return errors.New("bridge channel already started")
	}

	ln, err := NewListener(TransportConfig{Listen: c.cfg.Listen, Transport: c.cfg.Transport})
	if err != nil {
		c.cleanupLocked()
		observ.Error("bridge_start_failed", err, map[string]any{"listen": c.cfg.Listen})
		return err
	}

	c.listener = ln
	c.stopCh = make(chan struct{})
	c.sendCtx, c.cancel = context.WithCancel(context.Background())
	c.qmu.Lock()
	c.closing = false
	c.qmu.Unlock()
	c.started.Store(true)

	c.wg.Add(3)
	go c.acceptLoop()
	go c.senderLoop()
	go c.sched.run(c.stopCh)

	observ.Log("bridge_started", map[string]any{"listen": ln.Addr(), "transport": c.cfg.Transport})
	return nil
}

// Stop shuts the listener, the active connection and all channel goroutines.
func (c *Channel) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.started.Load() {
		return
	}
	c.started.Store(false)
	close(c.stopCh)
	c.cancel()
	c.cleanupLocked()
	c.wg.Wait()
	observ.Log("bridge_stopped", nil)
}

func (c *Channel) cleanupLocked() {
	if c.listener != nil {
		_ = c.listener.Close()
		c.listener = nil
	}
	c.qmu.Lock()
	c.closing = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.qcond.Broadcast()
	c.qmu.Unlock()
}

// SendCommand appends one command to the outbound queue. Returns false and
// enqueues nothing if the channel is not started.
func (c *Channel) SendCommand(cmdType, payload string) bool {
	if !c.started.Load() {
		observ.IncCounter("bridge_commands_dropped_total", map[string]string{"type": cmdType})
		return false
	}
	c.qmu.Lock()
	c.queue = append(c.queue, Command{Type: cmdType, Payload: payload})
	depth := len(c.queue)
	c.qcond.Signal()
	c.qmu.Unlock()
	observ.SetGauge("bridge_queue_depth", float64(depth), nil)
	return true
}

// QueueDepth reports the number of commands waiting to be sent.
func (c *Channel) QueueDepth() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.queue)
}

// IsConnected reports whether any message arrived within the liveness window.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastContact.IsZero() {
		return false
	}
	return c.now().Sub(c.lastContact) < c.cfg.LivenessTimeout
}

// RegisterHandler installs the callback for one message type and returns the
// handler it replaced, if any. At most one callback per type is retained.
func (c *Channel) RegisterHandler(msgType string, h Handler) Handler {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	prev := c.handlers[msgType]
	c.handlers[msgType] = h
	return prev
}

// UnregisterHandler removes and returns the callback for one message type.
func (c *Channel) UnregisterHandler(msgType string) Handler {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	prev := c.handlers[msgType]
	delete(c.handlers, msgType)
	return prev
}

// Watch adds a symbol to the periodic market-data refresh set.
func (c *Channel) Watch(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched[symbol] = struct{}{}
}

func (c *Channel) Unwatch(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watched, symbol)
}

func (c *Channel) Watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.watched))
	for s := range c.watched {
		out = append(out, s)
	}
	return out
}

// SetWatched replaces the whole watched set.
func (c *Channel) SetWatched(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched = map[string]struct{}{}
	for _, s := range symbols {
		c.watched[s] = struct{}{}
	}
}

// MarketData returns the last snapshot for a symbol.
func (c *Channel) MarketData(symbol string) (*Fields, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.marketData[symbol]
	return f, ok
}

// Positions returns the last venue-reported position records.
func (c *Channel) Positions() []*Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Fields, len(c.positions))
	copy(out, c.positions)
	return out
}

func (c *Channel) AccountInfo() *Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountInfo
}

func (c *Channel) History() []*Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Fields, len(c.history))
	copy(out, c.history)
	return out
}

// --- goroutines ---

func (c *Channel) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if !c.started.Load() {
				return
			}
			observ.Error("bridge_accept_error", err, nil)
			select {
			case <-c.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		observ.Log("bridge_adapter_connected", map[string]any{"remote": conn.RemoteAddr()})
		observ.SetGauge("bridge_connected", 1, nil)
		c.setConn(conn)
		c.serveConn(conn)
		c.clearConn(conn)
		observ.SetGauge("bridge_connected", 0, nil)
		if !c.started.Load() {
			return
		}
		observ.Log("bridge_adapter_disconnected", map[string]any{"remote": conn.RemoteAddr()})
	}
}

func (c *Channel) setConn(conn Conn) {
	c.qmu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.qcond.Broadcast()
	c.qmu.Unlock()
}

func (c *Channel) clearConn(conn Conn) {
	c.qmu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.qmu.Unlock()
	_ = conn.Close()
}

func (c *Channel) serveConn(conn Conn) {
	for {
		line, err := conn.ReadText()
		if err != nil {
			return
		}
		c.dispatch(line)
	}
}

// dispatch parses one frame, updates snapshots under the coarse lock, then
// invokes waiters and the registered callback for the type.
func (c *Channel) dispatch(line string) {
	msg := ParseMessage(line)

	c.mu.Lock()
	c.lastContact = c.now()
	switch msg.Type {
	case MsgMarketData:
		if sym := msg.Fields.String("SYMBOL"); sym != "" {
			c.marketData[sym] = msg.Fields
		}
	case MsgPositionsUpdate:
		c.positions = parseRecords(msg.Raw)
	case MsgAccountInfo:
		c.accountInfo = msg.Fields
	case MsgHistoryData:
		c.history = parseRecords(msg.Raw)
	}
	c.mu.Unlock()

	observ.IncCounter("bridge_messages_total", map[string]string{"type": msg.Type})

	switch msg.Type {
	case MsgPong:
		observ.SetGauge("bridge_last_pong_unix", float64(c.now().Unix()), nil)
	case MsgError:
		observ.Log("bridge_adapter_error", map[string]any{"payload": msg.Raw})
	case MsgClose, MsgDeinit:
		// Adapter is going away; close the connection so the accept loop
		// can serve its replacement.
		c.qmu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.qmu.Unlock()
	}

	c.notifyWaiters(msg)

	c.hmu.Lock()
	h := c.handlers[msg.Type]
	c.hmu.Unlock()
	if h != nil {
		c.invokeHandler(msg, h)
	} else if !knownTypes[msg.Type] {
		observ.Log("bridge_unknown_type", map[string]any{"type": msg.Type})
	}
}

func (c *Channel) invokeHandler(msg Message, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("bridge_handler_panic", nil, map[string]any{"type": msg.Type, "panic": r})
			observ.IncCounter("bridge_handler_errors_total", map[string]string{"type": msg.Type})
		}
	}()
	h(msg)
}

func (c *Channel) senderLoop() {
	defer c.wg.Done()
	for {
		c.qmu.Lock()
		for !c.closing && (len(c.queue) == 0 || c.conn == nil) {
			c.qcond.Wait()
		}
		if c.closing {
			c.qmu.Unlock()
			return
		}
		cmd := c.queue[0]
		c.queue = c.queue[1:]
		conn := c.conn
		depth := len(c.queue)
		c.qmu.Unlock()
		observ.SetGauge("bridge_queue_depth", float64(depth), nil)

		if err := c.limiter.Wait(c.sendCtx); err != nil {
			return
		}
		if err := conn.WriteText(cmd.Format()); err != nil {
			observ.Error("bridge_send_error", err, map[string]any{"type": cmd.Type})
			observ.IncCounter("bridge_send_errors_total", map[string]string{"type": cmd.Type})
			continue
		}
		observ.IncCounter("bridge_commands_sent_total", map[string]string{"type": cmd.Type})
	}
}

// --- request/response waiters ---

func (c *Channel) awaitMessage(msgType string, match func(Message) bool, timeout time.Duration) (Message, error) {
	w := &waiter{msgType: msgType, match: match, ch: make(chan Message, 1)}
	c.wmu.Lock()
	c.waiters = append(c.waiters, w)
	c.wmu.Unlock()
	defer c.removeWaiter(w)

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-time.After(timeout):
		return Message{}, &TimeoutError{MsgType: msgType, Timeout: timeout}
	}
}

func (c *Channel) removeWaiter(w *waiter) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Channel) notifyWaiters(msg Message) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.msgType == msg.Type && (w.match == nil || w.match(msg)) {
			select {
			case w.ch <- msg:
			default:
			}
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func parseRecords(payload string) []*Fields {
	recs := SplitRecords(payload)
	out := make([]*Fields, 0, len(recs))
	for _, r := range recs {
		f := ParsePayload(r)
		if f.Len() > 0 {
			out = append(out, f)
		}
	}
	return out
}

// TimeoutError reports an adapter request that saw no matching response.
type TimeoutError struct {
	MsgType string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "timeout waiting for " + e.MsgType + " after " + e.Timeout.String()
}
