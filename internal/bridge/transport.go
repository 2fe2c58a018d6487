package bridge

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one adapter connection carrying newline-free text frames.
type Conn interface {
	ReadText() (string, error)
	WriteText(s string) error
	Close() error
	RemoteAddr() string
}

// Listener accepts adapter connections. The channel owns exactly one
// listener and serves one connection at a time.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// TransportConfig selects how the venue adapter reaches the channel.
type TransportConfig struct {
	Listen    string
	Transport string // "tcp" or "ws"
}

// NewListener creates a listener based on configuration.
func NewListener(cfg TransportConfig) (Listener, error) {
	switch cfg.Transport {
	case "ws":
		return newWSListener(cfg.Listen)
	case "tcp", "":
		return newTCPListener(cfg.Listen)
	default:
		return nil, fmt.Errorf("unknown bridge transport %q", cfg.Transport)
	}
}

// --- TCP: newline-delimited frames ---

type tcpListener struct {
	ln net.Listener
}

func newTCPListener(addr string) (*tcpListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newTextConn(c), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }
func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

type textConn struct {
	c  net.Conn
	r  *bufio.Reader
	wm sync.Mutex
}

// newTextConn frames any net.Conn (including net.Pipe halves in tests) as
// newline-delimited text.
func newTextConn(c net.Conn) *textConn {
	return &textConn{c: c, r: bufio.NewReader(c)}
}

func (t *textConn) ReadText() (string, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

func (t *textConn) WriteText(s string) error {
	t.wm.Lock()
	defer t.wm.Unlock()
	_, err := t.c.Write([]byte(s + "\n"))
	return err
}

func (t *textConn) Close() error      { return t.c.Close() }
func (t *textConn) RemoteAddr() string { return t.c.RemoteAddr().String() }

// --- WebSocket: one text message per frame ---

type wsListener struct {
	srv    *http.Server
	ln     net.Listener
	accept chan Conn
	closed chan struct{}
	once   sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The adapter is a local sidecar; origin checks don't apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSListener(addr string) (*wsListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:     ln,
		accept: make(chan Conn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.accept <- &wsConn{ws: ws}:
	case <-l.closed:
		_ = ws.Close()
	}
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.srv.Close()
}

func (l *wsListener) Addr() string { return l.ln.Addr().String() }

type wsConn struct {
	ws *websocket.Conn
	wm sync.Mutex
}

func (w *wsConn) ReadText() (string, error) {
	_, data, err := w.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *wsConn) WriteText(s string) error {
	w.wm.Lock()
	defer w.wm.Unlock()
	return w.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

func (w *wsConn) Close() error       { return w.ws.Close() }
func (w *wsConn) RemoteAddr() string { return w.ws.RemoteAddr().String() }
