// ABOUTME: WebSocket links using gorilla/websocket
// ABOUTME: Host-side upgrade handler and guest-side dialer sharing one channel type
package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Path is where the host accepts links
	Path = "/tandem"

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendQueueSize   = 256
	urgentQueueSize = 16
)

// wsChannel is a websocket link with a dedicated writer goroutine
type wsChannel struct {
	id       string
	conn     *websocket.Conn
	sendChan chan Frame
	urgent   chan Frame
	done     chan struct{}
	once     sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		id:       uuid.New().String(),
		conn:     conn,
		sendChan: make(chan Frame, sendQueueSize),
		urgent:   make(chan Frame, urgentQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *wsChannel) ID() string {
	return c.id
}

// Send queues a frame. It blocks while the queue is full, up to the write deadline.
func (c *wsChannel) Send(f Frame) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	queue := c.sendChan
	if f.Urgent {
		queue = c.urgent
	}

	timer := time.NewTimer(writeDeadline)
	defer timer.Stop()

	select {
	case queue <- f:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

func (c *wsChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
	return nil
}

// next waits for the next frame to write, urgent frames first. ping is set
// when tick fired instead; ok is false once the channel is closed.
func (c *wsChannel) next(tick <-chan time.Time) (f Frame, ping, ok bool) {
	select {
	case <-c.done:
		return Frame{}, false, false
	case f := <-c.urgent:
		return f, false, true
	default:
	}

	select {
	case <-c.done:
		return Frame{}, false, false
	case f := <-c.urgent:
		return f, false, true
	case f := <-c.sendChan:
		return f, false, true
	case <-tick:
		return Frame{}, true, true
	}
}

// writer drains the send queues and pings the peer
func (c *wsChannel) writer() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		f, ping, ok := c.next(ticker.C)
		if !ok {
			return
		}

		if ping {
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				c.Close()
				return
			}
			continue
		}

		msgType := websocket.TextMessage
		if f.Binary {
			msgType = websocket.BinaryMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(msgType, f.Data); err != nil {
			log.Printf("Error writing to %s: %v", c.id, err)
			c.Close()
			return
		}
	}
}

// serve runs the channel until the connection ends. Blocks.
func (c *wsChannel) serve(handler Handler) {
	go c.writer()
	handler.OnOpen(c)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					handler.OnError(c, err)
				}
			}
			break
		}

		switch messageType {
		case websocket.BinaryMessage:
			handler.OnMessage(c, Binary(data))
		case websocket.TextMessage:
			handler.OnMessage(c, Text(data))
		}
	}

	c.Close()
	handler.OnClose(c)
}

// Server accepts links from guests
type Server struct {
	addr       string
	handler    Handler
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a link server; links are delivered to handler
func NewServer(addr string, handler Handler) *Server {
	s := &Server{
		addr:    addr,
		handler: handler,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local network only; browsers connect from arbitrary origins
				return true
			},
		},
	}
	s.mux.HandleFunc(Path, s.handleWebSocket)
	s.mux.HandleFunc(SignalPath, s.handleSignal)
	return s
}

// ServeHTTP lets the server be mounted elsewhere or driven by httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New link from %s", r.RemoteAddr)

	s.wg.Add(1)
	defer s.wg.Done()
	newWSChannel(conn).serve(s.handler)
}

// Start listens in the background. Use Addr to learn the bound address.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Listening for links on %s%s", ln.Addr(), Path)
	return ln.Addr(), nil
}

// Stop closes the listener. Open links are closed by their owner.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Dial opens a link to a host. The returned channel is already open and its
// events flow to handler on a background goroutine.
func Dial(ctx context.Context, url string, handler Handler) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	ch := newWSChannel(conn)
	go ch.serve(handler)
	return ch, nil
}

// URL builds the link URL for a host address
func URL(hostAddr string) string {
	return "ws://" + hostAddr + Path
}
