package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	queueSize    = 1024
	ackQueueSize = 8
	maxRedial    = 5
	maxBackoff   = 15 * time.Second
	writeWait    = 5 * time.Second
	ackTimeout   = 5 * time.Second
)

// conn owns one websocket. A single writer goroutine drains out; a reader
// goroutine routes acks. After a failure it redials and replays hello.
type conn struct {
	mu     sync.Mutex
	ws     *ws.Conn
	hello  []byte // start_session of the running session
	closed bool

	out  chan []byte
	acks chan AckMessage
	done chan struct{}

	target string
	log    *slog.Logger
}

func newConn(target, secret string, log *slog.Logger) (*conn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid stream URL %q: scheme must be ws or wss", target)
	}
	if secret != "" {
		q := u.Query()
		q.Set("secret", secret)
		u.RawQuery = q.Encode()
	}
	return &conn{
		out:    make(chan []byte, queueSize),
		acks:   make(chan AckMessage, ackQueueSize),
		done:   make(chan struct{}),
		target: u.String(),
		log:    log,
	}, nil
}

func (c *conn) open() error {
	socket, _, err := ws.DefaultDialer.Dial(c.target, nil)
	if err != nil {
		return fmt.Errorf("stream dial failed: %w", err)
	}
	c.mu.Lock()
	c.ws = socket
	c.mu.Unlock()

	go c.writer(socket)
	go c.reader(socket)
	return nil
}

func (c *conn) writer(socket *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := write(socket, msg); err != nil {
				c.log.Warn("Stream write failed", "error", err)
				go c.redial(socket)
				return
			}
		}
	}
}

func (c *conn) reader(socket *ws.Conn) {
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("Stream read failed", "error", err)
				go c.redial(socket)
			}
			return
		}

		var ack AckMessage
		if json.Unmarshal(raw, &ack) != nil || ack.Type != TypeAck {
			c.log.Debug("Ignoring stream message", "raw", string(raw))
			continue
		}
		select {
		case c.acks <- ack:
		default:
			c.log.Debug("Ack dropped", "for", ack.For)
		}
	}
}

func write(socket *ws.Conn, msg []byte) error {
	if err := socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return socket.WriteMessage(ws.TextMessage, msg)
}

// redial replaces broken with a fresh socket. Only the first caller for a
// given socket does the work.
func (c *conn) redial(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.ws != broken {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.mu.Unlock()
	_ = broken.Close()

	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= maxRedial; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		socket, _, err := ws.DefaultDialer.Dial(c.target, nil)
		if err != nil {
			c.log.Warn("Stream redial failed", "attempt", attempt, "error", err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.mu.Lock()
		hello := c.hello
		c.mu.Unlock()
		if hello != nil {
			if err := write(socket, hello); err != nil {
				c.log.Warn("Stream session replay failed", "attempt", attempt, "error", err)
				_ = socket.Close()
				continue
			}
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = socket.Close()
			return
		}
		c.ws = socket
		c.mu.Unlock()

		c.log.Info("Stream reconnected", "attempt", attempt)
		go c.writer(socket)
		go c.reader(socket)
		return
	}
	c.log.Error("Stream gave up reconnecting", "attempts", maxRedial)
}

// enqueue never blocks; a full queue drops the message.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) request(msg []byte, kind string, timeout time.Duration) error {
	if !c.enqueue(msg) {
		return fmt.Errorf("stream queue full, %s not sent", kind)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ack := <-c.acks:
			if ack.For == kind {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("no ack for %s within %s", kind, timeout)
		case <-c.done:
			return fmt.Errorf("stream closed before ack for %s", kind)
		}
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	socket := c.ws
	c.ws = nil
	c.mu.Unlock()

	if socket == nil {
		return nil
	}
	_ = socket.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return socket.Close()
}
