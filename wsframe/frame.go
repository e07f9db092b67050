// Package wsframe defines the WebSocket frame codec contract consumed by the
// core (spec §6) and an adapter onto github.com/gorilla/websocket, grounded
// on the read/write pump pattern in the teacher's
// internal/core/realtime/client.go.
package wsframe

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Opcode identifies the kind of a WebSocket frame (spec §6).
type Opcode string

const (
	Continuation Opcode = "CONTINUATION"
	Text         Opcode = "TEXT"
	Binary       Opcode = "BINARY"
	Close        Opcode = "CLOSE"
	Ping         Opcode = "PING"
	Pong         Opcode = "PONG"
)

func fromWireOpcode(op int) Opcode {
	switch op {
	case websocket.TextMessage:
		return Text
	case websocket.BinaryMessage:
		return Binary
	case websocket.CloseMessage:
		return Close
	case websocket.PingMessage:
		return Ping
	case websocket.PongMessage:
		return Pong
	default:
		return Continuation
	}
}

func (o Opcode) wire() int {
	switch o {
	case Text:
		return websocket.TextMessage
	case Binary:
		return websocket.BinaryMessage
	case Close:
		return websocket.CloseMessage
	case Ping:
		return websocket.PingMessage
	case Pong:
		return websocket.PongMessage
	default:
		return websocket.BinaryMessage
	}
}

// Frame is the unit the codec delivers inbound and accepts outbound
// (spec §6: "Frame { opcode, payload, fin }"). Masking and fragmentation are
// handled beneath this contract by gorilla/websocket.
type Frame struct {
	Opcode  Opcode
	Payload []byte
	Fin     bool
}

// Connection timing constants, grounded on
// internal/core/realtime/client.go's writeWait/pongWait/pingPeriod/maxMessageSize.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Conn wraps a *websocket.Conn and exposes the narrow Frame-oriented
// contract the Dispatcher's WS path consumes.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
	closeCh chan struct{}
}

// NewConn adapts an upgraded *websocket.Conn.
func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{ws: ws, logger: logger, closeCh: make(chan struct{})}
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// ReadFrame blocks for the next inbound frame. It returns an error (often
// wrapping a close/abnormal-closure condition) when the connection ends.
func (c *Conn) ReadFrame() (Frame, error) {
	op, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Opcode: fromWireOpcode(op), Payload: data, Fin: true}, nil
}

// WriteFrame sends an outbound frame, serializing concurrent writers (the
// gorilla/websocket connection permits only one writer at a time).
func (c *Conn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(f.Opcode.wire(), f.Payload)
}

// Ping sends a protocol-level ping; callers typically drive this from a
// ticker at pingPeriod, mirroring the teacher's writePump.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// PingPeriod is the recommended interval between Ping calls.
func (c *Conn) PingPeriod() time.Duration { return pingPeriod }

// Close closes the underlying connection exactly once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closeCh)
		err = c.ws.Close()
	})
	return err
}

// CloseCh is closed when Close has run, letting callers select on
// disconnection without polling.
func (c *Conn) CloseCh() <-chan struct{} { return c.closeCh }

// IsUnexpectedClose classifies a ReadFrame error the way the teacher's
// readPump does, to decide whether it warrants a log line.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}

// ErrPoolFull is returned by Pool.Join when a mapping's connection cap is
// reached (SPEC_FULL supplemented feature: per-mapping WS connection
// accounting).
var ErrPoolFull = errors.New("wsframe: connection limit reached for this mapping")

// Pool tracks active WebSocket connections grouped by an arbitrary key
// (transport.Server uses the upgrade request's URL path), adapted from the
// teacher's Hub/Client registration bookkeeping
// (internal/core/realtime/hub.go) but generalized away from the
// agent-specific protocol: Pool only counts and closes connections, it does
// not interpret application messages.
type Pool struct {
	mu    sync.Mutex
	limit int
	byKey map[string]map[*Conn]struct{}
}

// NewPool creates a Pool. limit <= 0 means unbounded.
func NewPool(limit int) *Pool {
	return &Pool{limit: limit, byKey: make(map[string]map[*Conn]struct{})}
}

// Join registers conn under key, failing with ErrPoolFull if the per-key
// limit is already reached.
func (p *Pool) Join(key string, conn *Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.byKey[key]
	if p.limit > 0 && len(set) >= p.limit {
		return ErrPoolFull
	}
	if set == nil {
		set = make(map[*Conn]struct{})
		p.byKey[key] = set
	}
	set[conn] = struct{}{}
	return nil
}

// Leave removes conn from key's set. Safe to call even if conn was never
// joined or already left.
func (p *Pool) Leave(key string, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.byKey[key]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(p.byKey, key)
	}
}

// Count returns the number of connections currently joined under key.
func (p *Pool) Count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey[key])
}

// CloseAll closes every tracked connection under key and forgets the key.
func (p *Pool) CloseAll(key string) {
	p.mu.Lock()
	set := p.byKey[key]
	delete(p.byKey, key)
	p.mu.Unlock()
	for conn := range set {
		_ = conn.Close()
	}
}
