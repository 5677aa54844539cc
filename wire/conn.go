package wire

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FrameKind tags what ReadFrame returned.
type FrameKind uint8

const (
	FrameControl FrameKind = iota
	FrameChunk
	FrameClosed
)

// Frame is one decoded message off the wire.
type Frame struct {
	Kind      FrameKind
	Control   Control
	ChunkID   string
	ChunkData []byte
}

// Conn is a bidirectional framed message stream carrying text (control)
// and binary (chunk) frames, per SPEC_FULL.md §6.1. It wraps
// *websocket.Conn, serializing writes (gorilla requires a single
// writer goroutine) and tracking the last time any frame — including
// ping/pong — was received, exposed through LastRecv. The Protocol
// Engine's idle timeout does not read it; it uses SetReadDeadline.
type Conn struct {
	ws      *websocket.Conn
	version Version

	writeMu sync.Mutex

	lastRecv atomic.Int64 // unix nanos
}

func newConn(ws *websocket.Conn, version Version) *Conn {
	c := &Conn{ws: ws, version: version}
	c.touch()

	ws.SetPingHandler(func(appData string) error {
		c.touch()
		return ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})
	ws.SetPongHandler(func(appData string) error {
		c.touch()
		return nil
	})

	return c
}

func (c *Conn) touch() { c.lastRecv.Store(time.Now().UnixNano()) }

// LastRecv returns the last time any frame (data, ping, or pong) was
// observed on this connection.
func (c *Conn) LastRecv() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// Version returns the negotiated wire protocol version.
func (c *Conn) Version() Version { return c.version }

// WriteControl sends msg as a text frame.
func (c *Conn) WriteControl(msg Control) error {
	data, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// WriteChunk sends one binary chunk frame for file id.
func (c *Conn) WriteChunk(id string, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, EncodeChunk(id, data))
}

// Ping sends a liveness ping frame; only meaningful when
// Version.SupportsPing() is true.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// ReadFrame blocks for the next data frame, decoding it into a Frame.
// Ping/pong control frames are handled transparently by the registered
// handlers and never surfaced here; a close frame yields FrameClosed.
func (c *Conn) ReadFrame() (Frame, error) {
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Frame{Kind: FrameClosed}, nil
		}
		return Frame{}, err
	}
	c.touch()

	switch typ {
	case websocket.TextMessage:
		ctrl, err := DecodeControl(data)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameControl, Control: ctrl}, nil
	case websocket.BinaryMessage:
		id, payload, err := DecodeChunk(data)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameChunk, ChunkID: id, ChunkData: payload}, nil
	default:
		return Frame{}, fmt.Errorf("wire: unexpected frame type %d", typ)
	}
}

// SetReadDeadline bounds the next ReadFrame call, used by the Protocol
// Engine to enforce transfer_idle_lifetime.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.ws.Close() }
