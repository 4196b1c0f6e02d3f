package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parlorlabs/parlor/internal/v1/logging"
	"github.com/parlorlabs/parlor/internal/v1/metrics"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up; pings go out at pingPeriod to keep it fed.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize rejects oversized inbound frames at the transport.
	maxFrameSize = 64 * 1024

	// sendBufferSize is the per-session outbound queue. A client that
	// falls this far behind starts losing frames.
	sendBufferSize = 64
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Session represents a single client's connection to the hub.
type Session struct {
	id       string
	clientIP string
	conn     wsConnection

	send      chan []byte   // Buffered channel of outbound frames
	done      chan struct{} // Closed exactly once to stop the write pump
	closeOnce sync.Once

	// name, roomID and lastFrameAt are guarded by Hub.mu, never by the
	// session.
	name        string
	roomID      string
	lastFrameAt time.Time
}

func newSession(id, clientIP string, conn wsConnection) *Session {
	return &Session{
		id:       id,
		clientIP: clientIP,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// ID returns the session's hub-assigned identifier.
func (s *Session) ID() string {
	return s.id
}

// close stops the write pump. The send channel is never closed, so
// concurrent TrySend calls can never panic.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// TrySend enqueues a frame without blocking. Frames to a closing session
// or past a full buffer are dropped; a slow consumer must never stall
// the hub.
func (s *Session) TrySend(frame []byte) {
	if frame == nil {
		return
	}

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- frame:
	default:
		metrics.DroppedWrites.Inc()
		logging.Warn(context.Background(), "Session send buffer full, dropping frame", zap.String("sessionId", s.id))
	}
}

// sendError enqueues an error frame and counts it.
func (s *Session) sendError(code, message string) {
	metrics.FrameErrors.WithLabelValues(code).Inc()
	s.TrySend(encodeFrame(errorFrame{Type: frameError, Code: code, Message: message}))
}

// writePump moves frames from the send channel to the connection. On
// shutdown it drains whatever is already queued, sends a close frame,
// and closes the connection, which also unblocks the read pump.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message", zap.String("sessionId", s.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case message := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}
