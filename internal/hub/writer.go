package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 64
)

// Socket is the hub's handle on one client transport. Implementations must be
// safe for concurrent use.
type Socket interface {
	// Send enqueues an encoded frame. It returns false when the socket is
	// closed or its buffer is full; a full buffer closes the socket.
	Send(data []byte) bool
	// Probe asks the peer for a liveness response.
	Probe()
	// Close flushes queued frames, sends a close frame with reason and
	// releases the transport. Repeated calls are no-ops.
	Close(reason string)
	// Open reports whether frames can still be delivered.
	Open() bool
}

// wsSocket owns the write side of a gorilla connection. A single goroutine
// performs every write so frames leave in the order they were enqueued.
type wsSocket struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	probes      chan struct{}
	doneChannel chan struct{}
	exited      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewWebSocket starts the writer goroutine for connection.
func NewWebSocket(connection *websocket.Conn, clock clockwork.Clock) Socket {
	s := &wsSocket{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		probes:      make(chan struct{}, 1),
		doneChannel: make(chan struct{}),
		exited:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *wsSocket) run() {
	defer s.wg.Done()
	defer close(s.exited)

	for {
		select {
		case msg := <-s.sendChannel:
			if !s.write(websocket.TextMessage, msg) {
				return
			}
		case <-s.probes:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		case <-s.doneChannel:
			s.drain()
			return
		}
	}
}

// drain flushes whatever is still queued so a notice enqueued right before
// Close reaches the peer.
func (s *wsSocket) drain() {
	for {
		select {
		case msg := <-s.sendChannel:
			if !s.write(websocket.TextMessage, msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSocket) write(messageType int, data []byte) bool {
	s.updateWriteDeadline()
	if err := s.connection.WriteMessage(messageType, data); err != nil {
		// Unblocks the read loop so the session tears the connection down.
		_ = s.connection.Close()
		return false
	}
	return true
}

func (s *wsSocket) Send(data []byte) bool {
	if !s.Open() {
		return false
	}
	select {
	case s.sendChannel <- data:
		return true
	default:
		go s.Close("slow consumer")
		return false
	}
}

func (s *wsSocket) Probe() {
	select {
	case s.probes <- struct{}{}:
	default:
	}
}

func (s *wsSocket) Open() bool {
	select {
	case <-s.doneChannel:
		return false
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *wsSocket) Close(reason string) {
	s.stopOnce.Do(func() {
		close(s.doneChannel)

		// The writer goroutine must be gone before the close frame is written.
		s.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		s.updateWriteDeadline()
		_ = s.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = s.connection.Close()
	})
}

func (s *wsSocket) updateWriteDeadline() {
	_ = s.connection.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
}
