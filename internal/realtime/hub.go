package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campus/internal/metrics"
)

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// defaultQueueSize bounds the frames waiting for one observer's writer.
const defaultQueueSize = 256

// Observer is one connected dashboard client. Frames are queued by Broadcast
// and written by the observer's own writer goroutine, so a slow connection
// only ever delays itself.
type Observer struct {
	ID   string
	conn Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (o *Observer) write(payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := o.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return o.conn.WriteMessage(websocket.TextMessage, payload)
}

// enqueue hands payload to the writer without blocking. It reports false
// when the queue is full.
func (o *Observer) enqueue(payload []byte) bool {
	select {
	case o.out <- payload:
		return true
	default:
		return false
	}
}

func (o *Observer) closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *Observer) close() {
	o.closeOnce.Do(func() {
		close(o.done)
		_ = o.conn.Close()
	})
}

// Hub keeps the set of connected observers and fans events out to them.
type Hub struct {
	writeTimeout time.Duration
	queueSize    int

	mu        sync.RWMutex
	observers map[*Observer]struct{}
	closed    bool
}

// NewHub creates an empty hub. writeTimeout bounds each write so a stalled
// client is detected and dropped.
func NewHub(writeTimeout time.Duration) *Hub {
	return &Hub{
		writeTimeout: writeTimeout,
		queueSize:    defaultQueueSize,
		observers:    make(map[*Observer]struct{}),
	}
}

// Connect registers an accepted connection and starts its writer. After
// Close it refuses new connections by closing them and returning nil.
func (h *Hub) Connect(conn Conn) *Observer {
	o := &Observer{
		ID:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		o.close()
		return nil
	}
	h.observers[o] = struct{}{}
	n := len(h.observers)
	h.mu.Unlock()

	go h.writeLoop(o)

	metrics.Observers.Set(float64(n))
	log.Printf("realtime: observer %s connected (%d total)", o.ID, n)
	return o
}

// writeLoop drains o's queue until o is disconnected. A failed write
// disconnects o.
func (h *Hub) writeLoop(o *Observer) {
	for {
		select {
		case <-o.done:
			return
		case payload := <-o.out:
			if err := o.write(payload, h.writeTimeout); err != nil {
				log.Printf("realtime: send to %s failed: %v", o.ID, err)
				metrics.BroadcastFailures.Inc()
				h.Disconnect(o)
				return
			}
		}
	}
}

// Disconnect removes and closes o. Calling it for an unknown or already
// removed observer is a no-op.
func (h *Hub) Disconnect(o *Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	n := len(h.observers)
	h.mu.Unlock()

	o.close()
	if ok {
		metrics.Observers.Set(float64(n))
		log.Printf("realtime: observer %s disconnected (%d total)", o.ID, n)
	}
}

// Broadcast queues payload for every observer registered when the call
// starts and returns without waiting for any write. An observer whose queue
// is full is removed once the whole pass is over. It returns the number of
// observers the payload was queued for.
func (h *Hub) Broadcast(payload []byte) int {
	snapshot := h.snapshot()
	if len(snapshot) == 0 {
		return 0
	}

	queued := 0
	var failed []*Observer
	for _, o := range snapshot {
		if o.closed() {
			continue
		}
		if !o.enqueue(payload) {
			failed = append(failed, o)
			continue
		}
		queued++
	}

	for _, o := range failed {
		log.Printf("realtime: observer %s is not keeping up, dropping it", o.ID)
		metrics.BroadcastFailures.Inc()
		h.Disconnect(o)
	}
	return queued
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close disconnects every observer and stops accepting new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for _, o := range h.snapshot() {
		h.Disconnect(o)
	}
}

func (h *Hub) snapshot() []*Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		out = append(out, o)
	}
	return out
}
