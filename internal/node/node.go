// Package node runs the application side of an MSCAN controller: it drains
// the driver's receive buffer, fans messages out to subscribers, records them
// and queues outbound frames with retry on full transmit buffers.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/mscan"
	"github.com/kstaniek/go-mscan/internal/transport"
)

// ErrTxQueueFull is returned by Send when the outbound queue is full.
var ErrTxQueueFull = errors.New("node: tx queue full")

// Driver is the part of mscan.Driver the node uses.
type Driver interface {
	Send(mscan.Frame) error
	Take(*mscan.RxFrame) bool
	Stats() mscan.Stats
}

// Recorder stores consumed messages.
type Recorder interface {
	Record(at time.Time, fr mscan.RxFrame) (int, error)
}

// Message is a consumed receive buffer.
type Message struct {
	Seq       uint64        `json:"seq"`
	At        time.Time     `json:"at"`
	Len       uint8         `json:"len"`
	Data      string        `json:"data"`
	Timestamp uint16        `json:"timestamp"`
	Frame     mscan.RxFrame `json:"-"`
}

func newMessage(seq uint64, at time.Time, fr mscan.RxFrame) Message {
	return Message{
		Seq:       seq,
		At:        at,
		Len:       fr.Len,
		Data:      fmt.Sprintf("% X", fr.Payload()),
		Timestamp: fr.Timestamp,
		Frame:     fr,
	}
}

// Status is a snapshot for status pages.
type Status struct {
	Driver      mscan.Stats `json:"driver"`
	Received    uint64      `json:"received"`
	Retries     uint64      `json:"retries"`
	TxQueued    int         `json:"tx_queued"`
	Subscribers int         `json:"subscribers"`
	Latest      *Message    `json:"latest,omitempty"`
}

type Node struct {
	drv    Driver
	logger *slog.Logger
	rec    Recorder
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	poll       time.Duration
	hbFrame    mscan.Frame
	hbEvery    time.Duration
	retryMin   time.Duration
	retryMax   time.Duration
	retryLimit int
	queueSize  int

	txq *transport.AsyncTx[mscan.Frame]

	subsMu sync.RWMutex
	subs   map[chan Message]struct{}

	seq     atomic.Uint64
	retries atomic.Uint64
	latest  atomic.Pointer[Message]
}

type Option func(*Node)

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithRecorder stores every consumed message in r.
func WithRecorder(r Recorder) Option { return func(n *Node) { n.rec = r } }

// WithPollInterval sets how often the receive flag is checked (default 1ms).
func WithPollInterval(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.poll = d
		}
	}
}

// WithHeartbeat queues f every interval while Run is active.
func WithHeartbeat(f mscan.Frame, every time.Duration) Option {
	return func(n *Node) { n.hbFrame, n.hbEvery = f, every }
}

// WithRetry sets the ErrBuffersFull backoff. limit 0 retries until the
// context is done.
func WithRetry(min, max time.Duration, limit int) Option {
	return func(n *Node) {
		if min > 0 {
			n.retryMin = min
		}
		if max >= n.retryMin {
			n.retryMax = max
		}
		if limit >= 0 {
			n.retryLimit = limit
		}
	}
}

// WithTxQueue sets the outbound queue capacity (default 64).
func WithTxQueue(size int) Option {
	return func(n *Node) {
		if size > 0 {
			n.queueSize = size
		}
	}
}

func withClock(now func() time.Time) Option { return func(n *Node) { n.now = now } }

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(n *Node) { n.sleep = fn }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New wires a node to an initialized driver. Close releases the queue.
func New(drv Driver, opts ...Option) *Node {
	n := &Node{
		drv:       drv,
		logger:    logging.L(),
		now:       time.Now,
		sleep:     sleepCtx,
		poll:      time.Millisecond,
		retryMin:  time.Millisecond,
		retryMax:  50 * time.Millisecond,
		queueSize: 64,
		subs:      make(map[chan Message]struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	n.txq = transport.NewAsyncTx(context.Background(), n.queueSize, n.transmit, transport.Hooks{
		OnError: func(err error) { n.logger.Warn("tx_error", "error", err) },
		OnDrop:  func() error { return ErrTxQueueFull },
	})
	return n
}

// Close stops the transmit worker. Queued frames are discarded.
func (n *Node) Close() { n.txq.Close() }

// Send queues f for transmission.
func (n *Node) Send(f mscan.Frame) error { return n.txq.Send(f) }

// SendWait transmits f directly and returns the driver result. It gives up
// with ctx's error when ctx ends first; the frame may still go out later.
func (n *Node) SendWait(ctx context.Context, f mscan.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- n.transmit(ctx, f) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		n.logger.Warn("tx_wait_abandoned", "frame", f.String(), "error", ctx.Err())
		return ctx.Err()
	}
}

func (n *Node) transmit(ctx context.Context, f mscan.Frame) error {
	delay := n.retryMin
	for attempt := 1; ; attempt++ {
		err := n.drv.Send(f)
		if !errors.Is(err, mscan.ErrBuffersFull) {
			if err == nil {
				n.logger.Debug("tx_frame", "frame", f.String())
			}
			return err
		}
		if n.retryLimit > 0 && attempt >= n.retryLimit {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		n.retries.Add(1)
		if serr := n.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if delay > n.retryMax {
			delay = n.retryMax
		}
	}
}

// Run polls the driver until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	t := time.NewTicker(n.poll)
	defer t.Stop()
	var hb <-chan time.Time
	if n.hbEvery > 0 {
		ht := time.NewTicker(n.hbEvery)
		defer ht.Stop()
		hb = ht.C
	}
	n.logger.Info("node_started", "poll", n.poll, "heartbeat", n.hbEvery)
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("node_stopped")
			return nil
		case <-t.C:
			n.Poll()
		case <-hb:
			if err := n.Send(n.hbFrame); err != nil {
				n.logger.Warn("heartbeat_dropped", "error", err)
			}
		}
	}
}

// Poll consumes the receive buffer if a message is waiting and reports
// whether one was taken.
func (n *Node) Poll() bool {
	var fr mscan.RxFrame
	if !n.drv.Take(&fr) {
		return false
	}
	n.deliver(fr)
	return true
}

func (n *Node) deliver(fr mscan.RxFrame) {
	msg := newMessage(n.seq.Add(1), n.now(), fr)
	n.latest.Store(&msg)
	n.logger.Info("rx_frame", "seq", msg.Seq, "len", msg.Len, "data", msg.Data, "timestamp", msg.Timestamp)
	if n.rec != nil {
		if _, err := n.rec.Record(msg.At, fr); err != nil {
			n.logger.Warn("capture_failed", "error", err)
		}
	}
	n.subsMu.RLock()
	for ch := range n.subs {
		select {
		case ch <- msg:
		default:
			n.logger.Debug("subscriber_slow", "seq", msg.Seq)
		}
	}
	n.subsMu.RUnlock()
}

// Subscribe returns a channel receiving every consumed message and a cancel
// function that detaches and closes it. Slow subscribers miss messages.
func (n *Node) Subscribe(buf int) (<-chan Message, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan Message, buf)
	n.subsMu.Lock()
	n.subs[ch] = struct{}{}
	n.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.subsMu.Lock()
			delete(n.subs, ch)
			n.subsMu.Unlock()
			close(ch)
		})
	}
}

// Latest returns the most recently consumed message.
func (n *Node) Latest() (Message, bool) {
	m := n.latest.Load()
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

func (n *Node) Status() Status {
	n.subsMu.RLock()
	subs := len(n.subs)
	n.subsMu.RUnlock()
	st := Status{
		Driver:      n.drv.Stats(),
		Received:    n.seq.Load(),
		Retries:     n.retries.Load(),
		TxQueued:    n.txq.Queued(),
		Subscribers: subs,
	}
	if m, ok := n.Latest(); ok {
		st.Latest = &m
	}
	return st
}
