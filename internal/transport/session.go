package transport

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"apparatuslink/internal/protocol"
	"apparatuslink/internal/tracelog"
)

const (
	// DefaultAckTimeout bounds WaitForAck when no explicit timeout is given.
	DefaultAckTimeout = 2 * time.Second
	// DefaultMinSendInterval is the spacing the rate limiter enforces
	// between interactive sends.
	DefaultMinSendInterval = 50 * time.Millisecond
)

// Options configures a Session. Zero values select the defaults.
type Options struct {
	AckTimeout      time.Duration
	MinSendInterval time.Duration
	// Debug turns on per-message TX/RX logging.
	Debug bool
	// Trace, when non-nil, records every message in both directions.
	Trace *tracelog.Recorder
}

// Response is one timestamped data message from the apparatus. ACK and
// NACK traffic is routed to the waiter that sent the command and never
// appears here, so cursor-based consumers only ever see data.
type Response struct {
	T   float64 // seconds on the session clock at arrival
	Msg protocol.Message

	// Force holds the decoded sample when Msg is well-formed force data,
	// nil otherwise.
	Force *protocol.ForceReading
}

type ackResult struct {
	ack  bool
	code byte // NACK error code when !ack
}

// Session owns a link to the apparatus. It allocates sequence numbers,
// frames and writes commands, and runs the background reader that turns
// the raw byte stream into timestamped responses and ACK deliveries.
//
// All methods are safe for concurrent use. The reader never blocks on a
// waiter: ACK results go into buffered per-sequence channels, and data
// responses land in an append-only log consumed through ResponsesSince.
type Session struct {
	link  Link
	debug bool
	trace *tracelog.Recorder

	ackTimeout time.Duration

	mu              sync.Mutex // guards seq, lastSend, minSendInterval, pending, closed
	seq             uint32
	lastSend        time.Time
	minSendInterval time.Duration
	pending         map[uint32]chan ackResult
	closed          bool

	respMu    sync.RWMutex
	responses []Response

	clockMu sync.Mutex
	epoch   time.Time

	done chan struct{} // closed when the reader exits
}

// New wraps an open link in a session and starts its reader.
func New(link Link, opts Options) *Session {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	// zero selects the default spacing; negative disables the limiter
	if opts.MinSendInterval == 0 {
		opts.MinSendInterval = DefaultMinSendInterval
	}
	s := &Session{
		link:            link,
		debug:           opts.Debug,
		trace:           opts.Trace,
		ackTimeout:      opts.AckTimeout,
		minSendInterval: opts.MinSendInterval,
		pending:         make(map[uint32]chan ackResult),
		epoch:           time.Now(),
		done:            make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Open opens the serial port and starts a session on it.
func Open(portPath string, baudRate int, opts Options) (*Session, error) {
	link, err := OpenSerial(portPath, baudRate)
	if err != nil {
		return nil, err
	}
	return New(link, opts), nil
}

// Close shuts the link down, stops the reader and releases any blocked
// ACK waiters.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.link.Close()
	<-s.done
	return err
}

// Send frames and writes one command, returning the allocated sequence
// number. Commands always originate from the host address with the
// ack-required flag set. Send never blocks on the response; pair it with
// WaitForAck, or use SendAndWait.
func (s *Session) Send(msgType byte, payload []byte, dst byte) (uint32, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	seq := s.nextSeqLocked()
	ch := make(chan ackResult, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	msg := protocol.Message{
		Type:    msgType,
		Seq:     seq,
		Src:     protocol.AddrHost,
		Dst:     dst,
		Flags:   protocol.FlagAckRequired,
		Payload: payload,
	}
	data, err := msg.Encode()
	if err != nil {
		s.dropPending(seq)
		return 0, fmt.Errorf("transport: encode %s: %w", protocol.TypeName(msgType), err)
	}

	if s.debug {
		log.Printf("[session] tx %s seq=%d dst=%d payload=% X",
			protocol.TypeName(msgType), seq, dst, payload)
	}
	s.trace.RecordTX(s.Now(), msg)

	if _, err := s.link.Write(protocol.EncodeFrame(data)); err != nil {
		s.dropPending(seq)
		return 0, fmt.Errorf("transport: write %s: %w", protocol.TypeName(msgType), err)
	}

	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return seq, nil
}

// WaitForAck blocks until the response for seq arrives or the timeout
// expires. A non-positive timeout selects the session default. Returns
// nil on ACK, an ErrNack-wrapping error carrying the decoded code on
// NACK, and ErrAckTimeout otherwise.
func (s *Session) WaitForAck(seq uint32, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.ackTimeout
	}

	s.mu.Lock()
	ch, ok := s.pending[seq]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no command outstanding for seq %d", seq)
	}
	defer s.dropPending(seq)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.ack {
			return nil
		}
		log.Printf("[session] seq %d rejected: %s", seq, protocol.NackName(res.code))
		return fmt.Errorf("transport: %w: %s", ErrNack, protocol.NackName(res.code))
	case <-timer.C:
		log.Printf("[session] seq %d: no ACK within %v", seq, timeout)
		return fmt.Errorf("transport: %w for seq %d after %v", ErrAckTimeout, seq, timeout)
	case <-s.done:
		return ErrClosed
	}
}

// SendAndWait sends one command and waits for its ACK with the session's
// default timeout.
func (s *Session) SendAndWait(msgType byte, payload []byte, dst byte) error {
	seq, err := s.Send(msgType, payload, dst)
	if err != nil {
		return err
	}
	return s.WaitForAck(seq, 0)
}

// RateLimited reports whether an interactive send right now would violate
// the minimum send interval. Callers that care skip the send entirely;
// nothing is queued.
func (s *Session) RateLimited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minSendInterval <= 0 || s.lastSend.IsZero() {
		return false
	}
	return time.Since(s.lastSend) < s.minSendInterval
}

// RateLimitInterval returns the minimum interactive send spacing.
func (s *Session) RateLimitInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minSendInterval
}

// SetRateLimitInterval adjusts the spacing. Zero or negative disables
// rate limiting.
func (s *Session) SetRateLimitInterval(d time.Duration) {
	s.mu.Lock()
	s.minSendInterval = d
	s.mu.Unlock()
}

// ResponseCount returns how many data responses have arrived since the
// last clear.
func (s *Session) ResponseCount() int {
	s.respMu.RLock()
	defer s.respMu.RUnlock()
	return len(s.responses)
}

// ResponsesSince returns a snapshot of the responses recorded after the
// given cursor, in arrival order. Timestamps are non-decreasing.
func (s *Session) ResponsesSince(cursor int) []Response {
	s.respMu.RLock()
	defer s.respMu.RUnlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(s.responses) {
		return nil
	}
	out := make([]Response, len(s.responses)-cursor)
	copy(out, s.responses[cursor:])
	return out
}

// Responses returns a snapshot of every response since the last clear.
func (s *Session) Responses() []Response { return s.ResponsesSince(0) }

// LatestResponse returns the most recent response, if any.
func (s *Session) LatestResponse() (Response, bool) {
	s.respMu.RLock()
	defer s.respMu.RUnlock()
	if len(s.responses) == 0 {
		return Response{}, false
	}
	return s.responses[len(s.responses)-1], true
}

// ClearResponses drops all recorded responses. Cursors held by callers
// should be re-read afterwards.
func (s *Session) ClearResponses() {
	s.respMu.Lock()
	s.responses = nil
	s.respMu.Unlock()
}

// Now returns seconds elapsed on the session clock.
func (s *Session) Now() float64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return time.Since(s.epoch).Seconds()
}

// ResetClock restarts the session clock at zero. Earlier responses keep
// their old timestamps.
func (s *Session) ResetClock() {
	s.clockMu.Lock()
	s.epoch = time.Now()
	s.clockMu.Unlock()
}

func (s *Session) nextSeqLocked() uint32 {
	seq := s.seq + 1
	if seq == 0 { // wrapped past 0xFFFFFFFF; zero is reserved
		seq = 1
	}
	s.seq = seq
	return seq
}

func (s *Session) dropPending(seq uint32) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	defer close(s.done)

	var deframer protocol.Deframer
	buf := make([]byte, 4096)
	for {
		n, err := s.link.Read(buf)
		if n > 0 {
			for _, frame := range deframer.Push(buf[:n]) {
				s.handleFrame(frame)
			}
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && err != io.EOF {
				log.Printf("[session] read error: %v", err)
			}
			return
		}
	}
}

func (s *Session) handleFrame(frame []byte) {
	data := protocol.DecodeFrame(frame)
	if len(data) < protocol.HeaderSize {
		log.Printf("[session] dropping runt frame (%d bytes)", len(data))
		return
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		log.Printf("[session] dropping frame: %v", err)
		return
	}

	t := s.Now()
	if s.debug {
		log.Printf("[session] rx %s seq=%d src=%d payload=% X",
			protocol.TypeName(msg.Type), msg.Seq, msg.Src, msg.Payload)
	}
	s.trace.RecordRX(t, msg)

	switch msg.Type {
	case protocol.MsgAck, protocol.MsgNack:
		s.deliverAck(msg)
	default:
		s.appendResponse(t, msg)
	}
}

func (s *Session) deliverAck(msg protocol.Message) {
	res := ackResult{ack: msg.Type == protocol.MsgAck}
	if !res.ack && len(msg.Payload) > 0 {
		res.code = msg.Payload[0]
	}

	s.mu.Lock()
	ch, ok := s.pending[msg.Seq]
	s.mu.Unlock()
	if !ok {
		log.Printf("[session] unmatched %s for seq %d", protocol.TypeName(msg.Type), msg.Seq)
		return
	}
	select {
	case ch <- res:
	default:
		// duplicate response for the same seq; the first one won
	}
}

func (s *Session) appendResponse(t float64, msg protocol.Message) {
	r := Response{T: t, Msg: msg}
	if msg.Type == protocol.DataForce {
		if fr, err := protocol.ParseForceData(msg.Payload); err == nil {
			r.Force = &fr
		}
	}
	s.respMu.Lock()
	s.responses = append(s.responses, r)
	s.respMu.Unlock()
}
