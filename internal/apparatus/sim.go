package apparatus

import (
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"apparatuslink/internal/protocol"
)

// SimulatedLink emulates both apparatus nodes behind an in-process pipe.
// Well-formed commands are acknowledged, malformed ones rejected, and
// the start commands stream plausible data until the matching stop, so
// demo mode and tests exercise the full session path.
type SimulatedLink struct {
	rd *io.PipeReader
	wr *io.PipeWriter

	mu       sync.Mutex
	deframer protocol.Deframer
	closed   bool
	rng      *rand.Rand

	forceStop chan struct{}
	reedStop  chan struct{}
	reedMask  uint32
	reedState uint32

	start time.Time
}

// NewSimulatedLink returns a link with nothing streaming yet.
func NewSimulatedLink() *SimulatedLink {
	rd, wr := io.Pipe()
	return &SimulatedLink{
		rd:    rd,
		wr:    wr,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		start: time.Now(),
	}
}

func (l *SimulatedLink) Read(p []byte) (int, error) {
	return l.rd.Read(p)
}

// Write consumes host frames and reacts like the firmware would.
func (l *SimulatedLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	frames := l.deframer.Push(p)
	l.mu.Unlock()
	for _, frame := range frames {
		l.handleFrame(frame)
	}
	return len(p), nil
}

// Close stops the emitters and closes both pipe ends.
func (l *SimulatedLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.stopForce()
	l.stopReed()
	l.wr.Close()
	return l.rd.Close()
}

func (l *SimulatedLink) handleFrame(frame []byte) {
	msg, err := protocol.ParseMessage(protocol.DecodeFrame(frame))
	if err != nil {
		// real firmware stays silent on garbage it cannot attribute
		return
	}
	switch msg.Type {
	case protocol.CmdForceStart:
		l.handleForceStart(msg)
	case protocol.CmdForceStop:
		l.stopForce()
		l.reply(msg, protocol.MsgAck, nil)
	case protocol.CmdReedStart:
		l.handleReedStart(msg)
	case protocol.CmdReedStop:
		l.stopReed()
		l.reply(msg, protocol.MsgAck, nil)
	case protocol.CmdLedSetN:
		// smallest valid payload: count plus one hole and one color
		if len(msg.Payload) < 5 {
			l.reply(msg, protocol.MsgNack, []byte{protocol.NackBadPayload})
			return
		}
		l.reply(msg, protocol.MsgAck, nil)
	case protocol.CmdLedShow, protocol.CmdHoleStart, protocol.CmdHoleStop:
		l.reply(msg, protocol.MsgAck, nil)
	default:
		l.reply(msg, protocol.MsgNack, []byte{protocol.NackBadMessage})
	}
}

func (l *SimulatedLink) handleForceStart(cmd protocol.Message) {
	if len(cmd.Payload) != 5 {
		l.reply(cmd, protocol.MsgNack, []byte{protocol.NackBadLength})
		return
	}
	period := time.Duration(binary.LittleEndian.Uint32(cmd.Payload[0:4])) * time.Microsecond
	dev := protocol.ForceDevice(cmd.Payload[4])
	if dev > protocol.DeviceBoth {
		l.reply(cmd, protocol.MsgNack, []byte{protocol.NackBadPayload})
		return
	}
	if period < time.Millisecond {
		period = time.Millisecond
	}

	l.mu.Lock()
	if l.forceStop != nil {
		close(l.forceStop)
	}
	stop := make(chan struct{})
	l.forceStop = stop
	l.mu.Unlock()

	l.reply(cmd, protocol.MsgAck, nil)
	go l.streamForce(period, dev, stop)
}

func (l *SimulatedLink) handleReedStart(cmd protocol.Message) {
	if len(cmd.Payload) != 8 {
		l.reply(cmd, protocol.MsgNack, []byte{protocol.NackBadLength})
		return
	}
	mask := binary.LittleEndian.Uint32(cmd.Payload[4:8])

	l.mu.Lock()
	if l.reedStop != nil {
		close(l.reedStop)
	}
	stop := make(chan struct{})
	l.reedStop = stop
	l.reedMask = mask
	l.reedState = 0
	l.mu.Unlock()

	l.reply(cmd, protocol.MsgAck, nil)
	go l.streamReed(stop)
}

func (l *SimulatedLink) stopForce() {
	l.mu.Lock()
	if l.forceStop != nil {
		close(l.forceStop)
		l.forceStop = nil
	}
	l.mu.Unlock()
}

func (l *SimulatedLink) stopReed() {
	l.mu.Lock()
	if l.reedStop != nil {
		close(l.reedStop)
		l.reedStop = nil
	}
	l.mu.Unlock()
}

// streamForce emits a slow sine with noise on the selected device(s),
// one sample per period each.
func (l *SimulatedLink) streamForce(period time.Duration, dev protocol.ForceDevice, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if dev == protocol.DeviceWhite || dev == protocol.DeviceBoth {
				l.emitForce(protocol.DeviceWhite)
			}
			if dev == protocol.DeviceBlue || dev == protocol.DeviceBoth {
				l.emitForce(protocol.DeviceBlue)
			}
		}
	}
}

func (l *SimulatedLink) emitForce(dev protocol.ForceDevice) {
	us := uint32(time.Since(l.start).Microseconds())
	phase := float64(us) / 1e6
	if dev == protocol.DeviceBlue {
		phase += 0.5
	}
	l.mu.Lock()
	noise := l.rng.Float64()*40 - 20
	l.mu.Unlock()
	value := int16(800 + 600*math.Sin(2*math.Pi*0.3*phase) + noise)

	payload := make([]byte, 7)
	binary.LittleEndian.PutUint32(payload[0:4], us)
	binary.LittleEndian.PutUint16(payload[4:6], uint16(value))
	payload[6] = byte(dev)
	l.emit(protocol.Message{
		Type:    protocol.DataForce,
		Src:     protocol.AddrServer,
		Dst:     protocol.AddrHost,
		Payload: payload,
	})
}

// streamReed flips a random monitored hole every few hundred
// milliseconds and emits the full state snapshot, the way the firmware
// reports on change.
func (l *SimulatedLink) streamReed(stop chan struct{}) {
	for {
		l.mu.Lock()
		delay := time.Duration(200+l.rng.Intn(400)) * time.Millisecond
		l.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		l.mu.Lock()
		mask := l.reedMask
		if mask == 0 {
			l.mu.Unlock()
			continue
		}
		var monitored []int
		for i := 0; i < 32; i++ {
			if mask&(1<<uint(i)) != 0 {
				monitored = append(monitored, i)
			}
		}
		hole := monitored[l.rng.Intn(len(monitored))]
		l.reedState ^= 1 << uint(hole)
		state := l.reedState
		l.mu.Unlock()

		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, state)
		l.emit(protocol.Message{
			Type:    protocol.DataReed,
			Src:     protocol.AddrClient,
			Dst:     protocol.AddrHost,
			Payload: payload,
		})
	}
}

// reply answers a host command from the node it addressed.
func (l *SimulatedLink) reply(cmd protocol.Message, msgType byte, payload []byte) {
	src := protocol.AddrClient
	if cmd.Dst == protocol.AddrServer {
		src = protocol.AddrServer
	}
	l.emit(protocol.Message{
		Type:    msgType,
		Seq:     cmd.Seq,
		Src:     src,
		Dst:     protocol.AddrHost,
		Payload: payload,
	})
}

func (l *SimulatedLink) emit(m protocol.Message) {
	data, err := m.Encode()
	if err != nil {
		return
	}
	// blocks until the host session reads; returns an error once the
	// pipe is closed, which the emitters treat as shutdown
	l.wr.Write(protocol.EncodeFrame(data))
}
