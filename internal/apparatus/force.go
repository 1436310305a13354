package apparatus

import (
	"fmt"
	"log"
	"sync"

	"apparatuslink/internal/protocol"
)

// ForceSeries is a snapshot of one dynamometer channel.
type ForceSeries struct {
	Values     []float64
	Timestamps []float64
	Current    float64
	Max        float64
}

// ForceRecorder runs force measurements: it starts and stops streaming
// on the apparatus and folds incoming samples into per-device series.
type ForceRecorder struct {
	mu        sync.Mutex
	sess      commandSession
	measuring bool
	cursor    int

	times []float64
	white forceChannel
	blue  forceChannel
}

type forceChannel struct {
	values  []float64
	stamps  []float64
	current float64
	max     float64
}

// Start clears previous results and asks the apparatus to stream force
// samples at rateHz from the selected device(s). A running measurement
// is restarted.
func (r *ForceRecorder) Start(rateHz float64, dev protocol.ForceDevice) error {
	payload, err := protocol.EncodeForceStart(rateHz, dev)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return ErrNotConnected
	}
	r.resetLocked()
	r.sess.ClearResponses()
	r.cursor = r.sess.ResponseCount()
	if err := r.sess.SendAndWait(protocol.CmdForceStart, payload, protocol.AddrServer); err != nil {
		return fmt.Errorf("apparatus: force start: %w", err)
	}
	r.measuring = true
	log.Printf("[apparatus] force measurement started (%g Hz, %s)", rateHz, dev)
	return nil
}

// Update folds any newly arrived samples into the series. Safe to call
// at any rate; with no new responses it changes nothing.
func (r *ForceRecorder) Update() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateLocked()
}

// Stop drains pending samples and asks the apparatus to stop streaming.
// The recorder leaves the measuring state even when the stop command
// itself fails.
func (r *ForceRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return ErrNotConnected
	}
	if !r.measuring {
		return nil
	}
	r.updateLocked()
	r.measuring = false
	if err := r.sess.SendAndWait(protocol.CmdForceStop, nil, protocol.AddrServer); err != nil {
		return fmt.Errorf("apparatus: force stop: %w", err)
	}
	log.Printf("[apparatus] force measurement stopped (%d samples)", len(r.times))
	return nil
}

// Measuring reports whether a measurement is running.
func (r *ForceRecorder) Measuring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.measuring
}

// White returns a copy of the white channel series.
func (r *ForceRecorder) White() ForceSeries {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.white.snapshot()
}

// Blue returns a copy of the blue channel series.
func (r *ForceRecorder) Blue() ForceSeries {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blue.snapshot()
}

// Times returns the arrival times of all samples, both channels
// combined.
func (r *ForceRecorder) Times() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.times...)
}

// SampleCount returns the total number of samples across both channels.
func (r *ForceRecorder) SampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.times)
}

func (r *ForceRecorder) bind(sess commandSession) {
	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()
}

func (r *ForceRecorder) resetLocked() {
	r.cursor = 0
	r.times = nil
	r.white = forceChannel{}
	r.blue = forceChannel{}
}

func (r *ForceRecorder) updateLocked() {
	if r.sess == nil || !r.measuring {
		return
	}
	for _, resp := range r.sess.ResponsesSince(r.cursor) {
		r.cursor++
		if resp.Force == nil {
			continue
		}
		var ch *forceChannel
		switch resp.Force.Device {
		case protocol.DeviceWhite:
			ch = &r.white
		case protocol.DeviceBlue:
			ch = &r.blue
		default:
			continue
		}
		v := float64(resp.Force.Value)
		r.times = append(r.times, resp.T)
		ch.values = append(ch.values, v)
		ch.stamps = append(ch.stamps, resp.T)
		ch.current = v
		if v > ch.max {
			ch.max = v
		}
	}
}

func (c *forceChannel) snapshot() ForceSeries {
	return ForceSeries{
		Values:     append([]float64(nil), c.values...),
		Timestamps: append([]float64(nil), c.stamps...),
		Current:    c.current,
		Max:        c.max,
	}
}
