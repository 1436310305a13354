package apparatus

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"apparatuslink/internal/protocol"
)

// ReedAction distinguishes the two edge directions of a reed switch.
type ReedAction int

const (
	ReedRemove ReedAction = 0
	ReedInsert ReedAction = 1
)

func (a ReedAction) String() string {
	if a == ReedInsert {
		return "insert"
	}
	return "remove"
}

// ReedEvent is one insertion or removal edge on a monitored hole,
// stamped with the session clock.
type ReedEvent struct {
	T      float64    `json:"t"`
	Hole   int        `json:"hole"`
	Action ReedAction `json:"action"`
}

// HoleSummary aggregates one hole's activity over a measurement.
type HoleSummary struct {
	Hole       int     `json:"hole"`
	Insertions int     `json:"insertions"`
	Removals   int     `json:"removals"`
	Duration   float64 `json:"duration"`
}

// ReedRecorder runs reed measurements: it starts and stops state
// streaming on the apparatus and turns state snapshots into edge events
// and per-hole summaries. Only monitored holes produce events.
type ReedRecorder struct {
	mu        sync.Mutex
	sess      commandSession
	measuring bool
	cursor    int

	monitored []int
	state     [NumHoles]bool
	openStart [NumHoles]float64
	hasOpen   [NumHoles]bool

	insertions [NumHoles]int
	removals   [NumHoles]int
	duration   [NumHoles]float64

	events  []ReedEvent
	summary []HoleSummary
}

// Start clears previous results and asks the apparatus to stream reed
// states at rateHz for the given holes.
func (r *ReedRecorder) Start(rateHz float64, spec HoleSpec) error {
	holes, err := spec.Resolve()
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeReedStart(rateHz, holes)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return ErrNotConnected
	}
	r.resetLocked(holes)
	r.sess.ClearResponses()
	r.cursor = r.sess.ResponseCount()
	if err := r.sess.SendAndWait(protocol.CmdReedStart, payload, protocol.AddrClient); err != nil {
		return fmt.Errorf("apparatus: reed start: %w", err)
	}
	r.measuring = true
	log.Printf("[apparatus] reed measurement started (%g Hz, %d holes)", rateHz, len(r.monitored))
	return nil
}

// Update folds any newly arrived state snapshots into the event list.
func (r *ReedRecorder) Update() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateLocked()
}

// Stop drains pending snapshots, closes intervals still open at the
// current session time, builds the summary and asks the apparatus to
// stop streaming. The recorder leaves the measuring state even when the
// stop command itself fails.
func (r *ReedRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return ErrNotConnected
	}
	if !r.measuring {
		return nil
	}
	r.updateLocked()

	stopT := r.sess.Now()
	for _, hole := range r.monitored {
		if r.hasOpen[hole] {
			r.duration[hole] += stopT - r.openStart[hole]
			r.hasOpen[hole] = false
		}
	}
	r.summary = nil
	for _, hole := range r.monitored {
		if r.insertions[hole] == 0 && r.removals[hole] == 0 {
			continue
		}
		r.summary = append(r.summary, HoleSummary{
			Hole:       hole,
			Insertions: r.insertions[hole],
			Removals:   r.removals[hole],
			Duration:   r.duration[hole],
		})
	}
	r.measuring = false
	if err := r.sess.SendAndWait(protocol.CmdReedStop, nil, protocol.AddrClient); err != nil {
		return fmt.Errorf("apparatus: reed stop: %w", err)
	}
	log.Printf("[apparatus] reed measurement stopped (%d events)", len(r.events))
	return nil
}

// Measuring reports whether a measurement is running.
func (r *ReedRecorder) Measuring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.measuring
}

// Events returns a copy of the recorded edge events, oldest first.
func (r *ReedRecorder) Events() []ReedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReedEvent(nil), r.events...)
}

// EventCount returns the number of recorded edge events.
func (r *ReedRecorder) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Summary returns the per-hole aggregation built by Stop, sorted by hole
// index. Holes with no activity are omitted.
func (r *ReedRecorder) Summary() []HoleSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HoleSummary(nil), r.summary...)
}

// States returns the last known insertion state of every hole.
func (r *ReedRecorder) States() [NumHoles]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *ReedRecorder) bind(sess commandSession) {
	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()
}

// resetLocked installs the monitored set (sorted, de-duplicated) and
// clears all per-hole accounting.
func (r *ReedRecorder) resetLocked(holes []int) {
	sorted := append([]int(nil), holes...)
	sort.Ints(sorted)
	r.monitored = sorted[:0]
	prev := -1
	for _, h := range sorted {
		if h != prev {
			r.monitored = append(r.monitored, h)
			prev = h
		}
	}
	r.cursor = 0
	r.state = [NumHoles]bool{}
	r.openStart = [NumHoles]float64{}
	r.hasOpen = [NumHoles]bool{}
	r.insertions = [NumHoles]int{}
	r.removals = [NumHoles]int{}
	r.duration = [NumHoles]float64{}
	r.events = nil
	r.summary = nil
}

func (r *ReedRecorder) updateLocked() {
	if r.sess == nil || !r.measuring {
		return
	}
	for _, resp := range r.sess.ResponsesSince(r.cursor) {
		r.cursor++
		if resp.Msg.Type != protocol.DataReed {
			continue
		}
		states, err := protocol.ParseReedData(resp.Msg.Payload)
		if err != nil {
			continue
		}
		for _, hole := range r.monitored {
			inserted := states.Inserted(hole)
			if inserted == r.state[hole] {
				continue
			}
			if inserted {
				r.insertions[hole]++
				r.openStart[hole] = resp.T
				r.hasOpen[hole] = true
				r.events = append(r.events, ReedEvent{T: resp.T, Hole: hole, Action: ReedInsert})
			} else {
				r.removals[hole]++
				if r.hasOpen[hole] {
					r.duration[hole] += resp.T - r.openStart[hole]
					r.hasOpen[hole] = false
				}
				r.events = append(r.events, ReedEvent{T: resp.T, Hole: hole, Action: ReedRemove})
			}
			r.state[hole] = inserted
		}
	}
}
