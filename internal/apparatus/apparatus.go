// Package apparatus is the host-side driver for the hole board: LED
// control, the force and reed measurement engines and connection
// management over a serial or simulated link.
package apparatus

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"apparatuslink/internal/protocol"
	"apparatuslink/internal/tracelog"
	"apparatuslink/internal/transport"
)

// ErrNotConnected is returned by operations that need a link before
// Connect has succeeded.
var ErrNotConnected = errors.New("apparatus: not connected")

// Config holds connection configuration for the apparatus.
type Config struct {
	// Type selects the link: "serial" (default) or "demo" for the
	// built-in simulator.
	Type string `yaml:"type" json:"type"`
	Port string `yaml:"port" json:"port"`
	Baud int    `yaml:"baud" json:"baud"`
	// AckTimeoutMs bounds the wait for a command acknowledgement.
	AckTimeoutMs int `yaml:"ack_timeout_ms" json:"ackTimeoutMs"`
	// RateLimitMs is the minimum spacing enforced between rate-limited
	// LED updates. Zero keeps the default, negative disables.
	RateLimitMs int  `yaml:"rate_limit_ms" json:"rateLimitMs"`
	Debug       bool `yaml:"debug" json:"debug"`

	Trace *tracelog.Recorder `yaml:"-" json:"-"`
}

// Apparatus is the host-side facade over one apparatus link. All methods
// are safe for concurrent use.
type Apparatus struct {
	cfg Config

	mu   sync.RWMutex
	sess *transport.Session

	force *ForceRecorder
	reed  *ReedRecorder
}

// commandSession is the slice of the transport session the measurement
// engines use. Satisfied by *transport.Session.
type commandSession interface {
	SendAndWait(msgType byte, payload []byte, dst byte) error
	ClearResponses()
	ResponseCount() int
	ResponsesSince(cursor int) []transport.Response
	Now() float64
}

// New prepares an apparatus from cfg. Nothing is opened until Connect.
func New(cfg Config) *Apparatus {
	if cfg.Type == "" {
		cfg.Type = "serial"
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	return &Apparatus{
		cfg:   cfg,
		force: &ForceRecorder{},
		reed:  &ReedRecorder{},
	}
}

// Connect opens the configured link and starts the session. Calling it
// on a connected apparatus is a no-op.
func (a *Apparatus) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return nil
	}

	var link transport.Link
	switch a.cfg.Type {
	case "demo":
		link = NewSimulatedLink()
		log.Printf("[apparatus] using simulated apparatus")
	default:
		var err error
		link, err = transport.OpenSerial(a.cfg.Port, a.cfg.Baud)
		if err != nil {
			return err
		}
		log.Printf("[apparatus] opened %s at %d baud", a.cfg.Port, a.cfg.Baud)
	}

	opts := transport.Options{
		AckTimeout: time.Duration(a.cfg.AckTimeoutMs) * time.Millisecond,
		Debug:      a.cfg.Debug,
		Trace:      a.cfg.Trace,
	}
	switch {
	case a.cfg.RateLimitMs > 0:
		opts.MinSendInterval = time.Duration(a.cfg.RateLimitMs) * time.Millisecond
	case a.cfg.RateLimitMs < 0:
		opts.MinSendInterval = -1
	}

	a.sess = transport.New(link, opts)
	a.force.bind(a.sess)
	a.reed.bind(a.sess)
	return nil
}

// Close tears the session down. Safe to call repeatedly.
func (a *Apparatus) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	a.force.bind(nil)
	a.reed.bind(nil)
	return err
}

// Connected reports whether a link is up.
func (a *Apparatus) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sess != nil
}

// Port returns the configured serial port path.
func (a *Apparatus) Port() string { return a.cfg.Port }

// Force returns the force measurement engine.
func (a *Apparatus) Force() *ForceRecorder { return a.force }

// Reed returns the reed measurement engine.
func (a *Apparatus) Reed() *ReedRecorder { return a.reed }

// ==================== LED control ====================

// SetLedColors writes colors to holes, picking the shared-color or
// per-hole wire format automatically, and optionally latches them with
// an LED-show. The short gap before the show lets the strip driver
// finish the write.
func (a *Apparatus) SetLedColors(holes []int, colors []protocol.Color, show bool) error {
	if len(holes) == 0 {
		return nil
	}
	payload, err := protocol.EncodeLEDPayload(holes, colors)
	if err != nil {
		return err
	}
	sess, err := a.session()
	if err != nil {
		return err
	}
	if err := sess.SendAndWait(protocol.CmdLedSetN, payload, protocol.AddrClient); err != nil {
		return fmt.Errorf("apparatus: led set: %w", err)
	}
	if !show {
		return nil
	}
	time.Sleep(10 * time.Millisecond)
	return a.ShowLeds()
}

// ShowLeds latches previously written colors onto the strip.
func (a *Apparatus) ShowLeds() error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	if err := sess.SendAndWait(protocol.CmdLedShow, nil, protocol.AddrClient); err != nil {
		return fmt.Errorf("apparatus: led show: %w", err)
	}
	return nil
}

// ClearLeds turns every hole's LED off.
func (a *Apparatus) ClearLeds() error {
	return a.SetLedColors(holeRange(0, NumHoles), []protocol.Color{{}}, true)
}

// SetHoleLights lights a set of holes in one shared color. With
// rateLimited set the call is skipped (transport.ErrRateLimited) when it
// comes too soon after the previous send.
func (a *Apparatus) SetHoleLights(spec HoleSpec, c protocol.Color, rateLimited bool) error {
	if err := a.checkRate(rateLimited); err != nil {
		return err
	}
	holes, err := spec.Resolve()
	if err != nil {
		return err
	}
	return a.SetLedColors(holes, []protocol.Color{c}, true)
}

// SetColors lights holes with individual colors, keyed by hole index.
func (a *Apparatus) SetColors(colors map[int]protocol.Color, rateLimited bool) error {
	if len(colors) == 0 {
		return nil
	}
	if err := a.checkRate(rateLimited); err != nil {
		return err
	}
	holes := make([]int, 0, len(colors))
	for h := range colors {
		if h < 0 || h >= NumHoles {
			return fmt.Errorf("apparatus: hole index %d out of range 0-%d", h, NumHoles-1)
		}
		holes = append(holes, h)
	}
	sort.Ints(holes)
	list := make([]protocol.Color, len(holes))
	for i, h := range holes {
		list[i] = colors[h]
	}
	return a.SetLedColors(holes, list, true)
}

// TurnOffHoleLights blacks out a set of holes.
func (a *Apparatus) TurnOffHoleLights(spec HoleSpec, rateLimited bool) error {
	return a.SetHoleLights(spec, protocol.Color{}, rateLimited)
}

// TurnOffAllLights blacks out the whole board.
func (a *Apparatus) TurnOffAllLights(rateLimited bool) error {
	if err := a.checkRate(rateLimited); err != nil {
		return err
	}
	return a.ClearLeds()
}

// ==================== response management ====================

// Responses returns a snapshot of all logged data responses.
func (a *Apparatus) Responses() []transport.Response {
	sess, err := a.session()
	if err != nil {
		return nil
	}
	return sess.Responses()
}

// ResponseCount returns the number of logged data responses.
func (a *Apparatus) ResponseCount() int {
	sess, err := a.session()
	if err != nil {
		return 0
	}
	return sess.ResponseCount()
}

// LatestResponse returns the most recent data response, if any.
func (a *Apparatus) LatestResponse() (transport.Response, bool) {
	sess, err := a.session()
	if err != nil {
		return transport.Response{}, false
	}
	return sess.LatestResponse()
}

// ClearResponses empties the response log.
func (a *Apparatus) ClearResponses() {
	if sess, err := a.session(); err == nil {
		sess.ClearResponses()
	}
}

// ResetClock restarts the session clock that stamps responses.
func (a *Apparatus) ResetClock() {
	if sess, err := a.session(); err == nil {
		sess.ResetClock()
	}
}

func (a *Apparatus) checkRate(rateLimited bool) error {
	if !rateLimited {
		return nil
	}
	sess, err := a.session()
	if err != nil {
		return err
	}
	if sess.RateLimited() {
		return transport.ErrRateLimited
	}
	return nil
}

func (a *Apparatus) session() (*transport.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sess == nil {
		return nil, ErrNotConnected
	}
	return a.sess, nil
}
