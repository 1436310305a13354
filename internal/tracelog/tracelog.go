// Package tracelog records protocol traffic to rotating CSV files. It is
// a diagnostic aid for protocol work, not a results log.
package tracelog

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"apparatuslink/internal/protocol"
)

// Recorder writes one CSV row per protocol message crossing the link,
// in either direction. A nil Recorder is valid and records nothing.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds trace recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const maxRowsPerFile = 200_000 // rotate before trace files get unwieldy

var csvHeader = []string{
	"session_time", "dir", "type", "type_name", "seq",
	"src", "dst", "flags", "payload_len", "payload_hex",
}

// New creates a Recorder.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/apparatuslink"
	}
	return &Recorder{dir: cfg.Path, enabled: cfg.Enabled}
}

// RecordTX records one host-to-apparatus message.
func (r *Recorder) RecordTX(t float64, msg protocol.Message) { r.record(t, "tx", msg) }

// RecordRX records one apparatus-to-host message.
func (r *Recorder) RecordRX(t float64, msg protocol.Message) { r.record(t, "rx", msg) }

func (r *Recorder) record(t float64, dir string, msg protocol.Message) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(); err != nil {
			log.Printf("[trace] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		fmt.Sprintf("%.6f", t),
		dir,
		fmt.Sprintf("0x%02X", msg.Type),
		protocol.TypeName(msg.Type),
		fmt.Sprintf("%d", msg.Seq),
		fmt.Sprintf("%d", msg.Src),
		fmt.Sprintf("%d", msg.Dst),
		fmt.Sprintf("0x%02X", msg.Flags),
		fmt.Sprintf("%d", len(msg.Payload)),
		fmt.Sprintf("% X", msg.Payload),
	}
	if err := r.writer.Write(row); err != nil {
		log.Printf("[trace] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// SetEnabled toggles tracing at runtime. Disabling closes the current file.
func (r *Recorder) SetEnabled(on bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled reports whether tracing is active.
func (r *Recorder) IsEnabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Close flushes and closes the current trace file.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile() error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("trace_%s.csv", time.Now().Format("2006-01-02_150405"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[trace] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
