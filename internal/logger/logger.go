package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/envnode/internal/delivery"
)

// Logger records every delivery attempt and device reset to CSV files with
// automatic rotation. It implements delivery.Observer.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int

	file   *os.File
	writer *csv.Writer
	rows   int
	part   int

	// Last known session figures, stamped on every row.
	state    delivery.State
	failures int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 100_000 // Rotate after 100k rows (~11 days at 10 s)
)

var csvHeader = []string{
	"timestamp", "event", "kind", "seq", "outcome", "failures", "state", "detail",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/envnode"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: cfg.MaxRows,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *Logger) StateChanged(s delivery.State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Logger) Failures(n int) {
	l.mu.Lock()
	l.failures = n
	l.mu.Unlock()
}

func (l *Logger) Sent(string, uint32)  {}
func (l *Logger) Ack(delivery.Verdict) {}

// Completed writes one row per finished attempt.
func (l *Logger) Completed(kind string, seq uint32, o delivery.Outcome) {
	l.record("attempt", kind, strconv.FormatUint(uint64(seq), 10), o.String(), "")
}

// Reset writes a row for a device reset.
func (l *Logger) Reset(reason string) {
	l.record("reset", "", "", "", reason)
}

func (l *Logger) record(event, kind, seq, outcome, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		event,
		kind,
		seq,
		outcome,
		strconv.Itoa(l.failures),
		l.state.String(),
		detail,
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.part++
	filename := fmt.Sprintf("delivery_%s_%03d.csv", now.Format("2006-01-02_150405"), l.part)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
