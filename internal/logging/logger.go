// Package logging writes the process's structured JSON log file. Stdout
// belongs to run output, so nothing here writes to it.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	filePrefix = "agentvisor-"
	fileSuffix = ".log"

	// DefaultRetain is how many log files are kept after a new one opens.
	DefaultRetain = 20
)

// Option configures New.
type Option func(*settings)

type settings struct {
	dir    string
	level  log.Level
	runID  string
	retain int
	now    func() time.Time
}

// WithDir writes the log file under dir instead of ~/.agentvisor/logs.
func WithDir(dir string) Option {
	return func(s *settings) {
		s.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level. Unknown names keep info.
func WithLevel(level string) Option {
	return func(s *settings) {
		if parsed, err := log.ParseLevel(strings.TrimSpace(level)); err == nil {
			s.level = parsed
		}
	}
}

// WithRunID stamps run_id on every record and puts it in the file name.
func WithRunID(runID string) Option {
	return func(s *settings) {
		s.runID = strings.TrimSpace(runID)
	}
}

// WithRetain keeps the newest n log files and deletes older ones. Zero or
// less disables pruning.
func WithRetain(n int) Option {
	return func(s *settings) {
		s.retain = n
	}
}

// RuntimeLogger owns the log file and the correlation fields stamped on
// each record.
type RuntimeLogger struct {
	// Logger is replaced whenever correlation fields change.
	Logger *log.Logger

	mu      sync.Mutex
	base    *log.Logger
	file    *os.File
	path    string
	runID   string
	traceID string
	spanID  string
}

// New opens a fresh log file, prunes old ones, and returns a JSON logger on
// it.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	s := settings{level: log.InfoLevel, retain: DefaultRetain, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	dir := s.dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".agentvisor", "logs")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := filePrefix + s.now().UTC().Format("20060102-150405")
	if s.runID != "" {
		name += "-" + s.runID
	}
	path := filepath.Join(dir, name+fileSuffix)
	// #nosec G304 -- path is built from the log directory and a timestamp.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	base := log.NewWithOptions(file, log.Options{
		Level:           s.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.JSONFormatter,
	})
	r := &RuntimeLogger{base: base, file: file, path: path, runID: s.runID}
	r.refresh()

	if removed, err := prune(dir, path, s.retain); err != nil {
		r.Logger.Warn("prune old logs", "error", err)
	} else if removed > 0 {
		r.Logger.Debug("pruned old logs", "removed", removed)
	}
	r.Logger.Info("logger initialized", "log_file", path)

	_ = ctx
	return r, nil
}

// WithRunID sets run_id on subsequent records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.runID = strings.TrimSpace(runID)
	r.mu.Unlock()
	r.refresh()
	return r
}

// WithTraceID sets trace_id on subsequent records.
func (r *RuntimeLogger) WithTraceID(traceID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.traceID = strings.TrimSpace(traceID)
	r.mu.Unlock()
	r.refresh()
	return r
}

// WithSpanContext sets trace_id and span_id from sc. Invalid contexts clear
// both.
func (r *RuntimeLogger) WithSpanContext(sc trace.SpanContext) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.traceID, r.spanID = "", ""
	if sc.IsValid() {
		r.traceID, r.spanID = sc.TraceID().String(), sc.SpanID().String()
	}
	r.mu.Unlock()
	r.refresh()
	return r
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) refresh() {
	if r.base == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fields := []any{"run_id", r.runID}
	if r.traceID != "" {
		fields = append(fields, "trace_id", r.traceID)
	}
	if r.spanID != "" {
		fields = append(fields, "span_id", r.spanID)
	}
	r.Logger = r.base.With(fields...)
}

// prune deletes all but the newest keep log files in dir, never touching
// current.
func prune(dir, current string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	var files []logFile
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(dir, name)
		if path == current {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: path, modTime: info.ModTime()})
	}
	if len(files) < keep {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	removed := 0
	for _, file := range files[keep-1:] {
		if err := os.Remove(file.path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
