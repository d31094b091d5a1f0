// Package journal keeps a local JSONL record of every flushed session,
// whether or not the remote send succeeded.
package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/sink"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultBufferSize = 256
	DefaultMaxSizeMB  = 10
	fileName          = "sessions.jsonl"
)

var (
	ErrClosed     = errors.New("journal: writer is closed")
	ErrBufferFull = errors.New("journal: buffer full")
)

// Entry is one journal line.
type Entry struct {
	LoggedAt string             `json:"logged_at"`
	Reason   string             `json:"reason"`
	Sent     bool               `json:"sent"`
	Error    string             `json:"error,omitempty"`
	Record   sink.SessionRecord `json:"record"`
}

// Writer appends entries asynchronously to <dir>/<date>/sessions.jsonl.
type Writer struct {
	baseDir   string
	maxSizeMB int
	writeCh   chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewWriter starts a writer rooted at baseDir.
func NewWriter(baseDir string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	w := &Writer{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Entry, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues an entry. It never blocks; a full buffer drops the entry.
func (w *Writer) Write(e Entry) error {
	if e.LoggedAt == "" {
		e.LoggedAt = sink.FormatTime(time.Now())
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- e:
		return nil
	case <-w.done:
		return ErrClosed
	default:
		slog.Warn("journal buffer full, dropping entry", "session_id", e.Record.SessionID)
		return ErrBufferFull
	}
}

// Close stops the writer after flushing queued entries.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	// Drain what the loop left behind.
	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-timeout:
			slog.Warn("journal close timeout, some entries may be lost")
			break drain
		default:
			break drain
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-w.done:
			return
		}
	}
}

func (w *Writer) writeEntry(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("journal marshal failed", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if date != w.currentDate || w.logger == nil {
		if !w.rotateForDate(date) {
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err)
	}
}

func (w *Writer) rotateForDate(date string) bool {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}
	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("journal create dir failed", "error", err, "dir", dir)
		return false
	}
	filename := filepath.Join(dir, fileName)
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("journal file opened", "file", filename)
	return true
}
