// Package deliverylog is the append-only sink of per-device delivery
// records. It is distinct from the process log: every successful per-device
// send appends exactly one line of the form
//
//	2025-01-02 15:04:05 | INFO | Data sent | device_id=VM-A | object=GPS.LAT | value=37.5665
//
// Records are buffered and flushed in batches, so an unclean shutdown loses
// at most one batch. The file is rotated by size with a bounded number of
// backups; rotation happens on the writer goroutine and never blocks the
// pipeline.
package deliverylog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	// flushBatch is the record count which forces a flush.
	flushBatch = 100
	// flushInterval bounds how long a record may sit buffered.
	flushInterval = time.Second
	// queueDepth is the enqueue buffer between the pipeline and the writer.
	queueDepth = 256

	timestampLayout = "2006-01-02 15:04:05"
)

// Record is one successful per-device delivery.
type Record struct {
	TraceID  string
	DeviceID string
	Object   string
	Value    interface{}
	At       time.Time
}

// Config configures the sink file and rotation.
type Config struct {
	// Path of the log file. Empty writes to stderr without rotation.
	Path string
	// MaxSizeMB rotates the file when it exceeds this size.
	MaxSizeMB int
	// MaxBackups bounds the retained rotated files.
	MaxBackups int
	// UTC renders record timestamps in UTC rather than local time.
	UTC bool
}

// Logger buffers and writes delivery records.
type Logger struct {
	records chan Record
	done    chan struct{}
	sink    io.WriteCloser
	utc     bool
	once    sync.Once
}

// New builds a Logger. The caller must run its writer loop via Run.
func New(cfg Config) *Logger {
	var sink io.WriteCloser = nopCloser{os.Stderr}
	if cfg.Path != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return newWithSink(sink, cfg.UTC)
}

func newWithSink(sink io.WriteCloser, utc bool) *Logger {
	return &Logger{
		records: make(chan Record, queueDepth),
		done:    make(chan struct{}),
		sink:    sink,
		utc:     utc,
	}
}

// Append enqueues a record. It blocks when the writer is behind, preserving
// record order, and drops the record only after Close.
func (l *Logger) Append(r Record) {
	select {
	case l.records <- r:
	case <-l.done:
	}
}

// Run writes records until Close, flushing every flushBatch records or
// flushInterval, whichever comes first.
func (l *Logger) Run() error {
	var ticker = time.NewTicker(flushInterval)
	defer ticker.Stop()

	var buf bytes.Buffer
	var pending int

	var flush = func() {
		if pending == 0 {
			return
		}
		if _, err := l.sink.Write(buf.Bytes()); err != nil {
			log.WithFields(log.Fields{"err": err, "records": pending}).
				Error("delivery log write failed")
		}
		buf.Reset()
		pending = 0
	}

	for {
		select {
		case r := <-l.records:
			l.format(&buf, r)
			if pending++; pending >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever was enqueued before Close, then flush once.
			for {
				select {
				case r := <-l.records:
					l.format(&buf, r)
					pending++
				default:
					flush()
					return l.sink.Close()
				}
			}
		}
	}
}

// Close stops the writer after a final flush. It is idempotent.
func (l *Logger) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Logger) format(w *bytes.Buffer, r Record) {
	var at = r.At
	if l.utc {
		at = at.UTC()
	}
	fmt.Fprintf(w, "%s | INFO | Data sent | device_id=%s | object=%s | value=%v\n",
		at.Format(timestampLayout), r.DeviceID, r.Object, r.Value)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
