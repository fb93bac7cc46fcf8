// Package progress defines the narrow reporting contract the download
// and streaming clients publish through. Rendering (bars, spinners) is
// a caller concern; the pipeline ships a log-backed sink.
package progress

import (
	"log/slog"
	"sync/atomic"
)

// Indeterminate marks a task whose total is unknown (e.g. the provider
// omitted Content-Length). Sinks should degrade to activity-only
// reporting instead of failing.
const Indeterminate int64 = -1

type Sink interface {
	// StartTask opens a new task. total may be Indeterminate.
	StartTask(description string, total int64) Task
}

type Task interface {
	// Advance adds n units of completed work.
	Advance(n int64)
	// Set replaces the completed amount (used for fractional poll
	// progress reported by the provider).
	Set(completed float64)
	Done()
}

type nopSink struct{}
type nopTask struct{}

func (nopSink) StartTask(string, int64) Task { return nopTask{} }
func (nopTask) Advance(int64)                {}
func (nopTask) Set(float64)                  {}
func (nopTask) Done()                        {}

// Nop returns a sink that discards all reports.
func Nop() Sink { return nopSink{} }

// LogSink reports task lifecycle and milestones through slog. Advance
// calls are aggregated and only logged every logEvery units to keep
// chunked downloads from flooding the log.
type LogSink struct {
	Logger   *slog.Logger
	LogEvery int64
}

func NewLogSink(logger *slog.Logger, logEvery int64) *LogSink {
	if logEvery <= 0 {
		logEvery = 1 << 20
	}
	return &LogSink{Logger: logger, LogEvery: logEvery}
}

func (s *LogSink) StartTask(description string, total int64) Task {
	s.Logger.Debug("task start", "task", description, "total", total)
	return &logTask{sink: s, desc: description, total: total}
}

type logTask struct {
	sink      *LogSink
	desc      string
	total     int64
	completed atomic.Int64
	lastMark  atomic.Int64
}

func (t *logTask) Advance(n int64) {
	done := t.completed.Add(n)
	mark := t.lastMark.Load()
	if done-mark >= t.sink.LogEvery {
		if t.lastMark.CompareAndSwap(mark, done) {
			t.sink.Logger.Debug("task progress", "task", t.desc, "completed", done, "total", t.total)
		}
	}
}

func (t *logTask) Set(completed float64) {
	t.completed.Store(int64(completed))
	t.sink.Logger.Debug("task progress", "task", t.desc, "completed", completed, "total", t.total)
}

func (t *logTask) Done() {
	t.sink.Logger.Debug("task done", "task", t.desc, "completed", t.completed.Load())
}
