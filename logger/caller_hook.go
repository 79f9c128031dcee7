package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook reports the first frame outside the logging plumbing as the
// entry's caller. Metric helpers count as plumbing, so a drop metric logged
// from internal/metrics points at the connector code that dropped the record.
type callerHook struct {
	plumbing []string
}

func newCallerHook() *callerHook {
	return &callerHook{plumbing: []string{
		"github.com/sirupsen/logrus.",
		"pricefeed/logger.",
		"pricefeed/internal/metrics.",
	}}
}

func (h *callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *callerHook) Fire(entry *logrus.Entry) error {
	var pcs [32]uintptr
	frames := runtime.CallersFrames(pcs[:runtime.Callers(2, pcs[:])])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !h.isPlumbing(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func (h *callerHook) isPlumbing(fn string) bool {
	for _, prefix := range h.plumbing {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
