// Package metrics records automation decisions as time series.
package metrics

import (
	"time"
)

// Decision is one evaluation outcome worth plotting
type Decision struct {
	Automation string
	Type       string
	Entity     string
	Fields     map[string]interface{}
	Time       time.Time
}

// Recorder receives decisions. Implementations must not block.
type Recorder interface {
	RecordDecision(d Decision)
	Close() error
}

// NopRecorder discards everything
type NopRecorder struct{}

func (NopRecorder) RecordDecision(Decision) {}

func (NopRecorder) Close() error { return nil }

// MemoryRecorder keeps decisions in memory; used in tests
type MemoryRecorder struct {
	decisions chan Decision
}

// NewMemoryRecorder buffers up to size decisions, dropping the rest
func NewMemoryRecorder(size int) *MemoryRecorder {
	return &MemoryRecorder{decisions: make(chan Decision, size)}
}

func (m *MemoryRecorder) RecordDecision(d Decision) {
	select {
	case m.decisions <- d:
	default:
	}
}

func (m *MemoryRecorder) Close() error { return nil }

// Drain returns everything recorded so far
func (m *MemoryRecorder) Drain() []Decision {
	var out []Decision
	for {
		select {
		case d := <-m.decisions:
			out = append(out, d)
		default:
			return out
		}
	}
}
