package composite

import (
	"context"

	"fundarb/internal/application/port"
)

// Repo 把事件写到多个 sink，单个失败不影响其余
type Repo struct {
	sinks []port.EventSink
}

func New(sinks ...port.EventSink) *Repo {
	// nil sinks are allowed; filter in constructor for safety
	out := make([]port.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Repo{sinks: out}
}

func (r *Repo) Len() int { return len(r.sinks) }

// RecordEvent 写入全部 sink，返回第一个错误
func (r *Repo) RecordEvent(ctx context.Context, ev port.Event) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.RecordEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.EventSink = (*Repo)(nil)
