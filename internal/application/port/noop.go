package port

import "context"

// NoopEventSink 丢弃所有事件
type NoopEventSink struct{}

func (NoopEventSink) RecordEvent(context.Context, Event) error { return nil }

var _ EventSink = NoopEventSink{}
