package port

import (
	"context"
	"time"
)

// Event 决策 / 生命周期事件
type Event struct {
	Ts         time.Time
	Kind       string // decision / open / close / replace / exit / error
	Instrument string
	Long       string
	Short      string
	RunID      int64
	Score      string
	Payload    string
}

// EventSink 事件输出端口
type EventSink interface {
	RecordEvent(ctx context.Context, ev Event) error
}
