package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundarb/internal/application/port"
)

// Repo 决策事件发布到 Redis：Stream 留存 + PubSub 实时推送
type Repo struct {
	rdb         redis.UniversalClient
	prefix      string
	maxLen      int64
	eventStream string
	eventChan   string
}

type eventMessage struct {
	TsMs       int64  `json:"ts_ms"`
	Kind       string `json:"kind"`
	Instrument string `json:"instrument,omitempty"`
	Long       string `json:"long,omitempty"`
	Short      string `json:"short,omitempty"`
	RunID      int64  `json:"run_id,omitempty"`
	Score      string `json:"score,omitempty"`
	Payload    string `json:"payload"`
}

// New maxLen <= 0 时不裁剪 stream
func New(rdb redis.UniversalClient, prefix string, maxLen int64, eventStream, eventChan string) *Repo {
	if strings.TrimSpace(eventStream) == "" {
		eventStream = prefix + ":events"
	}
	if strings.TrimSpace(eventChan) == "" {
		eventChan = prefix + ":events:pub"
	}
	return &Repo{
		rdb:         rdb,
		prefix:      prefix,
		maxLen:      maxLen,
		eventStream: eventStream,
		eventChan:   eventChan,
	}
}

func (r *Repo) Stream() string  { return r.eventStream }
func (r *Repo) Channel() string { return r.eventChan }

func (r *Repo) RecordEvent(ctx context.Context, ev port.Event) error {
	ts := ev.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := eventMessage{
		TsMs:       ts.UnixMilli(),
		Kind:       ev.Kind,
		Instrument: ev.Instrument,
		Long:       ev.Long,
		Short:      ev.Short,
		RunID:      ev.RunID,
		Score:      ev.Score,
		Payload:    ev.Payload,
	}

	// 1) Stream: XADD <stream> * ts_ms kind ...
	args := &redis.XAddArgs{
		Stream: r.eventStream,
		Values: map[string]any{
			"ts_ms":      msg.TsMs,
			"kind":       msg.Kind,
			"instrument": msg.Instrument,
			"long":       msg.Long,
			"short":      msg.Short,
			"run_id":     msg.RunID,
			"score":      msg.Score,
			"payload":    msg.Payload,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.eventChan, string(b)).Err()
}

var _ port.EventSink = (*Repo)(nil)
