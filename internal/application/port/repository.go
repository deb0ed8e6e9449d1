package port

import (
	"context"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/domain/service"
)

// PositionStore 持仓与套利记录的持久化
type PositionStore interface {
	// Arb runs
	GetOpenRuns(ctx context.Context) ([]*model.ArbRun, error)
	GetRun(ctx context.Context, id int64) (*model.ArbRun, error)
	LatestOpenRun(ctx context.Context) (*model.ArbRun, error)
	CreateArbRun(ctx context.Context, run *model.ArbRun) error
	CloseArbRun(ctx context.Context, id int64, closedAt time.Time) error
	UpdateUnfavorableSince(ctx context.Context, id int64, since *time.Time) error

	// Positions
	CreatePosition(ctx context.Context, pos *model.Position) error
	GetPosition(ctx context.Context, id int64) (*model.Position, error)
	ClosePosition(ctx context.Context, id int64, closedAt time.Time) error

	// InTx 在同一个逻辑单元内执行多次写入，fn 返回错误时整体回滚
	InTx(ctx context.Context, fn func(tx PositionStore) error) error
}

// RateSource 资金费率样本来源，FetchRecent 返回最近 window 内的样本，按时间升序
type RateSource = service.RateSource
