package port

import (
	"context"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// DexAdapter 单个交易所的交易能力
type DexAdapter interface {
	Name() string
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	ListPositions(ctx context.Context, instrument string) ([]model.PositionSnapshot, error)
	OpenPosition(ctx context.Context, req OpenOrder) (*model.OrderResult, error)
	ClosePosition(ctx context.Context, instrument string, slippage decimal.Decimal) (*model.CloseResult, error)
}

// OpenOrder 开仓请求
type OpenOrder struct {
	Instrument string
	Side       model.Side
	SizeUSD    decimal.Decimal
	Leverage   int
	Slippage   decimal.Decimal
}
