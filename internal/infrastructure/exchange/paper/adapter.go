package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

var (
	// MinOrderUSD 最小下单金额
	MinOrderUSD = decimal.NewFromInt(1)

	ErrBelowMinSize    = errors.New("paper: minimum position size is $1")
	ErrInvalidLeverage = errors.New("paper: leverage must be >= 1")
)

// Adapter 纸面交易所：内存持仓，固定标记价格，可注入失败
type Adapter struct {
	name      string
	markPrice decimal.Decimal

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string][]model.PositionSnapshot
	leverage  map[string]int
	orders    int
	calls     []string

	openErr    error
	closeErr   error
	balanceErr error
	listErr    error
}

func New(name string, balance, markPrice decimal.Decimal) *Adapter {
	if !markPrice.IsPositive() {
		markPrice = decimal.NewFromInt(10)
	}
	return &Adapter{
		name:      name,
		markPrice: markPrice,
		balance:   balance,
		positions: make(map[string][]model.PositionSnapshot),
		leverage:  make(map[string]int),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) GetBalance(_ context.Context) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "balance")
	if a.balanceErr != nil {
		return decimal.Zero, a.balanceErr
	}
	return a.balance, nil
}

func (a *Adapter) ListPositions(_ context.Context, instrument string) ([]model.PositionSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	if instrument != "" {
		return append([]model.PositionSnapshot(nil), a.positions[instrument]...), nil
	}
	var out []model.PositionSnapshot
	for _, ps := range a.positions {
		out = append(out, ps...)
	}
	return out, nil
}

func (a *Adapter) OpenPosition(_ context.Context, req port.OpenOrder) (*model.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "open:"+string(req.Side))

	if a.openErr != nil {
		return nil, a.openErr
	}
	if req.SizeUSD.LessThan(MinOrderUSD) {
		return nil, ErrBelowMinSize
	}
	if req.Leverage < 1 {
		return nil, ErrInvalidLeverage
	}
	a.leverage[req.Instrument] = req.Leverage

	a.orders++
	orderID := fmt.Sprintf("%s-%d", a.name, a.orders)
	filled := req.SizeUSD.Div(a.markPrice).Round(4)
	a.positions[req.Instrument] = append(a.positions[req.Instrument], model.PositionSnapshot{
		Instrument: req.Instrument,
		Side:       req.Side,
		Size:       filled,
		EntryPrice: a.markPrice,
		OrderID:    orderID,
	})
	return &model.OrderResult{OrderID: orderID, FilledSize: filled, EntryPrice: a.markPrice}, nil
}

func (a *Adapter) ClosePosition(_ context.Context, instrument string, _ decimal.Decimal) (*model.CloseResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "close")

	if a.closeErr != nil {
		return nil, a.closeErr
	}
	filled := decimal.Zero
	for _, p := range a.positions[instrument] {
		filled = filled.Add(p.Size)
	}
	delete(a.positions, instrument)
	return &model.CloseResult{FilledSize: filled, RealizedPnL: decimal.Zero, Price: a.markPrice}, nil
}

// ========== 测试 / dry-run 辅助 ==========

// FailOpen 之后所有开仓返回 err（nil 取消）
func (a *Adapter) FailOpen(err error) {
	a.mu.Lock()
	a.openErr = err
	a.mu.Unlock()
}

// FailClose 之后所有平仓返回 err（nil 取消）
func (a *Adapter) FailClose(err error) {
	a.mu.Lock()
	a.closeErr = err
	a.mu.Unlock()
}

// FailBalance 之后余额查询返回 err（nil 取消）
func (a *Adapter) FailBalance(err error) {
	a.mu.Lock()
	a.balanceErr = err
	a.mu.Unlock()
}

// FailList 之后持仓查询返回 err（nil 取消）
func (a *Adapter) FailList(err error) {
	a.mu.Lock()
	a.listErr = err
	a.mu.Unlock()
}

// SetBalance 修改可用余额
func (a *Adapter) SetBalance(b decimal.Decimal) {
	a.mu.Lock()
	a.balance = b
	a.mu.Unlock()
}

// Calls 返回调用记录
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// Leverage 最近一次开仓使用的杠杆
func (a *Adapter) Leverage(instrument string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leverage[instrument]
}

var _ port.DexAdapter = (*Adapter)(nil)
