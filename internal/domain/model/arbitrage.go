package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Status 持仓 / 套利状态
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// ========== Persistent Models ==========

// Position 单腿持仓
type Position struct {
	ID              int64           `json:"id"`
	Venue           string          `json:"venue"`
	Instrument      string          `json:"instrument"`
	Side            Side            `json:"side"`
	Size            decimal.Decimal `json:"size"` // USD 名义价值
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Leverage        int             `json:"leverage"`
	Collateral      decimal.Decimal `json:"collateral"`
	VenuePositionID string          `json:"venue_position_id"` // 交易所返回的订单/持仓ID
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ArbRun 一次配对套利（一条多头腿 + 一条空头腿）
type ArbRun struct {
	ID               int64           `json:"id"`
	LongPositionID   int64           `json:"long_position_id"`
	ShortPositionID  int64           `json:"short_position_id"`
	Instrument       string          `json:"instrument"`
	LongVenue        string          `json:"long_venue"`
	ShortVenue       string          `json:"short_venue"`
	EntryScore       decimal.Decimal `json:"entry_score"` // 开仓时的得分，符号用于判断方向反转
	Size             decimal.Decimal `json:"size"`
	Status           Status          `json:"status"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	UnfavorableSince *time.Time      `json:"unfavorable_since,omitempty"`
}

// Pair 返回该套利对应的交易对
func (r *ArbRun) Pair() Pair {
	return Pair{Instrument: r.Instrument, Long: r.LongVenue, Short: r.ShortVenue}
}

// RateSample 资金费率样本
type RateSample struct {
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"ts"`
	Rate       decimal.Decimal `json:"rate"`
}

// ========== Decision Models ==========

// Pair (instrument, long venue, short venue) 三元组
type Pair struct {
	Instrument string `json:"instrument"`
	Long       string `json:"long"`
	Short      string `json:"short"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Instrument, p.Long, p.Short)
}

// SameVenues 两个交易对是否使用同一组交易所（不区分多空方向）
func (p Pair) SameVenues(o Pair) bool {
	if p.Instrument != o.Instrument {
		return false
	}
	return (p.Long == o.Long && p.Short == o.Short) || (p.Long == o.Short && p.Short == o.Long)
}

// Selection 选优结果：NoCandidate 或 Candidate
type Selection interface {
	isSelection()
}

// NoCandidate 没有任何可评分的候选
type NoCandidate struct{}

// Candidate 候选交易对及得分
type Candidate struct {
	Pair
	Score decimal.Decimal `json:"score"`
}

func (NoCandidate) isSelection() {}
func (Candidate) isSelection()   {}

// Action 决策动作
type Action string

const (
	ActionHoldCash Action = "hold-cash"
	ActionOpen     Action = "open"
	ActionHold     Action = "hold"
	ActionReplace  Action = "replace"
	ActionExit     Action = "exit"
)

// Decision 单次决策结果
type Decision struct {
	Action    Action
	Selection Selection
	HeldScore decimal.Decimal
	Threshold decimal.Decimal
	Reason    string
}

// Best 返回决策中的候选（如果有）
func (d Decision) Best() (Candidate, bool) {
	c, ok := d.Selection.(Candidate)
	return c, ok
}

// ========== Venue Models ==========

// OrderResult 开仓回执
type OrderResult struct {
	OrderID    string
	FilledSize decimal.Decimal
	EntryPrice decimal.Decimal
}

// CloseResult 平仓回执
type CloseResult struct {
	FilledSize  decimal.Decimal
	RealizedPnL decimal.Decimal
	Price       decimal.Decimal
}

// PositionSnapshot 交易所侧的持仓快照
type PositionSnapshot struct {
	Instrument string
	Side       Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	OrderID    string
}
