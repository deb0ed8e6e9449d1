package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientBalance 计算出的开仓规模 <= 0
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoOpenRun 没有可平的套利
	ErrNoOpenRun = errors.New("no open arb run")
	// ErrRunNotOpen 套利已经关闭
	ErrRunNotOpen = errors.New("arb run is not open")
	// ErrRunAlreadyOpen 该币种已有未平仓套利
	ErrRunAlreadyOpen = errors.New("arb run already open for instrument")
	// ErrUnknownVenue 未配置的交易所
	ErrUnknownVenue = errors.New("unknown venue")
)

// LegError 某一条腿的交易所调用失败
type LegError struct {
	Leg        Side
	Venue      string
	Instrument string
	Op         string // open / close / balance / list_positions
	Err        error
}

func (e *LegError) Error() string {
	// 对账等按交易所整体调用时没有腿方向
	if e.Leg == "" {
		return fmt.Sprintf("%s on %s failed: %v", e.Op, e.Venue, e.Err)
	}
	return fmt.Sprintf("%s leg %s on %s (%s) failed: %v", strings.ToLower(string(e.Leg)), e.Op, e.Venue, e.Instrument, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// PartialExposureError 一条腿成功另一条失败，需要人工处理
type PartialExposureError struct {
	RunID      int64
	Instrument string
	// OpenLegs 仍在交易所上未对冲的腿
	OpenLegs []Side
	Err      error
}

func (e *PartialExposureError) Error() string {
	legs := make([]string, 0, len(e.OpenLegs))
	for _, l := range e.OpenLegs {
		legs = append(legs, strings.ToLower(string(l)))
	}
	return fmt.Sprintf("partial exposure on %s run=%d open_legs=[%s]: %v", e.Instrument, e.RunID, strings.Join(legs, ","), e.Err)
}

func (e *PartialExposureError) Unwrap() error { return e.Err }

// PersistenceError 交易所动作已完成但写库失败
type PersistenceError struct {
	Op         string
	Instrument string
	RunID      int64
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for %s (run=%d) failed: %v", e.Op, e.Instrument, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
