package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

// ANSI color codes
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiDim    = "\033[2m"
)

// Colorize applies ANSI color to a string
func Colorize(s, color string) string {
	return color + s + ansiReset
}

// Renderer 终端状态面板：每个币种一行各交易所的 EMA 费率，以及最优候选与持仓
type Renderer struct {
	threshold decimal.Decimal
	color     bool
}

func NewRenderer(threshold decimal.Decimal, color bool) *Renderer {
	return &Renderer{threshold: threshold, color: color}
}

func (r *Renderer) paint(s, color string) string {
	if !r.color {
		return s
	}
	return Colorize(s, color)
}

// Render 输出完整面板
func (r *Renderer) Render(w io.Writer, instruments, venues []string, table domainservice.RateTable, best model.Selection, runs []*model.ArbRun) error {
	var sb strings.Builder

	sb.WriteString(r.paint("[FUNDARB] ", ansiDim))
	sb.WriteString(fmt.Sprintf("threshold=%s\n", r.threshold))

	for _, inst := range instruments {
		sb.WriteString(fmt.Sprintf("%-6s", inst))
		for _, v := range venues {
			sb.WriteString(r.paint("  |  ", ansiDim))
			est := table.Get(v, inst)
			if !est.HasData() {
				sb.WriteString(v + ":--")
				continue
			}
			col := ansiYellow
			switch est.Rate.Sign() {
			case 1:
				col = ansiGreen
			case -1:
				col = ansiRed
			}
			sb.WriteString(r.paint(fmt.Sprintf("%s:%s", v, est.Rate.StringFixed(6)), col))
		}
		sb.WriteString("\n")
	}

	switch c := best.(type) {
	case model.Candidate:
		col := ansiYellow
		if c.Score.GreaterThan(r.threshold) {
			col = ansiGreen
		}
		sb.WriteString("best   ")
		sb.WriteString(r.paint(fmt.Sprintf("%s score=%s", c.Pair, c.Score.StringFixed(6)), col))
		sb.WriteString("\n")
	default:
		sb.WriteString("best   --\n")
	}

	if len(runs) == 0 {
		sb.WriteString("held   --\n")
	}
	for _, run := range runs {
		score := domainservice.Score(table, run.Pair())
		col := ansiGreen
		if !score.IsPositive() {
			col = ansiRed
		}
		line := fmt.Sprintf("held   #%d %s entry=%s now=%s size=%s", run.ID, run.Pair(),
			run.EntryScore.StringFixed(6), score.StringFixed(6), run.Size.StringFixed(2))
		if run.UnfavorableSince != nil {
			line += " unfavorable_since=" + run.UnfavorableSince.UTC().Format("2006-01-02 15:04:05")
		}
		sb.WriteString(r.paint(line, col))
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
