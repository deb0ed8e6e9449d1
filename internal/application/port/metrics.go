package port

// Metrics 运行指标
type Metrics interface {
	TickCompleted(outcome string)
	DecisionMade(action string)
	LockBusy(scope string)
	LegFailed(op, leg string)
	PartialExposure()
	PersistenceFailed()
	OpenRuns(n int)
}

// NoopMetrics 不记录任何指标
type NoopMetrics struct{}

func (NoopMetrics) TickCompleted(string)     {}
func (NoopMetrics) DecisionMade(string)      {}
func (NoopMetrics) LockBusy(string)          {}
func (NoopMetrics) LegFailed(string, string) {}
func (NoopMetrics) PartialExposure()         {}
func (NoopMetrics) PersistenceFailed()       {}
func (NoopMetrics) OpenRuns(int)             {}

var _ Metrics = NoopMetrics{}
