package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced Counter
	OrdersFailed Counter
	PairsOpened  Counter
	PairsRotated Counter
	RiskCloses   Counter
	CycleErrors  Counter
	StatsErrors  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced: n,
		OrdersFailed: n,
		PairsOpened:  n,
		PairsRotated: n,
		RiskCloses:   n,
		CycleErrors:  n,
		StatsErrors:  n,
	}
}
