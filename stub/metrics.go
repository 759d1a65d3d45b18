package stub

// CounterVec counts events by label values.
type CounterVec interface {
	IncLabels(labels ...string)
}

// CounterVecIgnore is the default CounterVec, discarding events.
type CounterVecIgnore struct{}

func (CounterVecIgnore) IncLabels(labels ...string) {}

// HistogramVec records durations or sizes by label values.
type HistogramVec interface {
	ObserveLabels(v float64, labels ...string)
}

type HistogramVecIgnore struct{}

func (HistogramVecIgnore) ObserveLabels(v float64, labels ...string) {}
