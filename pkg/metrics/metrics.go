package metrics

import "github.com/tilezen/quadcat/pkg/state"

type MetricsWriter interface {
	WriteRequestState(*state.RequestState)
}

type NilMetricsWriter struct{}

func (_ *NilMetricsWriter) WriteRequestState(reqState *state.RequestState) {}

// MultiMetricsWriter hands every request state to each writer in turn.
type MultiMetricsWriter []MetricsWriter

func (mmw MultiMetricsWriter) WriteRequestState(reqState *state.RequestState) {
	for _, mw := range mmw {
		mw.WriteRequestState(reqState)
	}
}
