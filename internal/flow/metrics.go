package flow

// Metrics receives counters ProcessCompletedRequests and Runner update as
// they run. internal/observability provides the production implementation
// (prometheus counters); tests use noopMetrics.
type Metrics interface {
	IncResponseOutOfOrder()
	IncFlowErrors()
	IncRetransmission()
}

type noopMetrics struct{}

func (noopMetrics) IncResponseOutOfOrder() {}
func (noopMetrics) IncFlowErrors()         {}
func (noopMetrics) IncRetransmission()     {}
