// Package outputplugin implements the output plugin host of spec.md §4.5:
// after a state method returns, every declared plugin gets a chance to
// process the batch of replies it just sent, with failures isolated per
// plugin rather than failing the flow. Grounded on the teacher's
// recover()-wrapped dispatch goroutine in
// control_plane/scheduler/scheduler.go's processNextTask, generalized
// from "don't crash the worker on a reconcile panic" to "don't fail the
// flow on a plugin panic or error".
package outputplugin

import (
	"context"
	"fmt"

	"github.com/glassCodeBender/grr/internal/flow"
	"go.uber.org/zap"
)

// Plugin processes one flow's batch of reply payloads. Concrete plugin
// bodies (CSV export, BigQuery sink, etc.) are out of this substrate's
// scope per spec.md §1 — the host only owns the dispatch and
// bookkeeping around whatever implementation is supplied.
type Plugin interface {
	ProcessResponses(ctx context.Context, batch [][]byte) error
	Flush(ctx context.Context) error
}

// Factory instantiates the plugin named by descriptor, carrying whatever
// per-flow configuration the host's caller baked into it (spec.md §4.5:
// "instantiates the plugin with its per-flow state").
type Factory func(descriptor string) (Plugin, error)

// Descriptor names one plugin a flow has declared.
type Descriptor string

// Metrics is the subset of observability counters the host updates on a
// per-plugin failure.
type Metrics interface {
	IncOutputPluginFailure(descriptor string)
}

type noopMetrics struct{}

func (noopMetrics) IncOutputPluginFailure(string) {}

// Host fans a batch of replies out to every declared plugin, satisfying
// flow.PluginHost.
type Host struct {
	descriptors []Descriptor
	newPlugin   Factory
	metrics     Metrics
	log         *zap.SugaredLogger
}

// NewHost returns a Host that dispatches to descriptors via newPlugin.
func NewHost(descriptors []Descriptor, newPlugin Factory) *Host {
	return &Host{descriptors: descriptors, newPlugin: newPlugin, metrics: noopMetrics{}}
}

// SetMetrics installs the counters the host increments on plugin failure.
// A nil metrics leaves the host's no-op default in place.
func (h *Host) SetMetrics(metrics Metrics) {
	if metrics != nil {
		h.metrics = metrics
	}
}

// SetLogger installs the logger the host warns through on plugin failure.
// A nil logger leaves failures unlogged, matching the host's other nil-safe
// collaborators.
func (h *Host) SetLogger(log *zap.SugaredLogger) {
	h.log = log
}

// Run implements flow.PluginHost. It never returns a non-nil error for a
// plugin's own failure — those are isolated into fc.OutputPluginsStates
// per spec.md §4.5 — only for a condition that makes dispatch itself
// impossible (there is currently none, but the signature is kept so a
// future systemic failure has somewhere to surface).
func (h *Host) Run(ctx context.Context, fc *flow.FlowContext, replies [][]byte) error {
	if len(replies) == 0 {
		return nil
	}
	for _, d := range h.descriptors {
		h.runOne(ctx, fc, d, replies)
	}
	return nil
}

func (h *Host) runOne(ctx context.Context, fc *flow.FlowContext, d Descriptor, batch [][]byte) {
	state := stateFor(fc, d)

	if err := h.dispatch(ctx, d, batch); err != nil {
		state.Errors = append(state.Errors, err.Error())
		h.metrics.IncOutputPluginFailure(string(d))
		if h.log != nil {
			h.log.Warnw("output plugin failed", "session_id", fc.SessionID, "descriptor", string(d), "error", err)
		}
		return
	}
	state.Logs = append(state.Logs, fmt.Sprintf("processed %d replies", len(batch)))
}

// dispatch instantiates and runs one plugin, converting a panic into an
// error exactly like the teacher's reconcile goroutine converts one into
// a log line rather than letting it propagate.
func (h *Host) dispatch(ctx context.Context, d Descriptor, batch [][]byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("output plugin %q panicked: %v", d, p)
		}
	}()

	plugin, ferr := h.newPlugin(string(d))
	if ferr != nil {
		return fmt.Errorf("output plugin %q: instantiate: %w", d, ferr)
	}
	if perr := plugin.ProcessResponses(ctx, batch); perr != nil {
		return fmt.Errorf("output plugin %q: process: %w", d, perr)
	}
	if ferr := plugin.Flush(ctx); ferr != nil {
		return fmt.Errorf("output plugin %q: flush: %w", d, ferr)
	}
	return nil
}

// stateFor returns fc's existing OutputPluginState for d, appending a
// fresh one if this is the plugin's first batch this flow.
func stateFor(fc *flow.FlowContext, d Descriptor) *flow.OutputPluginState {
	for i := range fc.OutputPluginsStates {
		if fc.OutputPluginsStates[i].Descriptor == string(d) {
			return &fc.OutputPluginsStates[i]
		}
	}
	fc.OutputPluginsStates = append(fc.OutputPluginsStates, flow.OutputPluginState{Descriptor: string(d)})
	return &fc.OutputPluginsStates[len(fc.OutputPluginsStates)-1]
}
