package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// DispatcherConfig bounds tool execution within one turn.
type DispatcherConfig struct {
	Concurrency     int           // pool floor, raised to the admitted call count
	DefaultTimeout  time.Duration // used when a tool declares none
	MaxCallsPerTurn int           // calls beyond this index fail locally
}

// DefaultDispatcherConfig mirrors the configuration defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Concurrency: 5, DefaultTimeout: 30 * time.Second, MaxCallsPerTurn: 5}
}

// Dispatcher executes tool calls concurrently and reports a terminal status for
// each one, in request order. It never fails as a whole.
type Dispatcher struct {
	tools      map[ports.ToolName]ports.Tool
	order      []ports.ToolName
	guardrails *Guardrails
	parser     *OutputParser
	cfg        DispatcherConfig
	metrics    *Metrics
	logger     zerolog.Logger
}

// NewDispatcher registers tools by their enumerated name.
func NewDispatcher(tools []ports.Tool, guardrails *Guardrails, cfg DispatcherConfig, metrics *Metrics, logger zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxCallsPerTurn <= 0 {
		cfg.MaxCallsPerTurn = 5
	}
	if guardrails == nil {
		guardrails = NewGuardrails()
	}
	d := &Dispatcher{
		tools:      make(map[ports.ToolName]ports.Tool, len(tools)),
		guardrails: guardrails,
		parser:     NewOutputParser(),
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
	for _, t := range tools {
		if _, dup := d.tools[t.Name()]; !dup {
			d.order = append(d.order, t.Name())
		}
		d.tools[t.Name()] = t
	}
	return d
}

// Specs describes the registered tools for the model.
func (d *Dispatcher) Specs() []ports.ToolSpec {
	specs := make([]ports.ToolSpec, 0, len(d.order))
	for _, name := range d.order {
		t := d.tools[name]
		specs = append(specs, ports.ToolSpec{Name: name, Description: t.Description(), JSONSchema: t.Schema()})
	}
	return specs
}

// Dispatch resolves calls. When deadline is set, calls still pending at that
// instant are marked timed_out and Dispatch returns without waiting for them.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []ports.ToolCall, deadline time.Time) []ports.ToolCall {
	resolved := make([]ports.ToolCall, len(calls))
	copy(resolved, calls)
	if len(resolved) == 0 {
		return resolved
	}

	budgetCtx, cancel := ctx, context.CancelFunc(func() {})
	if !deadline.IsZero() {
		budgetCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	var (
		mu     sync.Mutex
		closed bool
	)
	settle := func(i int, c ports.ToolCall) {
		mu.Lock()
		defer mu.Unlock()
		if closed || resolved[i].Status.Terminal() {
			return
		}
		resolved[i] = c
		d.observe(c)
	}

	p := pool.New().WithMaxGoroutines(d.poolSize(len(resolved)))
	for i := range resolved {
		call := resolved[i]
		call.Status = ports.ToolPending
		resolved[i] = call

		if i >= d.cfg.MaxCallsPerTurn {
			settle(i, failCall(call, &ToolArgumentError{Tool: call.Name, Reason: fmt.Sprintf("exceeds the limit of %d tool calls per turn", d.cfg.MaxCallsPerTurn)}, 0))
			continue
		}
		tool, prepared, err := d.prepare(call)
		if err != nil {
			// Fast local rejection, the adapter is never invoked
			settle(i, failCall(call, err, 0))
			continue
		}
		idx := i
		p.Go(func() {
			settle(idx, d.invoke(budgetCtx, tool, prepared))
		})
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-budgetCtx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	for i := range resolved {
		if !resolved[i].Status.Terminal() {
			resolved[i] = timeoutCall(resolved[i], true, 0)
			d.observe(resolved[i])
		}
	}
	out := make([]ports.ToolCall, len(resolved))
	copy(out, resolved)
	return out
}

// poolSize lets every admitted call start at once, so a hung call never
// queues a sibling behind it.
func (d *Dispatcher) poolSize(n int) int {
	admitted := min(n, d.cfg.MaxCallsPerTurn)
	return max(d.cfg.Concurrency, admitted, 1)
}

// prepare repairs and validates arguments and resolves the adapter.
func (d *Dispatcher) prepare(call ports.ToolCall) (ports.Tool, ports.ToolCall, error) {
	tool, ok := d.tools[call.Name]
	if !ok {
		reason := "tool is not configured"
		if !call.Name.Valid() {
			reason = "unknown tool"
		}
		return nil, call, &ToolArgumentError{Tool: call.Name, Reason: reason}
	}

	args, err := d.parser.RepairArguments(call.Arguments)
	if err != nil {
		return nil, call, &ToolArgumentError{Tool: call.Name, Reason: "arguments are not valid JSON", Err: err}
	}
	call.Arguments = args

	if err := d.guardrails.ValidateToolCall(call, tool.Schema()); err != nil {
		return nil, call, err
	}
	if v, ok := tool.(ports.ArgumentValidator); ok {
		if err := v.ValidateArguments(call.Arguments); err != nil {
			reason := err.Error()
			var invalid *ports.InvalidArgumentsError
			if errors.As(err, &invalid) {
				reason = invalid.Reason
			}
			return nil, call, &ToolArgumentError{Tool: call.Name, Reason: reason}
		}
	}
	return tool, call, nil
}

type invocation struct {
	value any
	err   error
}

// invoke runs one adapter under its own timeout. The select guarantees the call
// settles even if the adapter ignores cancellation.
func (d *Dispatcher) invoke(ctx context.Context, tool ports.Tool, call ports.ToolCall) ports.ToolCall {
	timeout := tool.Timeout()
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan invocation, 1)
	go func() {
		var (
			pc  panics.Catcher
			res invocation
		)
		pc.Try(func() { res.value, res.err = tool.Invoke(callCtx, call.Arguments) })
		if r := pc.Recovered(); r != nil {
			res.err = r.AsError()
		}
		ch <- res
	}()

	var res invocation
	select {
	case res = <-ch:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	elapsed := time.Since(start)

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return timeoutCall(call, ctx.Err() != nil, elapsed)
		}
		var invalid *ports.InvalidArgumentsError
		if errors.As(res.err, &invalid) {
			return failCall(call, &ToolArgumentError{Tool: call.Name, Reason: invalid.Reason}, elapsed)
		}
		return failCall(call, &ToolExecutionError{Tool: call.Name, Err: res.err}, elapsed)
	}
	if msg, bad := resultReportsError(res.value); bad {
		return failCall(call, &ToolExecutionError{Tool: call.Name, Err: errors.New(msg)}, elapsed)
	}

	payload, err := marshalResult(res.value)
	if err != nil {
		return failCall(call, &ToolExecutionError{Tool: call.Name, Err: fmt.Errorf("marshal output: %w", err)}, elapsed)
	}
	call.Status = ports.ToolSucceeded
	call.Result = payload
	call.ErrorDetail = ""
	call.ErrorCode = ""
	call.Duration = elapsed
	return call
}

func (d *Dispatcher) observe(c ports.ToolCall) {
	d.metrics.ObserveToolCall(string(c.Name), string(c.Status), c.Duration)
	event := d.logger.Debug()
	if c.Status != ports.ToolSucceeded {
		event = d.logger.Warn().Str("error", c.ErrorDetail).Str("code", c.ErrorCode)
	}
	event.Str("tool", string(c.Name)).Str("call_id", c.ID).Str("status", string(c.Status)).Dur("duration", c.Duration).Msg("tool call settled")
}

func marshalResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case json.RawMessage:
		if json.Valid(r) {
			return r, nil
		}
		return json.Marshal(string(r))
	case []byte:
		if json.Valid(r) {
			return json.RawMessage(r), nil
		}
		return json.Marshal(string(r))
	}
	return json.Marshal(v)
}

func failCall(call ports.ToolCall, err error, elapsed time.Duration) ports.ToolCall {
	call.Status = ports.ToolFailed
	call.Result = nil
	call.ErrorDetail = err.Error()
	call.ErrorCode = ErrorCode(err)
	call.Duration = elapsed
	return call
}

func timeoutCall(call ports.ToolCall, budget bool, elapsed time.Duration) ports.ToolCall {
	err := &ToolTimeoutError{Tool: call.Name, Budget: budget}
	call.Status = ports.ToolTimedOut
	call.Result = nil
	call.ErrorDetail = err.Error()
	call.ErrorCode = err.Code()
	call.Duration = elapsed
	return call
}
