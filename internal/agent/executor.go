package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/tools"
	"github.com/quillhq/quill/pkg/models"
)

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel tool executions. Default: 5.
	MaxConcurrency int

	// Timeout bounds a single tool execution. Default: 120s.
	Timeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 5,
		Timeout:        120 * time.Second,
	}
}

// Executor runs tool call batches in parallel with a concurrency cap,
// per-call timeouts and panic recovery. Results always come back in the
// order of the input batch regardless of completion order.
type Executor struct {
	registry *tools.Registry
	config   *ExecutorConfig
	sem      chan struct{}
	metrics  *observability.Metrics
}

// NewExecutor creates an executor over the given registry. metrics may be
// nil.
func NewExecutor(registry *tools.Registry, config *ExecutorConfig, metrics *observability.Metrics) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
		metrics:  metrics,
	}
}

// ExecutionResult holds the outcome of a single tool execution.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *tools.Result
	Error      error
	Duration   time.Duration
}

// ExecuteAll runs the batch in parallel. results[i] always corresponds to
// calls[i].
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs a single tool call, acquiring a semaphore slot for
// backpressure before execution.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Error = NewToolError(call.Function.Name, ctx.Err()).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID)
		result.Duration = time.Since(start)
		return result
	}

	res, err := e.executeWithTimeout(ctx, call)
	result.Result = res
	result.Error = err
	result.Duration = time.Since(start)

	if e.metrics != nil {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case res != nil && !res.Success:
			outcome = "tool_error"
		}
		e.metrics.ToolExecutions.WithLabelValues(call.Function.Name, outcome).Inc()
		e.metrics.ToolDuration.WithLabelValues(call.Function.Name).Observe(result.Duration.Seconds())
	}
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall) (*tools.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type execResult struct {
		result *tools.Result
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Function.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		res, err := e.registry.Execute(execCtx, call.Function.Name, json.RawMessage(call.Function.Arguments))
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Function.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: res}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Function.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID)
		}
		return nil, NewToolError(call.Function.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID)
	}
}

// ResultsToMessages converts execution results into tool messages in batch
// order. Every message body is the serialized result envelope; executor
// failures become failed envelopes the model can react to.
func ResultsToMessages(results []*ExecutionResult) []models.Message {
	out := make([]models.Message, len(results))
	for i, r := range results {
		res := r.Result
		if r.Error != nil {
			res = &tools.Result{Error: r.Error.Error()}
		}
		if res == nil {
			res = &tools.Result{Error: "tool produced no result"}
		}
		out[i] = models.Message{
			Role:       models.RoleTool,
			Content:    res.JSON(),
			ToolCallID: r.ToolCallID,
			Name:       r.ToolName,
		}
	}
	return out
}
