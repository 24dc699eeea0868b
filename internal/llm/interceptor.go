package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/pkg/models"
)

const backendName = "llamacpp"

// Interceptor wraps a Client and appends a human-readable record of every
// request and response to the prompts log. The log is the primary debugging
// surface for prompt assembly, so the format favors readability over
// parseability. Logging failures never fail the underlying call.
type Interceptor struct {
	inner   Client
	metrics *observability.Metrics

	mu  sync.Mutex
	out io.Writer
}

// NewInterceptor creates an interceptor writing to logPath with rotation.
// metrics may be nil.
func NewInterceptor(inner Client, logPath string, metrics *observability.Metrics) *Interceptor {
	return &Interceptor{
		inner:   inner,
		metrics: metrics,
		out: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50, // MB
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// NewInterceptorWriter creates an interceptor writing to an arbitrary
// writer. Used in tests.
func NewInterceptorWriter(inner Client, out io.Writer) *Interceptor {
	return &Interceptor{inner: inner, out: out}
}

type logRecord struct {
	id          string
	timestamp   string
	streaming   bool
	model       string
	temperature float32
	sessionID   string
	agentTag    string
	messages    []models.Message
	toolCount   int

	// response side
	isResponse bool
	response   string
	toolCalls  []models.ToolCall
	duration   time.Duration
	inputTok   int
	outputTok  int
	success    bool
	errText    string
}

// Chat logs the request, delegates, then logs the response.
func (in *Interceptor) Chat(ctx context.Context, req *Request) (*Response, error) {
	rec := in.newRecord(req, false)
	in.write(rec)

	start := time.Now()
	resp, err := in.inner.Chat(ctx, req)

	rec.isResponse = true
	rec.duration = time.Since(start)
	if err != nil {
		rec.errText = err.Error()
		in.observe(rec)
		in.write(rec)
		return nil, err
	}

	rec.success = true
	rec.response = resp.Content
	rec.toolCalls = resp.ToolCalls
	rec.outputTok = estimateTokens(resp.Content)
	in.observe(rec)
	in.write(rec)
	return resp, nil
}

// ChatStream logs the request, delegates, and logs the collected response
// once the stream finishes.
func (in *Interceptor) ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	rec := in.newRecord(req, true)
	in.write(rec)

	start := time.Now()
	inner, err := in.inner.ChatStream(ctx, req)
	if err != nil {
		rec.isResponse = true
		rec.duration = time.Since(start)
		rec.errText = err.Error()
		in.observe(rec)
		in.write(rec)
		return nil, err
	}

	out := make(chan *Chunk, 1)
	go func() {
		defer close(out)
		var text strings.Builder
		var calls []models.ToolCall
		var streamErr error

		forward := func(c *Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range inner {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if !forward(chunk) {
				streamErr = ctx.Err()
				// Drain inner so its producer can exit, then log the
				// truncated call.
				for range inner {
				}
				break
			}
		}

		rec.isResponse = true
		rec.duration = time.Since(start)
		rec.response = text.String()
		rec.toolCalls = calls
		rec.outputTok = estimateTokens(rec.response)
		if streamErr != nil {
			rec.errText = streamErr.Error()
		} else {
			rec.success = true
		}
		in.observe(rec)
		in.write(rec)
	}()
	return out, nil
}

// ListModels delegates to the wrapped client.
func (in *Interceptor) ListModels(ctx context.Context) ([]string, error) {
	return in.inner.ListModels(ctx)
}

// IsAvailable delegates to the wrapped client.
func (in *Interceptor) IsAvailable(ctx context.Context) bool {
	return in.inner.IsAvailable(ctx)
}

func (in *Interceptor) newRecord(req *Request, streaming bool) *logRecord {
	total := 0
	for _, m := range req.Messages {
		total += estimateTokens(m.Content)
	}
	return &logRecord{
		id:          uuid.NewString()[:8],
		timestamp:   time.Now().Format("2006-01-02 15:04:05"),
		streaming:   streaming,
		model:       req.Model,
		temperature: req.Temperature,
		sessionID:   req.SessionID,
		agentTag:    req.AgentTag,
		messages:    req.Messages,
		toolCount:   len(req.Tools),
		inputTok:    total,
	}
}

// estimateTokens approximates token count as words * 1.3. The backend does
// not report usage, so this keeps the log's throughput numbers honest-ish.
func estimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

func (in *Interceptor) observe(rec *logRecord) {
	if in.metrics == nil {
		return
	}
	outcome := "success"
	if !rec.success {
		outcome = "error"
	}
	in.metrics.LLMCalls.WithLabelValues(outcome).Inc()
	in.metrics.LLMDuration.Observe(rec.duration.Seconds())
}

func (in *Interceptor) write(rec *logRecord) {
	formatted := formatRecord(rec)
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, err := io.WriteString(in.out, formatted); err != nil {
		// Dropping a prompt log entry is preferable to failing the call.
		_ = err
	}
}

func formatRecord(rec *logRecord) string {
	rule := strings.Repeat("=", 80)
	dash := strings.Repeat("-", 80)

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(rule + "\n")
	if rec.isResponse {
		b.WriteString("<<< RESPONSE FROM LLM\n")
	} else {
		b.WriteString(">>> REQUEST TO LLM\n")
	}
	b.WriteString(rule + "\n")

	if rec.isResponse {
		b.WriteString("\n")
		b.WriteString(clip(rec.response, 2000) + "\n")
		if len(rec.toolCalls) > 0 {
			b.WriteString("\n  tool_calls: " + clip(toolCallSummary(rec.toolCalls), 500) + "\n")
		}
		b.WriteString("\n")
	} else {
		b.WriteString("\n")
		for i, msg := range rec.messages {
			fmt.Fprintf(&b, "Message %d:\n", i+1)
			fmt.Fprintf(&b, "  role: %s\n", msg.Role)
			if msg.Content != "" {
				b.WriteString("  content:\n")
				for _, line := range strings.Split(msg.Content, "\n") {
					if line == "" {
						b.WriteString("\n")
					} else {
						b.WriteString("    " + line + "\n")
					}
				}
			}
			if len(msg.ToolCalls) > 0 {
				b.WriteString("  tool_calls: " + clip(toolCallSummary(msg.ToolCalls), 500) + "\n")
			}
			if msg.ToolCallID != "" {
				b.WriteString("  tool_call_id: " + msg.ToolCallID + "\n")
			}
			b.WriteString("\n")
		}
		if rec.toolCount > 0 {
			fmt.Fprintf(&b, "  [tools: %d schema(s) provided]\n\n", rec.toolCount)
		}
	}

	b.WriteString(dash + "\n")
	b.WriteString("STATS:\n")
	fmt.Fprintf(&b, "  Timestamp:   %s\n", rec.timestamp)
	fmt.Fprintf(&b, "  Model:       %s\n", rec.model)
	fmt.Fprintf(&b, "  Backend:     %s\n", backendName)
	fmt.Fprintf(&b, "  Temperature: %g\n", rec.temperature)
	if rec.sessionID != "" {
		fmt.Fprintf(&b, "  Session:     %s\n", rec.sessionID)
	}
	if rec.agentTag != "" {
		fmt.Fprintf(&b, "  Agent:       %s\n", rec.agentTag)
	}
	if rec.streaming {
		b.WriteString("  Streaming:   Yes\n")
	} else {
		b.WriteString("  Streaming:   No\n")
	}

	if rec.isResponse {
		secs := rec.duration.Seconds()
		fmt.Fprintf(&b, "  Duration:    %.2fs\n", secs)
		fmt.Fprintf(&b, "  Tokens:      %d in + %d out = %d total\n",
			rec.inputTok, rec.outputTok, rec.inputTok+rec.outputTok)
		if secs > 0 && rec.outputTok > 0 {
			fmt.Fprintf(&b, "  Speed:       %.1f tokens/sec\n", float64(rec.outputTok)/secs)
		}
		if rec.success {
			b.WriteString("  Status:      SUCCESS\n")
		} else {
			b.WriteString("  Status:      FAILED\n")
			if rec.errText != "" {
				fmt.Fprintf(&b, "  Error:       %s\n", rec.errText)
			}
		}
	}

	b.WriteString(rule + "\n\n")
	return b.String()
}

func toolCallSummary(calls []models.ToolCall) string {
	type entry struct {
		Name string `json:"name"`
		Args string `json:"args"`
	}
	entries := make([]entry, len(calls))
	for i, c := range calls {
		entries[i] = entry{Name: c.Function.Name, Args: c.Function.Arguments}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	return string(data)
}

// clip shortens s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
