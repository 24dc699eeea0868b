package agent

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/tools"
)

// defaultSystemPrompt is used when no prompt file is configured.
const defaultSystemPrompt = `You are a capable assistant with access to tools.

Use tools when they help: search the web for current facts, run Python for
computation and data work, read and write files in the workspace, and store
durable facts in memory. Call several tools at once when the calls are
independent. When you have what you need, answer directly and concisely.`

// PromptCache holds the byte-stable prompt prefix: the system prompt plus
// the tool schemas in canonical order. The backend caches the KV state of
// this prefix between calls, so identical bytes across requests are worth
// real latency; everything here is computed once and reused.
type PromptCache struct {
	mu       sync.RWMutex
	path     string
	registry *tools.Registry

	system  string
	schemas []llm.ToolSchema
}

// NewPromptCache builds the cache, reading the system prompt file at path
// if it is non-empty.
func NewPromptCache(path string, registry *tools.Registry) *PromptCache {
	p := &PromptCache{path: path, registry: registry}
	p.Reload()
	return p
}

// System returns the cached system prompt.
func (p *PromptCache) System() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.system
}

// Schemas returns the cached tool schemas in canonical order.
func (p *PromptCache) Schemas() []llm.ToolSchema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schemas
}

// SchemasFor returns the cached schemas restricted to the named tools,
// keeping canonical order. An empty filter means every tool. Unknown
// names are ignored.
func (p *PromptCache) SchemasFor(enabled []string) []llm.ToolSchema {
	all := p.Schemas()
	if len(enabled) == 0 {
		return all
	}
	want := make(map[string]bool, len(enabled))
	for _, n := range enabled {
		want[n] = true
	}
	out := make([]llm.ToolSchema, 0, len(all))
	for _, s := range all {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// Reload re-reads the system prompt file and rebuilds the schema block.
// Called at startup, on demand, and from the file watcher.
func (p *PromptCache) Reload() {
	system := defaultSystemPrompt
	if p.path != "" {
		if data, err := os.ReadFile(p.path); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				system = text
			}
		}
	}
	schemas := p.registry.NativeSchemas()

	p.mu.Lock()
	p.system = system
	p.schemas = schemas
	p.mu.Unlock()
}

// Watch reloads the cache whenever the prompt file changes. Blocks until
// the context is cancelled; callers run it in a goroutine. No-op without
// a prompt file.
func (p *PromptCache) Watch(ctx context.Context, logger *observability.Logger) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(p.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				p.Reload()
				logger.Info(ctx, "system prompt reloaded", "path", p.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "prompt watcher error", "error", err.Error())
		}
	}
}
