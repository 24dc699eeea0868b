package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/quillhq/quill/internal/lockfile"
)

const (
	maxMemoryKeys     = 200
	maxMemoryValueLen = 2000
	memoryLockTimeout = 10 * time.Second
)

// Memory is a per-user key-value store persisted as one JSON file per user
// under the memory directory. Writes go through a lock file because agent
// runs for the same user can overlap.
type Memory struct {
	dir string
}

// NewMemory creates the memory tool rooted at dir.
func NewMemory(dir string) *Memory {
	return &Memory{dir: dir}
}

func (t *Memory) Name() string { return "memory" }

func (t *Memory) Description() string {
	return "Persistent key-value store for remembering information across sessions. " +
		"Use this to store user preferences, project context, frequently used settings, " +
		"or any information that should persist between conversations."
}

func (t *Memory) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "memory",
		"description": "Per-user persistent key-value store.",
		"parameters": {
			"type": "object",
			"properties": {
				"operation": {"type": "string", "description": "Operation: 'set' to store, 'get' to retrieve, 'delete' to remove, 'list' to see all keys. 'write' and 'read' are accepted as aliases for 'set' and 'get'.", "enum": ["set", "write", "get", "read", "delete", "list"]},
				"key": {"type": "string", "description": "The key to operate on (required for set/get/delete)"},
				"value": {"type": "string", "description": "The value to store (required for set)"}
			},
			"required": ["operation"]
		}
	}`)
}

func (t *Memory) filePath(username string) string {
	return filepath.Join(t.dir, safeSegment(username)+".json")
}

func (t *Memory) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Operation string `json:"operation"`
		Key       string `json:"key"`
		Value     string `json:"value"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("memory: bad arguments: %v", err), nil
	}

	username := UsernameFromContext(ctx)
	path := t.filePath(username)

	var result *Result
	err := lockfile.WithLock(path+".lock", memoryLockTimeout, func() error {
		store, err := t.load(path)
		if err != nil {
			return err
		}

		switch normalizeMemoryOp(in.Operation) {
		case "set":
			if in.Key == "" {
				result = Errf("memory: 'set' requires a key")
				return nil
			}
			value := in.Value
			if len(value) > maxMemoryValueLen {
				value = value[:maxMemoryValueLen]
			}
			if _, exists := store[in.Key]; !exists && len(store) >= maxMemoryKeys {
				result = Errf("memory: store is full (%d keys)", maxMemoryKeys)
				return nil
			}
			store[in.Key] = value
			if err := t.save(path, store); err != nil {
				return err
			}
			result = Ok(map[string]any{"operation": "set", "key": in.Key})

		case "get":
			if in.Key == "" {
				result = Errf("memory: 'get' requires a key")
				return nil
			}
			value, ok := store[in.Key]
			if !ok {
				result = Errf("memory: key %q not found", in.Key)
				return nil
			}
			result = Ok(map[string]any{"operation": "get", "key": in.Key, "value": value})

		case "delete":
			if in.Key == "" {
				result = Errf("memory: 'delete' requires a key")
				return nil
			}
			if _, ok := store[in.Key]; !ok {
				result = Errf("memory: key %q not found", in.Key)
				return nil
			}
			delete(store, in.Key)
			if err := t.save(path, store); err != nil {
				return err
			}
			result = Ok(map[string]any{"operation": "delete", "key": in.Key})

		case "list":
			keys := make([]string, 0, len(store))
			for k := range store {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			result = Ok(map[string]any{"operation": "list", "keys": keys, "count": len(keys)})

		default:
			result = Errf("memory: unknown operation %q", in.Operation)
		}
		return nil
	})
	if err != nil {
		return Errf("memory: %v", err), nil
	}
	return result, nil
}

// normalizeMemoryOp folds the accepted aliases onto the canonical
// operation names.
func normalizeMemoryOp(op string) string {
	switch op {
	case "write":
		return "set"
	case "read":
		return "get"
	default:
		return op
	}
}

func (t *Memory) load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var store map[string]string
	if err := json.Unmarshal(data, &store); err != nil {
		// A corrupt store should not brick the tool; start over.
		return map[string]string{}, nil
	}
	return store, nil
}

func (t *Memory) save(path string, store map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
