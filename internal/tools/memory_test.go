package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func memExecute(t *testing.T, m *Memory, username, args string) *Result {
	t.Helper()
	ctx := WithUsername(context.Background(), username)
	res, err := m.Execute(ctx, json.RawMessage(args))
	if err != nil {
		t.Fatalf("memory Execute() error = %v", err)
	}
	return res
}

func TestMemorySetGetDeleteList(t *testing.T) {
	m := NewMemory(t.TempDir())

	res := memExecute(t, m, "alice", `{"operation":"set","key":"color","value":"blue"}`)
	if !res.Success {
		t.Fatalf("set failed: %s", res.Error)
	}

	res = memExecute(t, m, "alice", `{"operation":"get","key":"color"}`)
	if !res.Success || res.Fields["value"] != "blue" {
		t.Fatalf("get = %+v", res)
	}

	res = memExecute(t, m, "alice", `{"operation":"list"}`)
	keys, _ := res.Fields["keys"].([]string)
	if !res.Success || len(keys) != 1 || keys[0] != "color" {
		t.Fatalf("list = %+v", res)
	}

	res = memExecute(t, m, "alice", `{"operation":"delete","key":"color"}`)
	if !res.Success {
		t.Fatalf("delete failed: %s", res.Error)
	}

	res = memExecute(t, m, "alice", `{"operation":"get","key":"color"}`)
	if res.Success {
		t.Fatal("get after delete should fail")
	}
}

func TestMemoryWriteReadAliases(t *testing.T) {
	m := NewMemory(t.TempDir())

	res := memExecute(t, m, "alice", `{"operation":"write","key":"lang","value":"go"}`)
	if !res.Success {
		t.Fatalf("write failed: %s", res.Error)
	}
	if res.Fields["operation"] != "set" {
		t.Fatalf("write should report the canonical operation, got %v", res.Fields["operation"])
	}

	res = memExecute(t, m, "alice", `{"operation":"read","key":"lang"}`)
	if !res.Success || res.Fields["value"] != "go" {
		t.Fatalf("read = %+v", res)
	}
}

func TestMemoryScopedByUsername(t *testing.T) {
	m := NewMemory(t.TempDir())

	memExecute(t, m, "alice", `{"operation":"set","key":"secret","value":"a"}`)

	res := memExecute(t, m, "bob", `{"operation":"get","key":"secret"}`)
	if res.Success {
		t.Fatal("bob should not see alice's keys")
	}
}

func TestMemoryValueTruncated(t *testing.T) {
	m := NewMemory(t.TempDir())
	long := strings.Repeat("v", maxMemoryValueLen+500)

	memExecute(t, m, "alice", `{"operation":"set","key":"big","value":"`+long+`"}`)
	res := memExecute(t, m, "alice", `{"operation":"get","key":"big"}`)
	value, _ := res.Fields["value"].(string)
	if len(value) != maxMemoryValueLen {
		t.Fatalf("stored value length = %d, want %d", len(value), maxMemoryValueLen)
	}
}

func TestMemoryUnknownOperation(t *testing.T) {
	m := NewMemory(t.TempDir())
	res := memExecute(t, m, "alice", `{"operation":"explode"}`)
	if res.Success {
		t.Fatal("unknown operation should fail")
	}
}
