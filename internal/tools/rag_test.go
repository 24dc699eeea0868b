package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRAGUserCollectionsFromService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("username"); got != "alice" {
			t.Fatalf("username = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"collections": []string{"notes", "papers"}})
	}))
	defer srv.Close()

	rag := NewRAG(srv.URL, []string{"static"})
	got := rag.UserCollections(context.Background(), "alice")
	if len(got) != 2 || got[0] != "notes" || got[1] != "papers" {
		t.Fatalf("UserCollections() = %v", got)
	}
}

func TestRAGUserCollectionsFallsBackToConfigured(t *testing.T) {
	rag := NewRAG("", []string{"docs", "wiki"})
	got := rag.UserCollections(context.Background(), "alice")
	if len(got) != 2 || got[0] != "docs" {
		t.Fatalf("UserCollections() = %v", got)
	}

	// Unreachable service also falls back.
	rag = NewRAG("http://127.0.0.1:1", []string{"docs"})
	got = rag.UserCollections(context.Background(), "alice")
	if len(got) != 1 || got[0] != "docs" {
		t.Fatalf("UserCollections() = %v", got)
	}
}

func TestRAGUnknownCollectionEnvelope(t *testing.T) {
	rag := NewRAG("http://127.0.0.1:1", []string{"docs", "wiki"})
	res, err := rag.Execute(context.Background(), json.RawMessage(`{"query":"q","collection_name":"nope"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success {
		t.Fatal("unknown collection should fail")
	}
	available, _ := res.Fields["available_collections"].([]string)
	if len(available) != 2 || available[0] != "docs" || available[1] != "wiki" {
		t.Fatalf("available_collections = %v", res.Fields["available_collections"])
	}
}

func TestRAGQueryReturnsDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"documents": []map[string]any{
				{"content": "go is fine", "source": "notes.md", "score": 0.92},
			},
		})
	}))
	defer srv.Close()

	rag := NewRAG(srv.URL, []string{"docs"})
	res, err := rag.Execute(context.Background(), json.RawMessage(`{"query":"go","collection_name":"docs"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success || res.Fields["count"] != 1 {
		t.Fatalf("result = %+v", res)
	}
	docs, _ := res.Fields["documents"].([]map[string]any)
	if len(docs) != 1 || docs[0]["source"] != "notes.md" {
		t.Fatalf("documents = %v", res.Fields["documents"])
	}
}
