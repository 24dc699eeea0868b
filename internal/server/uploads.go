package server

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quillhq/quill/internal/agent"
)

// saveUploads persists multipart "files" parts under the user's upload
// directory and returns attachment metadata for the system prompt. Every
// step is best effort: a file that cannot be saved or inspected is skipped
// or listed without details, never failing the request.
func (s *Server) saveUploads(r *http.Request, username string) []agent.Attachment {
	if r.MultipartForm == nil {
		return nil
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return nil
	}

	dir := filepath.Join(s.config.UploadsDir(), username)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn(r.Context(), "upload dir create failed", "error", err.Error())
		return nil
	}

	var out []agent.Attachment
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if name == "" || name == "." || name == ".." {
			continue
		}
		path := filepath.Join(dir, name)
		if err := saveMultipartFile(fh, path); err != nil {
			s.logger.Warn(r.Context(), "upload save failed", "file", name, "error", err.Error())
			continue
		}
		out = append(out, agent.Attachment{
			Name:    name,
			Type:    attachmentType(name),
			Size:    fh.Size,
			Details: describeFile(path),
		})
	}
	return out
}

func saveMultipartFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, src)
	return err
}

func attachmentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".tsv":
		return "tabular"
	case ".json":
		return "json"
	case ".txt", ".md", ".log", ".py", ".go", ".js", ".ts", ".html", ".xml", ".yaml", ".yml":
		return "text"
	default:
		return "binary"
	}
}

// describeFile extracts structural hints: row/column counts for tabular
// files, line counts for text, top-level shape for JSON. Failures produce
// an empty description.
func describeFile(path string) string {
	switch attachmentType(path) {
	case "tabular":
		return describeCSV(path)
	case "json":
		return describeJSON(path)
	case "text":
		return describeText(path)
	default:
		return ""
	}
}

func describeCSV(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, cols := 0, 0
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		rows++
		if len(record) > cols {
			cols = len(record)
		}
	}
	if rows == 0 {
		return ""
	}
	return fmt.Sprintf("%d rows, %d columns", rows, cols)
}

func describeJSON(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	switch val := v.(type) {
	case []any:
		return fmt.Sprintf("JSON array of %d items", len(val))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 8 {
			keys = keys[:8]
		}
		return fmt.Sprintf("JSON object with keys: %s", strings.Join(keys, ", "))
	default:
		return "JSON scalar"
	}
}

func describeText(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Count(string(data), "\n")
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		lines++
	}
	return fmt.Sprintf("%d lines", lines)
}
