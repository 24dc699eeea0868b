package tools

import (
	"github.com/quillhq/quill/internal/config"
)

// DefaultRegistry builds the registry with the full tool surface wired
// from configuration, registered in canonical order.
func DefaultRegistry(cfg *config.Config) (*Registry, error) {
	ws := Workspace{
		ScratchRoot: cfg.ScratchDir(),
		UploadsRoot: cfg.UploadsDir(),
	}

	reg := NewRegistry()
	all := []Tool{
		NewWebsearch(cfg.Tools.WebsearchEndpoint, cfg.Tools.WebsearchTopN),
		NewPythonCoder(ws, cfg.Tools.PythonExecutorMode, cfg.Tools.PythonBin, cfg.Tools.CoderEndpoint),
		NewRAG(cfg.Tools.RAGEndpoint, cfg.Tools.RAGCollections),
		NewFileReader(ws),
		NewFileWriter(ws),
		NewFileNavigator(ws),
		NewShellExec(ws, cfg.Tools.ShellTimeout),
		NewMemory(cfg.MemoryDir()),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
