package agent

import "github.com/quillhq/quill/pkg/models"

// Event is one item of a streaming run. Exactly one field is set: Text for
// a model text delta, Tool for a tool lifecycle update, Output when the run
// finishes, Err on failure.
type Event struct {
	Text   string
	Tool   *models.ToolEvent
	Output *RunOutput
	Err    error
}
