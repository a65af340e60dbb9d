package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Notebook is a tiny in-memory note store backing the note tools.
type Notebook struct {
	mu    sync.Mutex
	notes map[string]string
	order []string
}

// NewNotebook creates an empty notebook.
func NewNotebook() *Notebook {
	return &Notebook{notes: make(map[string]string)}
}

// RegisterBuiltinTools adds the default demo tools to a registry.
func RegisterBuiltinTools(reg *ToolRegistry, notebook *Notebook) {
	reg.Register(&FuncTool{
		ToolName:        "get_current_time",
		ToolDescription: "Get the current date and time",
		ToolParameters:  map[string]Parameter{},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return fmt.Sprintf(`{"time":"%s"}`, time.Now().Format(time.RFC3339)), nil
		},
	})

	reg.Register(&FuncTool{
		ToolName:        "write_note",
		ToolDescription: "Save a note for later reference",
		ToolParameters: map[string]Parameter{
			"title":   {Type: "string", Description: "Note title", Required: true},
			"content": {Type: "string", Description: "Note content", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			title, _ := args["title"].(string)
			content, _ := args["content"].(string)
			if title == "" {
				return "", fmt.Errorf("title is required")
			}
			notebook.mu.Lock()
			if _, seen := notebook.notes[title]; !seen {
				notebook.order = append(notebook.order, title)
			}
			notebook.notes[title] = content
			notebook.mu.Unlock()
			return fmt.Sprintf("Note saved: %s", title), nil
		},
	})

	reg.Register(&FuncTool{
		ToolName:        "list_notes",
		ToolDescription: "List all saved notes with their content",
		ToolParameters:  map[string]Parameter{},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			type note struct {
				Title   string `json:"title"`
				Content string `json:"content"`
			}
			notebook.mu.Lock()
			list := make([]note, len(notebook.order))
			for i, title := range notebook.order {
				list[i] = note{Title: title, Content: notebook.notes[title]}
			}
			notebook.mu.Unlock()
			b, _ := json.Marshal(list)
			return string(b), nil
		},
	})
}
