// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"path"
	"strings"

	"github.com/adiadia/agent-orchestrator/internal/domain"
)

const (
	ReadFileTool  = "read_file"
	WriteFileTool = "write_file"
	ListFilesTool = "list_files"
	DoneTool      = "done"

	maxListedFiles = 500
)

// DefaultCatalogue holds the workspace file tools and done.
func DefaultCatalogue() *Catalogue {
	return NewCatalogue(ReadFile(), WriteFile(), ListFiles(), Done())
}

func decodeArgs(tool string, raw json.RawMessage, v any) error {
	call := domain.ToolCall{Name: tool, Arguments: raw}
	if err := call.DecodeArguments(v); err != nil {
		return toolErr(tool, "invalid arguments: %v", err)
	}
	return nil
}

// cleanPath turns a model-supplied path into a root-relative one.
func cleanPath(p string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

func ReadFile() Tool {
	return Tool{
		Spec: domain.ToolSpec{
			Name:        ReadFileTool,
			Description: "Read a UTF-8 text file from the workspace.",
			Parameters: domain.ObjectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "Path relative to the workspace root."},
			}, "path"),
		},
		Run: func(ctx context.Context, ws *Workspace, raw json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(ReadFileTool, raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Path) == "" {
				return "", toolErr(ReadFileTool, "path is required")
			}
			if err := ctx.Err(); err != nil {
				return "", err
			}

			root, err := ws.root(ReadFileTool)
			if err != nil {
				return "", err
			}
			data, err := root.ReadFile(cleanPath(args.Path))
			if err != nil {
				return "", toolErr(ReadFileTool, "%v", err)
			}
			return string(data), nil
		},
	}
}

func WriteFile() Tool {
	return Tool{
		Spec: domain.ToolSpec{
			Name:        WriteFileTool,
			Description: "Create or overwrite a file in the workspace.",
			Parameters: domain.ObjectSchema(map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root."},
				"content": map[string]any{"type": "string", "description": "Full file contents."},
			}, "path", "content"),
		},
		Run: func(ctx context.Context, ws *Workspace, raw json.RawMessage) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := decodeArgs(WriteFileTool, raw, &args); err != nil {
				return "", err
			}
			p := cleanPath(args.Path)
			if p == "." {
				return "", toolErr(WriteFileTool, "path is required")
			}
			if err := ctx.Err(); err != nil {
				return "", err
			}

			root, err := ws.root(WriteFileTool)
			if err != nil {
				return "", err
			}
			if dir := path.Dir(p); dir != "." {
				if err := root.MkdirAll(dir, 0o755); err != nil {
					return "", toolErr(WriteFileTool, "%v", err)
				}
			}
			if err := root.WriteFile(p, []byte(args.Content), 0o644); err != nil {
				return "", toolErr(WriteFileTool, "%v", err)
			}
			return "wrote " + p, nil
		},
	}
}

var errTooManyFiles = errors.New("too many files")

func ListFiles() Tool {
	return Tool{
		Spec: domain.ToolSpec{
			Name:        ListFilesTool,
			Description: "List files under a workspace directory.",
			Parameters: domain.ObjectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory relative to the workspace root. Defaults to the root."},
			}),
		},
		Run: func(ctx context.Context, ws *Workspace, raw json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(ListFilesTool, raw, &args); err != nil {
				return "", err
			}

			root, err := ws.root(ListFilesTool)
			if err != nil {
				return "", err
			}

			var files []string
			err = fs.WalkDir(root.FS(), cleanPath(args.Path), func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				if len(files) == maxListedFiles {
					return errTooManyFiles
				}
				files = append(files, p)
				return nil
			})
			switch {
			case errors.Is(err, errTooManyFiles):
				files = append(files, "...")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return "", err
			case err != nil:
				return "", toolErr(ListFilesTool, "%v", err)
			}
			if len(files) == 0 {
				return "(no files)", nil
			}
			return strings.Join(files, "\n"), nil
		},
	}
}

// DoneSuccessPrefix starts the result of a successful done call.
const DoneSuccessPrefix = "success: "

// Done lets the model declare its task finished.
func Done() Tool {
	return Tool{
		Spec: domain.ToolSpec{
			Name:        DoneTool,
			Description: "Call when the task is complete, with a short summary of the outcome.",
			Parameters: domain.ObjectSchema(map[string]any{
				"summary": map[string]any{"type": "string", "description": "What was accomplished."},
			}, "summary"),
		},
		Run: func(_ context.Context, _ *Workspace, raw json.RawMessage) (string, error) {
			var args struct {
				Summary string `json:"summary"`
			}
			if err := decodeArgs(DoneTool, raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Summary) == "" {
				return "", toolErr(DoneTool, "summary is required")
			}
			return DoneSuccessPrefix + args.Summary, nil
		},
	}
}
