package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/tool"
)

const fileReadLimit = 64 * 1024

func registerBuiltinTools(registry *tool.Registry) error {
	for _, t := range []tool.Tool{
		&clockTool{},
		&fileReadTool{root: "."},
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// clockTool reports the current time. Never cached.
type clockTool struct{}

func (*clockTool) Name() string        { return "clock" }
func (*clockTool) Description() string { return "Returns the current date and time." }
func (*clockTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, defaults to UTC",
			},
		},
	}
}
func (*clockTool) Cacheable() bool         { return false }
func (*clockTool) CacheTTL() time.Duration { return 0 }
func (*clockTool) Timeout() time.Duration  { return time.Second }

func (*clockTool) Execute(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if name, ok := args["timezone"].(string); ok && name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return "", skeinerr.InvalidArguments("unknown timezone "+name, err)
		}
		loc = l
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

// fileReadTool reads a file under its root. File content is stable enough to
// cache for a short TTL.
type fileReadTool struct {
	root string
}

func (*fileReadTool) Name() string { return "read_file" }
func (*fileReadTool) Description() string {
	return "Reads a text file from the workspace and returns its content."
}
func (*fileReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "workspace-relative file path",
			},
		},
		"required": []string{"path"},
	}
}
func (*fileReadTool) Cacheable() bool         { return true }
func (*fileReadTool) CacheTTL() time.Duration { return 30 * time.Second }
func (*fileReadTool) Timeout() time.Duration  { return 5 * time.Second }

func (t *fileReadTool) Execute(_ context.Context, args map[string]any) (string, error) {
	rel, ok := args["path"].(string)
	if !ok || rel == "" {
		return "", skeinerr.InvalidArguments("path is required", nil)
	}

	path := filepath.Join(t.root, filepath.Clean("/"+rel))
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", rel)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, fileReadLimit))
	if err != nil {
		return "", errors.Wrapf(err, "read %s", rel)
	}
	return string(data), nil
}
