package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugRoot is where raw chunk dumps are written.
var DebugRoot = filepath.Join("debug", "chunks")

// StreamDebugger appends raw provider packets of one stream to a file.
// A disabled debugger is a no-op, so providers can call it unconditionally.
type StreamDebugger struct {
	mu   sync.Mutex
	file *os.File
}

// NewStreamDebugger opens debug/chunks/[<round id>/]<provider>/<timestamp>.log
// when enabled. The round id comes from DebugDirContextKey.
func NewStreamDebugger(ctx context.Context, provider string, enabled bool) *StreamDebugger {
	if !enabled {
		return &StreamDebugger{}
	}

	debugDir := filepath.Join(DebugRoot, provider)
	if dirStr, ok := ctx.Value(DebugDirContextKey).(string); ok && dirStr != "" {
		debugDir = filepath.Join(DebugRoot, dirStr, provider)
	}

	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.ErrorContext(ctx, "Failed to create debug directory", "dir", debugDir, "error", err)
		return &StreamDebugger{}
	}

	filename := filepath.Join(debugDir, fmt.Sprintf("%s.log", time.Now().Format("20060102_150405.000")))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to open debug file", "file", filename, "error", err)
		return &StreamDebugger{}
	}

	slog.DebugContext(ctx, "Debug mode ON", "provider", provider, "file", filename)
	return &StreamDebugger{file: f}
}

// WriteString appends s and a newline.
func (d *StreamDebugger) WriteString(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return
	}
	if _, err := d.file.WriteString(s + "\n"); err != nil {
		slog.Warn("Failed to write to debug file", "error", err)
	}
}

// WriteJSON appends the JSON encoding of v.
func (d *StreamDebugger) WriteJSON(v any) {
	d.mu.Lock()
	enabled := d.file != nil
	d.mu.Unlock()
	if !enabled {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to encode debug packet", "error", err)
		return
	}
	d.WriteString(string(data))
}

// Close closes the debug file handle.
func (d *StreamDebugger) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}
