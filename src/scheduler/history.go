package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sofmeright/switchyard/src/retention"
)

// History lists and removes finished runs: the manifest in Dir, the
// instance logs under Dir/<run id>/ and the workspaces under
// Workspace/<run id>/. Caches and published artifacts are never touched.
type History struct {
	Dir       string
	Workspace string
}

var _ retention.Store = (*History)(nil)

// List returns one item per manifest, timestamped with the run start.
// Unreadable manifests fall back to the file modification time.
func (h *History) List(_ context.Context) ([]retention.Item, error) {
	entries, err := os.ReadDir(h.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	var items []retention.Item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		item := retention.Item{Name: strings.TrimSuffix(name, ".json")}
		if started, ok := manifestStart(filepath.Join(h.Dir, name)); ok {
			item.CreatedAt = started
		} else if info, err := e.Info(); err == nil {
			item.CreatedAt = info.ModTime()
		}
		items = append(items, item)
	}
	return items, nil
}

// Delete removes every trace of runID. The manifest goes last so a failed
// delete is retried on the next prune.
func (h *History) Delete(_ context.Context, runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	if err := os.RemoveAll(filepath.Join(h.Dir, runID)); err != nil {
		return err
	}
	if root := h.workspaceRoot(); root != "" {
		if err := os.RemoveAll(filepath.Join(root, runID)); err != nil {
			return err
		}
	}
	err := os.Remove(filepath.Join(h.Dir, runID+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (h *History) workspaceRoot() string {
	if h.Workspace != "" {
		return h.Workspace
	}
	return filepath.Join(os.TempDir(), "switchyard")
}

func manifestStart(path string) (started time.Time, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return started, false
	}
	var head struct {
		StartedAt time.Time `json:"started_at"`
	}
	if json.Unmarshal(data, &head) != nil || head.StartedAt.IsZero() {
		return started, false
	}
	return head.StartedAt, true
}
