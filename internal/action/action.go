// Package action scans the action directory for user-authored script
// files and builds the fast-path registry of statically-analyzable
// responses.
package action

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/t8nlab/titan/internal/logging"
	"github.com/t8nlab/titan/internal/respmodel"
	"github.com/t8nlab/titan/internal/staticresp"
)

// Scan returns a map of action name (file stem) to file path for every
// .js / .jsbundle file directly inside dir. A missing or unreadable
// directory yields an empty map.
func Scan(dir string) map[string]string {
	out := map[string]string{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".js" && ext != ".jsbundle" {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		if stem == "" {
			continue
		}
		out[stem] = filepath.Join(dir, name)
	}
	return out
}

// BuildFastPaths runs the static-response analyzer over every scanned
// action and returns the registry of actions whose response is provably
// constant. Actions that fail analysis are simply absent; they run on
// the worker pool instead.
func BuildFastPaths(actions map[string]string) map[string]respmodel.StaticResponse {
	registry := map[string]respmodel.StaticResponse{}
	for name, path := range actions {
		source, err := os.ReadFile(path)
		if err != nil {
			logging.Default().Warn("action file unreadable, skipping fast-path analysis",
				zap.String("action", name), zap.Error(err))
			continue
		}
		if resp, ok := staticresp.Analyze(string(source)); ok {
			registry[name] = resp
		}
	}
	if len(registry) > 0 {
		logging.Default().Info("fast-path responses registered", zap.Int("count", len(registry)))
	}
	return registry
}
