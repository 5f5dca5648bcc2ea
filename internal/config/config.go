// Package config loads process configuration: environment variables,
// routes.json, and the project-root/action-directory/extension-root
// discovery search orders.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/t8nlab/titan/internal/logging"
	"github.com/t8nlab/titan/internal/respmodel"
	"github.com/t8nlab/titan/internal/route"
	"github.com/t8nlab/titan/internal/titanerr"
)

// Env holds the three documented environment variables.
type Env struct {
	Port        string
	ActionsDir  string
	DevMode     bool
}

// LoadEnv reads PORT, TITAN_ACTIONS_DIR, and TITAN_DEV from the process
// environment. It never fails: absent variables simply leave their zero
// value; all three variables are optional.
func LoadEnv() Env {
	return Env{
		Port:       os.Getenv("PORT"),
		ActionsDir: os.Getenv("TITAN_ACTIONS_DIR"),
		DevMode:    os.Getenv("TITAN_DEV") == "1",
	}
}

// rawRoutesFile mirrors the routes.json on-disk shape.
type rawRoutesFile struct {
	Config struct {
		Port     *int `json:"port"`
		Threads  *int `json:"threads"`
		StackMB  *int `json:"stack_mb"`
	} `json:"__config"`
	DynamicRoutes []rawDynamicRoute        `json:"__dynamic_routes"`
	Routes        map[string]rawRouteEntry `json:"routes"`
}

type rawDynamicRoute struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
}

type rawRouteEntry struct {
	Type   string          `json:"type"`
	Value  json.RawMessage `json:"value"`
	Target json.RawMessage `json:"target"`
}

// Settings is the fully parsed configuration used to build the route
// table and to size the worker pool.
type Settings struct {
	Port      string
	Threads   int
	StackMB   int
	Table     *route.Table
}

const defaultStackMB = 8

// LoadRoutesFile reads routes.json from the working directory. A missing
// file is not an error: the defaults and an empty route table are
// returned. An unreadable file or malformed JSON is a ConfigError: it is
// logged and returned alongside the same defaults.
func LoadRoutesFile(path string) (Settings, error) {
	settings := Settings{StackMB: defaultStackMB, Table: route.NewTable(nil, nil)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		werr := titanerr.Wrap(titanerr.KindConfig, "failed to read routes.json", err)
		logging.Default().Warn("routes.json unreadable, continuing with defaults", zap.Error(werr))
		return settings, werr
	}

	var raw rawRoutesFile
	if err := json.Unmarshal(data, &raw); err != nil {
		werr := titanerr.Wrap(titanerr.KindConfig, "malformed routes.json", err)
		logging.Default().Warn("routes.json malformed, continuing with defaults", zap.Error(werr))
		return settings, werr
	}

	if raw.Config.Port != nil {
		settings.Port = intToPort(*raw.Config.Port)
	}
	if raw.Config.Threads != nil {
		settings.Threads = *raw.Config.Threads
	}
	if raw.Config.StackMB != nil && *raw.Config.StackMB > 0 {
		settings.StackMB = *raw.Config.StackMB
	}

	exact := map[string]route.Route{}
	for key, entry := range raw.Routes {
		r, ok := parseRouteEntry(entry)
		if !ok {
			logging.Default().Warn("skipping malformed route entry", zap.String("key", key))
			continue
		}
		exact[key] = r
	}

	var dyn []route.DynamicRoute
	for _, d := range raw.DynamicRoutes {
		dr, ok := route.NewDynamicRoute(d.Method, d.Pattern, d.Action)
		if !ok {
			logging.Default().Warn("skipping malformed dynamic route",
				zap.String("pattern", d.Pattern))
			continue
		}
		dyn = append(dyn, dr)
	}

	settings.Table = route.NewTable(exact, dyn)
	return settings, nil
}

func parseRouteEntry(entry rawRouteEntry) (route.Route, bool) {
	payload := entry.Value
	if len(payload) == 0 {
		payload = entry.Target
	}
	switch entry.Type {
	case string(route.TypeAction):
		var name string
		if err := json.Unmarshal(payload, &name); err != nil {
			return route.Route{}, false
		}
		return route.Route{Type: route.TypeAction, Value: name}, true
	case string(route.TypeJSON):
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return route.Route{}, false
		}
		body, err := json.Marshal(v)
		if err != nil {
			return route.Route{}, false
		}
		return route.Route{Type: route.TypeJSON, Value: respmodel.PrecomputedResponse{
			Body:        body,
			ContentType: respmodel.ContentJSON,
		}}, true
	case string(route.TypeText):
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return route.Route{}, false
		}
		return route.Route{Type: route.TypeText, Value: respmodel.PrecomputedResponse{
			Body:        []byte(text),
			ContentType: respmodel.ContentText,
		}}, true
	case string(route.TypeString):
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return route.Route{}, false
		}
		return route.Route{Type: route.TypeString, Value: text}, true
	default:
		return route.Route{}, false
	}
}

func intToPort(p int) string {
	return strconv.Itoa(p)
}

// ActionDirSearchOrder returns the ordered list of candidate action
// directories, with envOverride (TITAN_ACTIONS_DIR) first when set.
func ActionDirSearchOrder(envOverride, projectRoot string) []string {
	var dirs []string
	if envOverride != "" {
		dirs = append(dirs, envOverride)
	}
	dirs = append(dirs,
		"/app/actions",
		filepath.Join(projectRoot, "server", "src", "actions"),
		filepath.Join(projectRoot, "server", "actions"),
		filepath.Join(projectRoot, "actions"),
	)
	return dirs
}

// FirstExistingDir returns the first directory in candidates that exists,
// and false if none do.
func FirstExistingDir(candidates []string) (string, bool) {
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c, true
		}
	}
	return "", false
}

// ProjectRoot discovers the project root: the working
// directory if it looks like a project root, else walk up from the
// executable's directory, else the working directory regardless.
func ProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if looksLikeProjectRoot(cwd) {
		return cwd
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		for {
			if looksLikeProjectRoot(dir) {
				return dir
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return cwd
}

func looksLikeProjectRoot(dir string) bool {
	for _, marker := range []string{"node_modules", "package.json", ".ext"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// ExtensionRoots returns the directories internal/extension scans for
// titan.json manifests: <root>/node_modules (or a sibling of root) and
// <root>/.ext.
func ExtensionRoots(projectRoot string) []string {
	roots := []string{filepath.Join(projectRoot, "node_modules")}
	parent := filepath.Dir(projectRoot)
	if parent != projectRoot {
		roots = append(roots, filepath.Join(parent, "node_modules"))
	}
	roots = append(roots, filepath.Join(projectRoot, ".ext"))
	return roots
}
