// Package extension discovers and loads native extension modules: it
// scans the project's module directories for titan.json manifests, loads
// the shared libraries they declare via purego (no cgo), and registers
// typed native function entries that scripts invoke through
// __titan_invoke_native(index, args).
//
// # Safety contract
//
// The engine trusts manifests. A declared signature that does not match
// the library symbol's real ABI is undefined behavior at the call
// boundary; nothing here can detect it. Parameter counts 0, 1, and 2 are
// supported for the common type combinations; the registry entry for an
// unsupported combination is a stub returning null rather than a load
// failure, so one exotic function does not unload its whole module.
package extension

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/t8nlab/titan/internal/logging"
	"github.com/t8nlab/titan/internal/titanerr"
)

// maxScanDepth bounds the titan.json search below each extension root.
const maxScanDepth = 4

// ParamType is a declared native parameter type.
type ParamType string

// ReturnType is a declared native result type.
type ReturnType string

const (
	TypeString ParamType = "string"
	TypeF64    ParamType = "f64"
	TypeBool   ParamType = "bool"
	TypeJSON   ParamType = "json"
	TypeBuffer ParamType = "buffer"

	RetString ReturnType = "string"
	RetF64    ReturnType = "f64"
	RetBool   ReturnType = "bool"
	RetJSON   ReturnType = "json"
	RetBuffer ReturnType = "buffer"
	RetVoid   ReturnType = "void"
)

// Signature is a native function's declared shape.
type Signature struct {
	Params []ParamType
	Ret    ReturnType
}

// NativeEntry is one registered native function: a generic invoker built
// over the resolved symbol plus the declared signature used for argument
// coercion.
type NativeEntry struct {
	Invoke func(args []any) any
	Sig    Signature
}

// Module is one loaded extension: its name, the script entry source, and
// the function-name→registry-index map for its natives.
type Module struct {
	Name string
	JS   string
	Map  map[string]int
}

// Registry holds every loaded module and native entry. It is built once
// at startup and read-only thereafter; the engine injects it into each
// isolate.
type Registry struct {
	Modules []Module
	Natives []NativeEntry
}

// Native returns the entry at index, or nil when out of range.
func (r *Registry) Native(index int) *NativeEntry {
	if r == nil || index < 0 || index >= len(r.Natives) {
		return nil
	}
	return &r.Natives[index]
}

type manifest struct {
	Name   string          `json:"name"`
	Main   string          `json:"main"`
	Native *manifestNative `json:"native"`
}

type manifestNative struct {
	Path      string                  `json:"path"`
	Functions map[string]manifestFunc `json:"functions"`
}

type manifestFunc struct {
	Symbol     string   `json:"symbol"`
	Parameters []string `json:"parameters"`
	Result     string   `json:"result"`
}

func parseParamType(s string) ParamType {
	switch ParamType(strings.ToLower(s)) {
	case TypeString, TypeF64, TypeBool, TypeJSON, TypeBuffer:
		return ParamType(strings.ToLower(s))
	default:
		return TypeJSON
	}
}

func parseReturnType(s string) ReturnType {
	switch ReturnType(strings.ToLower(s)) {
	case RetString, RetF64, RetBool, RetJSON, RetBuffer:
		return ReturnType(strings.ToLower(s))
	default:
		return RetVoid
	}
}

// Load scans each root for titan.json manifests and builds the registry.
// A malformed manifest or unloadable library is a ConfigError that skips
// only that manifest; the scan continues.
func Load(roots []string) *Registry {
	reg := &Registry{}
	log := logging.Default()
	for _, root := range roots {
		manifests := findManifests(root)
		for _, path := range manifests {
			if err := loadManifest(reg, path); err != nil {
				log.Warn("skipping extension manifest", zap.String("path", path), zap.Error(err))
			}
		}
	}
	return reg
}

func findManifests(root string) []string {
	var found []string
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil
	}
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.Count(filepath.Clean(path), string(filepath.Separator))-rootDepth >= maxScanDepth {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == "titan.json" {
			found = append(found, path)
		}
		return nil
	})
	return found
}

func loadManifest(reg *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return titanerr.Wrap(titanerr.KindConfig, "unreadable titan.json", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return titanerr.Wrap(titanerr.KindConfig, "malformed titan.json", err)
	}
	if m.Name == "" || m.Main == "" {
		return titanerr.New(titanerr.KindConfig, "titan.json missing name or main")
	}

	dir := filepath.Dir(path)
	indices := map[string]int{}

	if m.Native != nil {
		libPath := filepath.Join(dir, m.Native.Path)
		lib, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return titanerr.Wrap(titanerr.KindConfig, "failed to load native library", err)
		}
		for fnName, fn := range m.Native.Functions {
			sym, err := purego.Dlsym(lib, fn.Symbol)
			if err != nil || sym == 0 {
				logging.Default().Warn("native symbol not found",
					zap.String("symbol", fn.Symbol), zap.String("module", m.Name))
				continue
			}
			sig := Signature{Ret: parseReturnType(fn.Result)}
			for _, p := range fn.Parameters {
				sig.Params = append(sig.Params, parseParamType(p))
			}
			entry := NativeEntry{Invoke: buildInvoker(sym, sig), Sig: sig}
			indices[fnName] = len(reg.Natives)
			reg.Natives = append(reg.Natives, entry)
		}
	}

	jsPath := filepath.Join(dir, m.Main)
	js, err := os.ReadFile(jsPath)
	if err != nil {
		return titanerr.Wrap(titanerr.KindConfig, "unreadable extension entry script", err)
	}

	reg.Modules = append(reg.Modules, Module{Name: m.Name, JS: string(js), Map: indices})
	logging.Default().Info("extension loaded", zap.String("name", m.Name),
		zap.Int("natives", len(indices)))
	return nil
}
