// Package modules bundles an in-memory ES module graph into a classic
// script an engine without module support can evaluate.
package modules

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// ErrNotFound is returned when an entry point or import cannot be resolved
// against the registered modules.
var ErrNotFound = errors.New("module not found")

const namespace = "jsbridge-module"

// Graph is a set of named module sources. It is safe for concurrent use.
type Graph struct {
	mu      sync.RWMutex
	sources map[string]string
}

// NewGraph returns an empty module graph.
func NewGraph() *Graph {
	return &Graph{sources: make(map[string]string)}
}

// Normalize cleans a specifier: relative and absolute paths are cleaned,
// bare names are kept as they are.
func Normalize(specifier string) string {
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/") {
		return path.Clean(specifier)
	}
	return specifier
}

// Add registers or replaces a module.
func (g *Graph) Add(specifier, source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[Normalize(specifier)] = source
}

// Specifiers lists the registered modules in sorted order.
func (g *Graph) Specifiers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.sources))
	for s := range g.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) lookup(specifier string) (string, string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, candidate := range []string{specifier, specifier + ".js", specifier + ".mjs"} {
		if src, ok := g.sources[candidate]; ok {
			return candidate, src, true
		}
	}
	return "", "", false
}

// resolve maps an import to a registered specifier. Relative imports are
// resolved against the importing module's directory.
func (g *Graph) resolve(importer, specifier string) (string, bool) {
	if importer != "" && (strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../")) {
		specifier = path.Join(path.Dir(importer), specifier)
	}
	name, _, ok := g.lookup(Normalize(specifier))
	return name, ok
}

// Bundle links entry and everything it imports into one IIFE that assigns
// the entry's namespace object to the global property globalName. The
// binding esbuild declares is kept function scoped so the property stays
// deletable.
func (g *Graph) Bundle(entry, globalName string) (string, error) {
	entry = Normalize(entry)
	if _, ok := g.resolve("", entry); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, entry)
	}

	var (
		mu      sync.Mutex
		missing []string
	)
	plugin := esbuild.Plugin{
		Name: "jsbridge-modules",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					name, ok := g.resolve(args.Importer, args.Path)
					if !ok {
						mu.Lock()
						missing = append(missing, args.Path)
						mu.Unlock()
						return esbuild.OnResolveResult{}, fmt.Errorf("%w: %s", ErrNotFound, args.Path)
					}
					return esbuild.OnResolveResult{Path: name, Namespace: namespace}, nil
				})
			build.OnLoad(esbuild.OnLoadOptions{Filter: ".*", Namespace: namespace},
				func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
					_, src, ok := g.lookup(args.Path)
					if !ok {
						return esbuild.OnLoadResult{}, fmt.Errorf("%w: %s", ErrNotFound, args.Path)
					}
					return esbuild.OnLoadResult{Contents: &src, Loader: esbuild.LoaderJS}, nil
				})
		},
	}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Format:      esbuild.FormatIIFE,
		GlobalName:  globalName,
		Banner:      map[string]string{"js": "(function() {"},
		Footer:      map[string]string{"js": fmt.Sprintf("globalThis.%s = %s;\n})();", globalName, globalName)},
		Platform:    esbuild.PlatformNeutral,
		Target:      esbuild.ES2022,
		TreeShaking: esbuild.TreeShakingFalse,
		LogLevel:    esbuild.LogLevelSilent,
		Plugins:     []esbuild.Plugin{plugin},
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, strings.Join(missing, ", "))
	}
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", entry, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling produced no output")
	}
	return string(result.OutputFiles[0].Contents), nil
}
