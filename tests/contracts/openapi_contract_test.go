// Package contracts checks that api/openapi.yaml's path list hasn't
// drifted from the routes cmd/llmlb/server.go and config/api.go
// actually register, catching the case where a route is added (or
// renamed) in code without updating the published contract.
package contracts

import (
	"bufio"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestOpenAPIPathsMatchRuntimeRoutes(t *testing.T) {
	repoRoot := resolveRepoRoot(t)

	runtimeRoutes := make(map[string]struct{})
	mergeRouteSet(runtimeRoutes, mustParseHandleFuncRoutes(t, filepath.Join(repoRoot, "cmd", "llmlb", "server.go")))
	mergeRouteSet(runtimeRoutes, mustParseHandleFuncRoutes(t, filepath.Join(repoRoot, "config", "api.go")))

	docRoutes := mustParseOpenAPIPaths(t, filepath.Join(repoRoot, "api", "openapi.yaml"))

	runtimeSorted := sortedRouteKeys(runtimeRoutes)
	docSorted := sortedRouteKeys(docRoutes)

	if !reflect.DeepEqual(runtimeSorted, docSorted) {
		t.Fatalf("openapi paths mismatch runtime routes\nopenapi=%v\nruntime=%v", docSorted, runtimeSorted)
	}
}

func resolveRepoRoot(t *testing.T) string {
	t.Helper()
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve current file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(currentFile), "..", ".."))
}

// handleFuncRoutePattern matches both the Go 1.22+ "METHOD /path"
// pattern style cmd/llmlb/server.go registers its routes with and the
// bare "/path" style config/api.go uses for its own, internal-only
// surface.
var handleFuncRoutePattern = regexp.MustCompile(`^\s*mux\.HandleFunc\("([^"]+)"`)

func mustParseHandleFuncRoutes(t *testing.T, path string) map[string]struct{} {
	t.Helper()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open route source %s: %v", path, err)
	}
	defer file.Close()

	routes := make(map[string]struct{})

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "//") {
			continue
		}
		match := handleFuncRoutePattern.FindStringSubmatch(line)
		if len(match) != 2 {
			continue
		}
		routes[routePath(match[1])] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		t.Fatalf("scan route source %s: %v", path, err)
	}

	return routes
}

// routePath strips a leading HTTP method ("GET /healthz" -> "/healthz")
// so method-qualified and bare registrations compare equal to the
// path-only keys an OpenAPI document's `paths` map uses.
func routePath(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

func mustParseOpenAPIPaths(t *testing.T, path string) map[string]struct{} {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read openapi file %s: %v", path, err)
	}

	var doc struct {
		Paths map[string]any `yaml:"paths"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse openapi file %s: %v", path, err)
	}

	routes := make(map[string]struct{}, len(doc.Paths))
	for route := range doc.Paths {
		routes[route] = struct{}{}
	}

	return routes
}

func mergeRouteSet(dst map[string]struct{}, src map[string]struct{}) {
	for route := range src {
		dst[route] = struct{}{}
	}
}

func sortedRouteKeys(routes map[string]struct{}) []string {
	keys := make([]string, 0, len(routes))
	for route := range routes {
		keys = append(keys, route)
	}
	sort.Strings(keys)
	return keys
}
