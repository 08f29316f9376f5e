// Package graph maps files, symbols and tests onto modules of the target
// repository and knows which modules depend on which.
package graph

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sokinpui/patchloop/internal/patcher"
)

// Graph is the dependency information the planner and orchestrator consume.
type Graph interface {
	OwnersOf(symbol string) []string
	ModuleForFile(file string) string
	TestsForModule(module string) []string
	ReverseDeps(module string) []string
}

// Module is one node of the graph file.
type Module struct {
	Name string `yaml:"name"`
	// Files are slash-separated path prefixes owned by the module.
	Files   []string `yaml:"files"`
	Deps    []string `yaml:"deps"`
	Tests   []string `yaml:"tests"`
	Symbols []string `yaml:"symbols"`
}

type document struct {
	Modules []Module `yaml:"modules"`
}

// Static is a Graph read from a YAML description.
type Static struct {
	modules []Module
	byName  map[string]*Module
	reverse map[string][]string
}

// New indexes modules. Later duplicates of a name are ignored.
func New(modules []Module) *Static {
	s := &Static{
		byName:  make(map[string]*Module, len(modules)),
		reverse: make(map[string][]string),
	}
	for _, m := range modules {
		if m.Name == "" {
			continue
		}
		if _, ok := s.byName[m.Name]; ok {
			continue
		}
		s.modules = append(s.modules, m)
	}
	for i := range s.modules {
		m := &s.modules[i]
		s.byName[m.Name] = m
		for _, dep := range m.Deps {
			s.reverse[dep] = append(s.reverse[dep], m.Name)
		}
	}
	for dep := range s.reverse {
		sort.Strings(s.reverse[dep])
	}
	return s
}

// Load reads a graph file. An empty path yields an empty graph.
func Load(file string) (*Static, error) {
	if file == "" {
		return New(nil), nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("could not open graph file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a YAML graph document. Unknown keys are rejected.
func Decode(r io.Reader) (*Static, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not parse graph file: %w", err)
	}
	return New(doc.Modules), nil
}

// Modules returns the module names in declaration order.
func (s *Static) Modules() []string {
	names := make([]string, 0, len(s.modules))
	for _, m := range s.modules {
		names = append(names, m.Name)
	}
	return names
}

// FilesForModule returns the path prefixes a module owns.
func (s *Static) FilesForModule(module string) []string {
	if m, ok := s.byName[module]; ok {
		return m.Files
	}
	return nil
}

func (s *Static) OwnersOf(symbol string) []string {
	var owners []string
	for _, m := range s.modules {
		for _, sym := range m.Symbols {
			if sym == symbol {
				owners = append(owners, m.Name)
				break
			}
		}
	}
	return owners
}

// ModuleForFile returns the module with the longest path prefix covering
// file, or "" when no module owns it.
func (s *Static) ModuleForFile(file string) string {
	file = path.Clean(strings.TrimPrefix(file, "./"))
	best, bestLen := "", -1
	for _, m := range s.modules {
		for _, prefix := range m.Files {
			p := strings.TrimSuffix(path.Clean(strings.TrimPrefix(prefix, "./")), "/")
			if !covers(p, file) {
				continue
			}
			if len(p) > bestLen {
				best, bestLen = m.Name, len(p)
			}
		}
	}
	return best
}

func covers(prefix, file string) bool {
	if prefix == "." || prefix == "" {
		return true
	}
	return file == prefix || strings.HasPrefix(file, prefix+"/")
}

func (s *Static) TestsForModule(module string) []string {
	if m, ok := s.byName[module]; ok {
		return m.Tests
	}
	return nil
}

// ReverseDeps returns the modules that declare module as a dependency.
func (s *Static) ReverseDeps(module string) []string {
	return s.reverse[module]
}

// ImpactedFromDiff returns the files a diff changes and the modules they
// impact: their owners followed by the direct dependents of those owners.
func ImpactedFromDiff(diff string, g Graph) (files, modules []string) {
	files = patcher.ChangedFiles(diff)
	seen := make(map[string]struct{})
	add := func(m string) {
		if m == "" {
			return
		}
		if _, ok := seen[m]; ok {
			return
		}
		seen[m] = struct{}{}
		modules = append(modules, m)
	}

	var owners []string
	for _, f := range files {
		if m := g.ModuleForFile(f); m != "" {
			owners = append(owners, m)
			add(m)
		}
	}
	for _, m := range owners {
		for _, dep := range g.ReverseDeps(m) {
			add(dep)
		}
	}
	return files, modules
}

// TestIDs maps modules to their test identifiers, deduplicated in order.
func TestIDs(g Graph, modules []string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, m := range modules {
		for _, id := range g.TestsForModule(m) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
