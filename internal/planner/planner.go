// Package planner turns an objective into a plan: the modules it names, the
// files and tests those modules own, and lessons from similar past runs.
package planner

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/graph"
	"github.com/sokinpui/patchloop/internal/lessons"
	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/model"
)

// LessonSource ranks past lessons against a query.
type LessonSource interface {
	Retrieve(q lessons.Query, k int) ([]model.LessonCard, error)
}

// fileLister is implemented by graphs that know which paths a module owns.
type fileLister interface {
	FilesForModule(module string) []string
}

// Planner builds plans against one graph.
type Planner struct {
	graph   graph.Graph
	lessons LessonSource
	topK    int
	logger  *logging.Logger
}

// New returns a planner. lessons may be nil.
func New(g graph.Graph, src LessonSource, topK int, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Planner{graph: g, lessons: src, topK: topK, logger: logger.Named("planner")}
}

// Plan derives a plan for objective. Lesson lookup failures are logged and
// leave the plan without notes.
func (p *Planner) Plan(ctx context.Context, objective string) model.Plan {
	modules := ModulesFromObjective(objective, p.graph)
	plan := model.Plan{
		Objective:    objective,
		Modules:      modules,
		Files:        p.files(modules),
		TestPatterns: TestsForModules(p.graph, modules),
	}

	if p.lessons != nil && p.topK > 0 {
		cards, err := p.lessons.Retrieve(lessons.Query{Objective: objective, Modules: modules}, p.topK)
		if err != nil {
			p.logger.Warn(ctx, "lesson lookup failed", zap.Error(err))
		}
		for _, c := range cards {
			plan.Notes = append(plan.Notes, lessons.Note(c))
		}
	}

	p.logger.Debug(ctx, "plan built",
		zap.Strings("modules", plan.Modules),
		zap.Int("tests", len(plan.TestPatterns)),
		zap.Int("notes", len(plan.Notes)))
	return plan
}

func (p *Planner) files(modules []string) []string {
	fl, ok := p.graph.(fileLister)
	if !ok {
		return nil
	}
	var files []string
	seen := make(map[string]struct{})
	for _, m := range modules {
		for _, f := range fl.FilesForModule(m) {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			files = append(files, f)
		}
	}
	return files
}

// ModulesFromObjective picks module-like tokens out of free text, in order of
// first appearance. Dotted identifiers such as "pkg.client" are taken as
// module names; slashed paths such as "pkg/client/retry.go" are resolved to
// their owning module through g when one is known.
func ModulesFromObjective(objective string, g graph.Graph) []string {
	var mods []string
	seen := make(map[string]struct{})
	add := func(m string) {
		if _, ok := seen[m]; ok || m == "" {
			return
		}
		seen[m] = struct{}{}
		mods = append(mods, m)
	}

	for _, tok := range strings.Fields(objective) {
		tok = strings.Trim(tok, ",.:;`'\"()")
		switch {
		case strings.Contains(tok, "/"):
			if g != nil {
				add(g.ModuleForFile(tok))
			}
		case isDotted(tok):
			add(tok)
		}
	}
	return mods
}

func isDotted(tok string) bool {
	parts := strings.Split(tok, ".")
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if !isIdentifier(part) {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

// TestsForModules collects the tests of modules, sorted and deduplicated.
// An empty result means the full suite is the only selection.
func TestsForModules(g graph.Graph, modules []string) []string {
	if g == nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, m := range modules {
		for _, t := range g.TestsForModule(m) {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	tests := make([]string, 0, len(set))
	for t := range set {
		tests = append(tests, t)
	}
	sort.Strings(tests)
	return tests
}
