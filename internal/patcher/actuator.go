package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/fs"
	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/model"
)

const artifactTimeLayout = "20060102T150405Z"

// Journal snapshots files of the target repository before propagation
// changes them, so a caller can undo the propagation later.
type Journal interface {
	Snapshot(repo string, files []string) error
}

// Actuator applies candidate diffs to a repository: whole when possible, hunk
// by hunk otherwise, always in a disposable copy when one can be made.
type Actuator struct {
	backends     Chain
	logger       *logging.Logger
	artifactRoot string
	repair       bool
	journal      Journal
	now          func() time.Time
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithArtifactRoot sets where per-attempt artifact directories are created.
func WithArtifactRoot(dir string) Option {
	return func(a *Actuator) { a.artifactRoot = dir }
}

// WithHeaderRepair retries a failed fragment once with a recomputed @@ header.
func WithHeaderRepair(enabled bool) Option {
	return func(a *Actuator) { a.repair = enabled }
}

// WithJournal registers a journal consulted before propagation.
func WithJournal(j Journal) Option {
	return func(a *Actuator) { a.journal = j }
}

func WithLogger(l *logging.Logger) Option {
	return func(a *Actuator) { a.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Actuator) { a.now = now }
}

// NewActuator creates an Actuator trying backends in order.
func NewActuator(backends Chain, opts ...Option) *Actuator {
	a := &Actuator{
		backends:     backends,
		logger:       logging.Nop(),
		artifactRoot: filepath.Join(os.TempDir(), "patchloop"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("actuator")
	return a
}

// report accumulates the streams of every step of one application.
type report struct {
	stdout strings.Builder
	stderr strings.Builder
}

func (r *report) add(step string, out Outcome) {
	if s := strings.TrimRight(out.Stdout, "\n"); s != "" {
		fmt.Fprintf(&r.stdout, "[%s]\n%s\n", step, s)
	}
	if s := strings.TrimRight(out.Stderr, "\n"); s != "" {
		fmt.Fprintf(&r.stderr, "[%s]\n%s\n", step, s)
	}
}

func (r *report) note(step, msg string) {
	fmt.Fprintf(&r.stderr, "[%s]\n%s\n", step, msg)
}

// Apply applies diffText to repo. With preferReconciled the whole diff is
// first tried as a single three-way application; on failure, or without it,
// every hunk is applied on its own and the ones that change their file count
// as applied. The refined diff is what the working copy actually gained. When
// the work happened in an isolated copy and at least one hunk applied, the
// refined diff is replayed onto repo.
//
// Apply never fails with an error: every problem ends up in the result's
// streams and counters.
func (a *Actuator) Apply(ctx context.Context, repo, diffText string, preferReconciled bool) model.ApplyResult {
	var rep report
	res := model.ApplyResult{}

	if abs, err := filepath.Abs(repo); err == nil {
		repo = abs
	}

	dir, err := a.newArtifactDir()
	if err != nil {
		a.logger.Warn(ctx, "could not create artifact directory", zap.Error(err))
		rep.note("artifacts", err.Error())
		dir, _ = os.MkdirTemp("", "patchloop-artifacts-")
	}
	res.ArtifactDir = dir
	a.writeArtifact(ctx, dir, "input.diff", diffText)

	fragments := SplitByHunk(diffText)
	res.TotalHunks = len(fragments)
	if len(fragments) == 0 {
		rep.note("segment", "diff contains no hunks")
		a.writeArtifact(ctx, dir, "refined.diff", "")
		return a.finish(ctx, res, &rep)
	}

	ws, backend := a.workspace(ctx, repo, &rep)
	defer ws.Close()
	res.Isolated = ws.Isolated
	if !ws.Isolated && a.journal != nil {
		a.snapshotDirect(ctx, repo, diffText, &rep)
	}

	// Line terminators are kept as given so diffs against CRLF files apply.
	candidate := joinLines(rawLines(diffText))
	candidatePath := a.writeArtifact(ctx, dir, "candidate.patch", candidate)

	var applied []model.HunkFragment
	whole := false
	if preferReconciled && candidatePath != "" {
		out := backend.ApplyWhole(ctx, ws, candidatePath)
		rep.add("whole", out)
		whole = out.OK
	}
	if whole {
		// A reconciled application counts as one unit.
		applied = fragments
		res.TotalHunks, res.AppliedHunks = 1, 1
	} else {
		applied = a.applyFragments(ctx, backend, ws, dir, fragments, &rep)
		res.AppliedHunks = len(applied)
	}
	res.OK = res.AppliedHunks > 0

	if res.OK {
		res.RefinedDiff = a.refine(ctx, backend, ws, applied, &rep)
	}
	refinedPath := a.writeArtifact(ctx, dir, "refined.diff", res.RefinedDiff)

	if res.OK && ws.Isolated && strings.TrimSpace(res.RefinedDiff) != "" {
		a.propagate(ctx, backend, repo, dir, refinedPath, &res, &rep)
	}
	return a.finish(ctx, res, &rep)
}

func (a *Actuator) finish(ctx context.Context, res model.ApplyResult, rep *report) model.ApplyResult {
	res.Stdout = rep.stdout.String()
	res.Stderr = rep.stderr.String()
	a.logger.Info(ctx, "diff actuated",
		zap.Bool("ok", res.OK),
		zap.Int("hunks_total", res.TotalHunks),
		zap.Int("hunks_applied", res.AppliedHunks),
		zap.Bool("isolated", res.Isolated),
		zap.Bool("propagated", res.Propagated),
		zap.String("artifacts", res.ArtifactDir),
	)
	return res
}

// workspace picks the first backend that can isolate repo, then the first
// that can operate on it directly. Without either it returns repo itself
// paired with a backend that fails every operation.
func (a *Actuator) workspace(ctx context.Context, repo string, rep *report) (*Workspace, Backend) {
	available := a.backends.Available()
	for _, b := range available {
		ws, err := b.Isolate(ctx, repo)
		if err == nil {
			a.logger.Debug(ctx, "isolated working copy", zap.String("backend", b.Name()), zap.String("dir", ws.Dir))
			return ws, b
		}
		a.logger.Debug(ctx, "isolation failed", zap.String("backend", b.Name()), zap.Error(err))
		rep.note("isolate:"+b.Name(), err.Error())
	}
	for _, b := range available {
		ws, err := b.Direct(ctx, repo)
		if err == nil {
			a.logger.Warn(ctx, "applying directly to the target repository", zap.String("backend", b.Name()))
			return ws, b
		}
		rep.note("direct:"+b.Name(), err.Error())
	}
	a.logger.Warn(ctx, "no patch backend available", zap.String("repo", repo))
	rep.note("workspace", ErrToolUnavailable.Error())
	return &Workspace{Dir: repo}, noBackend{}
}

func (a *Actuator) applyFragments(ctx context.Context, backend Backend, ws *Workspace, dir string, fragments []model.HunkFragment, rep *report) []model.HunkFragment {
	var applied []model.HunkFragment
	for i, frag := range fragments {
		step := fmt.Sprintf("hunk_%d", i)
		target := ""
		if p := TargetPath(frag); p != "" && fs.Within(p) {
			target = filepath.Join(ws.Dir, filepath.FromSlash(p))
		}

		patchPath := a.writeArtifact(ctx, dir, step+".patch", frag.Text())
		if patchPath == "" {
			msg := "could not write fragment patch; hunk not attempted"
			rep.note(step, msg)
			a.appendArtifact(ctx, dir, step+".reject.txt", msg+"\n")
			continue
		}
		out, changed := a.applyOne(ctx, backend, ws.Dir, patchPath, target)
		rep.add(step, out)
		a.collectReject(ctx, target, filepath.Join(dir, step+".reject.txt"))

		if !out.OK && !changed && a.repair && target != "" {
			if rOut, rChanged, tried := a.retryRepaired(ctx, backend, ws.Dir, dir, step, frag, target, rep); tried {
				out, changed = rOut, rChanged
			}
		}
		if out.OK || changed {
			applied = append(applied, frag)
			continue
		}
		a.logger.Debug(ctx, "hunk rejected", zap.Int("hunk", i), zap.String("file", TargetPath(frag)))
		diag := out.Diagnostic()
		if strings.TrimSpace(diag) == "" {
			diag = "hunk did not apply\n"
		}
		a.appendArtifact(ctx, dir, step+".reject.txt", diag)
	}
	return applied
}

func (a *Actuator) retryRepaired(ctx context.Context, backend Backend, workDir, dir, step string, frag model.HunkFragment, target string, rep *report) (Outcome, bool, bool) {
	content, ok := fs.ReadIfExists(target)
	if !ok {
		return Outcome{}, false, false
	}
	repaired, ok := RepairFragment(frag, splitLines(content))
	if !ok {
		return Outcome{}, false, false
	}
	patchPath := a.writeArtifact(ctx, dir, step+".repaired.patch", repaired.Text())
	if patchPath == "" {
		return Outcome{}, false, false
	}
	out, changed := a.applyOne(ctx, backend, workDir, patchPath, target)
	rep.add(step+":repaired", out)
	a.collectReject(ctx, target, filepath.Join(dir, step+".reject.txt"))
	return out, changed, true
}

// applyOne applies one patch file and reports whether target changed, which
// includes it appearing or disappearing.
func (a *Actuator) applyOne(ctx context.Context, backend Backend, workDir, patchPath, target string) (Outcome, bool) {
	var before string
	var existed bool
	if target != "" {
		before, existed = fs.ReadIfExists(target)
	}
	out := backend.ApplyFragment(ctx, workDir, patchPath)
	if target == "" {
		return out, false
	}
	after, exists := fs.ReadIfExists(target)
	return out, existed != exists || before != after
}

// collectReject moves target's reject file, if any, into the artifact at dst.
func (a *Actuator) collectReject(ctx context.Context, target, dst string) {
	if target == "" {
		return
	}
	rej := target + ".rej"
	content, ok := fs.ReadIfExists(rej)
	if !ok {
		return
	}
	a.appendArtifact(ctx, filepath.Dir(dst), filepath.Base(dst), content)
	if err := os.Remove(rej); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn(ctx, "could not remove reject file", zap.String("path", rej), zap.Error(err))
	}
}

// refine returns the working copy's diff against its baseline, or the applied
// fragments joined together when that diff is unavailable.
func (a *Actuator) refine(ctx context.Context, backend Backend, ws *Workspace, applied []model.HunkFragment, rep *report) string {
	diff, out := backend.DiffBaseline(ctx, ws)
	if out.OK && strings.TrimSpace(diff) != "" {
		return diff
	}
	if !out.OK {
		rep.add("refine", out)
	}
	a.logger.Debug(ctx, "falling back to applied fragments for the refined diff")
	var b strings.Builder
	for _, f := range applied {
		b.WriteString(f.Text())
	}
	return b.String()
}

func (a *Actuator) propagate(ctx context.Context, backend Backend, repo, dir, refinedPath string, res *model.ApplyResult, rep *report) {
	fail := func(msg string) {
		res.PropagateError = msg
		rep.note("propagate", msg)
		a.writeArtifact(ctx, dir, "propagate.txt", msg)
		a.logger.Warn(ctx, "propagation failed", zap.String("repo", repo), zap.String("reason", msg))
	}

	if refinedPath == "" {
		fail("refined diff was not saved")
		return
	}
	files := ChangedFiles(res.RefinedDiff)
	if a.journal != nil {
		if err := a.journal.Snapshot(repo, files); err != nil {
			fail(fmt.Sprintf("could not snapshot files before propagation: %v", err))
			return
		}
	}

	out := backend.ApplyFragment(ctx, repo, refinedPath)
	var rejects strings.Builder
	for _, f := range files {
		if !fs.Within(f) {
			continue
		}
		target := filepath.Join(repo, filepath.FromSlash(f))
		if content, ok := fs.ReadIfExists(target + ".rej"); ok {
			fmt.Fprintf(&rejects, "%s.rej:\n%s\n", f, content)
			_ = os.Remove(target + ".rej")
		}
	}
	if !out.OK {
		fail(strings.TrimSpace(out.Diagnostic() + "\n" + rejects.String()))
		return
	}
	res.Propagated = true
}

// snapshotDirect journals the files a diff names before it is applied straight
// to the target repository.
func (a *Actuator) snapshotDirect(ctx context.Context, repo, diffText string, rep *report) {
	var files []string
	for _, f := range ChangedFiles(diffText) {
		if fs.Within(f) {
			files = append(files, f)
		}
	}
	if err := a.journal.Snapshot(repo, files); err != nil {
		a.logger.Warn(ctx, "could not snapshot files before direct application", zap.Error(err))
		rep.note("journal", err.Error())
	}
}

// newArtifactDir creates <root>/actuator/<UTC timestamp>, adding a numeric
// suffix when the name is taken.
func (a *Actuator) newArtifactDir() (string, error) {
	parent := filepath.Join(a.artifactRoot, "actuator")
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("could not create %s: %w", parent, err)
	}
	base := filepath.Join(parent, a.now().UTC().Format(artifactTimeLayout))
	name := base
	for n := 1; ; n++ {
		err := os.Mkdir(name, 0755)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("could not create %s: %w", name, err)
		}
		name = fmt.Sprintf("%s-%d", base, n)
	}
}

// writeArtifact saves content under dir and returns its path, or "" when
// there is no artifact directory or the write failed.
func (a *Actuator) writeArtifact(ctx context.Context, dir, name, content string) string {
	if dir == "" {
		return ""
	}
	path := filepath.Join(dir, name)
	if err := fs.WriteFile(path, []byte(content), 0644); err != nil {
		a.logger.Warn(ctx, "could not write artifact", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}

func (a *Actuator) appendArtifact(ctx context.Context, dir, name, content string) {
	if dir == "" || content == "" {
		return
	}
	if existing, ok := fs.ReadIfExists(filepath.Join(dir, name)); ok {
		if !strings.HasSuffix(existing, "\n") {
			existing += "\n"
		}
		content = existing + content
	}
	a.writeArtifact(ctx, dir, name, content)
}
