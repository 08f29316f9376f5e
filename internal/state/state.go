// Package state journals the files propagation touches in the target
// repository so that a failed iteration can be undone.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sokinpui/patchloop/internal/fs"
)

const (
	stateFileName = "journal.state"
	TrashDir      = "trash"
	// noHash stands in for a missing file so that entries never contain
	// blank lines.
	noHash = "-"
)

// Actions recorded for a journaled file.
const (
	ActionModify = "modify"
	ActionCreate = "create"
)

// Operation is one file the journal took responsibility for.
type Operation struct {
	Path   string
	Action string
	// ContentHash is the SHA256 of the file content after the operation
	// once committed, or of the saved original while pending.
	ContentHash string
}

// HistoryEntry is one committed propagation.
type HistoryEntry struct {
	Timestamp  int64
	Repo       string
	Operations []Operation
}

// State is the persisted journal history.
type State struct {
	History []HistoryEntry
}

type pending struct {
	repo      string
	timestamp int64
	ops       map[string]Operation
}

// Manager keeps the history file and the backups of pending snapshots.
type Manager struct {
	statePath string
	state     *State
	pending   *pending
	StateDir  string
	now       func() time.Time
}

// New creates a Manager storing its files under stateDir.
func New(stateDir string) (*Manager, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create state directory: %w", err)
	}
	m := &Manager{
		statePath: filepath.Join(stateDir, stateFileName),
		StateDir:  stateDir,
		now:       time.Now,
	}
	if err := m.load(); err != nil {
		m.state = &State{}
	}
	return m, nil
}

// History returns the committed entries, oldest first.
func (m *Manager) History() []HistoryEntry {
	return m.state.History
}

func (m *Manager) trashFor(ts int64) string {
	return filepath.Join(m.StateDir, TrashDir, strconv.FormatInt(ts, 10))
}

// Snapshot saves the current content of files under repo before they are
// changed. Files already saved by an earlier snapshot of the same pending
// entry keep their first copy. Files that do not exist yet are recorded as
// creations.
func (m *Manager) Snapshot(repo string, files []string) error {
	if m.pending != nil && m.pending.repo != repo {
		return fmt.Errorf("pending snapshot belongs to %s", m.pending.repo)
	}
	if m.pending == nil {
		m.pending = &pending{
			repo:      repo,
			timestamp: m.now().UTC().UnixNano(),
			ops:       make(map[string]Operation),
		}
	}
	trash := m.trashFor(m.pending.timestamp)

	for _, f := range files {
		if !fs.Within(f) {
			return fmt.Errorf("path %q escapes the repository", f)
		}
		if _, ok := m.pending.ops[f]; ok {
			continue
		}
		src := filepath.Join(repo, filepath.FromSlash(f))
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			m.pending.ops[f] = Operation{Path: f, Action: ActionCreate}
			continue
		}
		if err := fs.CopyFile(src, filepath.Join(trash, filepath.FromSlash(f))); err != nil {
			return fmt.Errorf("could not back up %s: %w", f, err)
		}
		hash, err := fs.GetFileSHA256(src)
		if err != nil {
			return fmt.Errorf("could not hash %s: %w", f, err)
		}
		m.pending.ops[f] = Operation{Path: f, Action: ActionModify, ContentHash: hash}
	}
	return nil
}

// Pending lists the operations of the open snapshot, sorted by path.
func (m *Manager) Pending() []Operation {
	if m.pending == nil {
		return nil
	}
	return m.pending.sorted()
}

func (p *pending) sorted() []Operation {
	ops := make([]Operation, 0, len(p.ops))
	for _, op := range p.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Path < ops[j].Path
	})
	return ops
}

// Rollback restores every file of the open snapshot to its saved content and
// removes files it recorded as created. It returns the restored paths.
func (m *Manager) Rollback() ([]string, error) {
	if m.pending == nil {
		return nil, nil
	}
	p := m.pending
	trash := m.trashFor(p.timestamp)

	var restored []string
	var errs []error
	for _, op := range p.sorted() {
		dst := filepath.Join(p.repo, filepath.FromSlash(op.Path))
		switch op.Action {
		case ActionCreate:
			if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("could not remove %s: %w", op.Path, err))
				continue
			}
		default:
			if err := fs.CopyFile(filepath.Join(trash, filepath.FromSlash(op.Path)), dst); err != nil {
				errs = append(errs, fmt.Errorf("could not restore %s: %w", op.Path, err))
				continue
			}
			if hash, err := fs.GetFileSHA256(dst); err != nil || hash != op.ContentHash {
				errs = append(errs, fmt.Errorf("restored %s does not match its snapshot", op.Path))
				continue
			}
		}
		restored = append(restored, op.Path)
	}

	m.pending = nil
	if len(errs) == 0 {
		_ = os.RemoveAll(trash)
	}
	return restored, errors.Join(errs...)
}

// Commit accepts the open snapshot: it is appended to the history with the
// hashes of the files as they are now, and its backups are discarded.
func (m *Manager) Commit() error {
	if m.pending == nil {
		return nil
	}
	p := m.pending
	m.pending = nil

	entry := HistoryEntry{Timestamp: p.timestamp, Repo: p.repo}
	for _, op := range p.sorted() {
		hash, err := fs.GetFileSHA256(filepath.Join(p.repo, filepath.FromSlash(op.Path)))
		if err != nil {
			hash = ""
		}
		op.ContentHash = hash
		entry.Operations = append(entry.Operations, op)
	}
	m.state.History = append(m.state.History, entry)
	_ = os.RemoveAll(m.trashFor(p.timestamp))
	return m.save()
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = &State{}
			return nil
		}
		return err
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	m.state = &State{}
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		if len(lines) < 2 {
			return fmt.Errorf("invalid state file: incomplete entry")
		}

		ts, err := strconv.ParseInt(lines[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid state file: could not parse timestamp from '%s': %w", lines[0], err)
		}
		entry := HistoryEntry{Timestamp: ts, Repo: lines[1]}

		opLines := lines[2:]
		if len(opLines)%3 != 0 {
			return fmt.Errorf("invalid state file: incomplete operation record")
		}
		for i := 0; i < len(opLines); i += 3 {
			hash := opLines[i+2]
			if hash == noHash {
				hash = ""
			}
			entry.Operations = append(entry.Operations, Operation{
				Action:      opLines[i],
				Path:        opLines[i+1],
				ContentHash: hash,
			})
		}
		m.state.History = append(m.state.History, entry)
	}
	return nil
}

func (m *Manager) save() error {
	var blocks []string
	for _, entry := range m.state.History {
		lines := []string{strconv.FormatInt(entry.Timestamp, 10), entry.Repo}
		for _, op := range entry.Operations {
			hash := op.ContentHash
			if hash == "" {
				hash = noHash
			}
			lines = append(lines, op.Action, op.Path, hash)
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}

	if err := os.WriteFile(m.statePath, []byte(strings.Join(blocks, "\n\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("could not write state file: %w", err)
	}
	return nil
}
