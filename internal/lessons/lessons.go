// Package lessons keeps an append-only record of iterations that passed every
// gate and ranks past records against a new objective.
package lessons

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sokinpui/patchloop/model"
)

// maxLineSize bounds a single stored card.
const maxLineSize = 4 * 1024 * 1024

// Query describes what a new run is about.
type Query struct {
	Objective string
	Modules   []string
}

// Store is a JSON-lines file of lesson cards.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open returns a store backed by path. The file is created on first Record.
func Open(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Record appends card. Missing run ids and timestamps are filled in.
func (s *Store) Record(card model.LessonCard) error {
	if card.RunID == "" {
		card.RunID = uuid.NewString()
	}
	if card.RecordedAt.IsZero() {
		card.RecordedAt = s.now().UTC()
	}
	line, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("could not encode lesson: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("could not create lesson directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("could not open lesson store: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("could not append lesson: %w", err)
	}
	return f.Close()
}

// All returns every readable card in insertion order. Lines that are not
// valid cards are skipped.
func (s *Store) All() ([]model.LessonCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not open lesson store: %w", err)
	}
	defer f.Close()

	var cards []model.LessonCard
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var card model.LessonCard
		if err := json.Unmarshal([]byte(line), &card); err != nil {
			continue
		}
		cards = append(cards, card)
	}
	if err := sc.Err(); err != nil {
		return cards, fmt.Errorf("could not read lesson store: %w", err)
	}
	return cards, nil
}

// Retrieve returns up to k cards related to q, best first. Cards that share
// nothing with q are never returned.
func (s *Store) Retrieve(q Query, k int) ([]model.LessonCard, error) {
	if k <= 0 {
		return nil, nil
	}
	cards, err := s.All()
	if err != nil {
		return nil, err
	}

	type scored struct {
		card  model.LessonCard
		score int
	}
	ranked := make([]scored, 0, len(cards))
	for _, c := range cards {
		if sc := Score(q, c); sc > 0 {
			ranked = append(ranked, scored{c, sc})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]model.LessonCard, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.card)
	}
	return out, nil
}

// Score weighs shared objective words twice as much as shared modules.
func Score(q Query, card model.LessonCard) int {
	return 2*overlap(words(q.Objective), words(card.Objective)) + overlap(set(q.Modules), set(card.Modules))
}

func words(s string) map[string]struct{} {
	return set(strings.Fields(strings.ToLower(s)))
}

func set(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// Note renders a card as a single line of provider context.
func Note(card model.LessonCard) string {
	var b strings.Builder
	b.WriteString(card.Objective)
	if len(card.Modules) > 0 {
		fmt.Fprintf(&b, " (modules: %s)", strings.Join(card.Modules, ", "))
	}
	if card.DiffSignature != "" {
		fmt.Fprintf(&b, " -> %s", card.DiffSignature)
	}
	return b.String()
}
