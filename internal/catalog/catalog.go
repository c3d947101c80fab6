// Package catalog loads the question bank and the teacher directory from YAML
// documents, validating each against an embedded JSON schema.
package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

//go:embed seed/*.yaml
var seedFS embed.FS

// Catalog holds the question sets and teachers. It implements
// evaluation.QuestionRepository and evaluation.TeacherDirectory.
type Catalog struct {
	source    fs.FS
	questions map[evaluation.Tier][]evaluation.Question
	teachers  []evaluation.Teacher
	mu        sync.RWMutex
}

// Default returns the catalog built into the binary.
func Default() (*Catalog, error) {
	sub, err := fs.Sub(seedFS, "seed")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// LoadDir loads every YAML document under dir.
func LoadDir(dir string) (*Catalog, error) {
	return Load(os.DirFS(dir))
}

// Load loads every YAML document in fsys.
func Load(fsys fs.FS) (*Catalog, error) {
	c := &Catalog{source: fsys}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// New builds a catalog from values, applying the same checks as Load.
func New(questions map[evaluation.Tier][]evaluation.Question, teachers []evaluation.Teacher) (*Catalog, error) {
	c := &Catalog{}
	if err := c.set(questions, teachers); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the source documents. On error the previous content is kept.
func (c *Catalog) Reload() error {
	if c.source == nil {
		return fmt.Errorf("catalog has no source to reload")
	}

	questions := map[evaluation.Tier][]evaluation.Question{}
	var teachers []evaluation.Teacher

	err := fs.WalkDir(c.source, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := path.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(c.source, p)
		if err != nil {
			return err
		}
		doc, err := decodeDocument(p, data)
		if err != nil {
			return err
		}
		for _, set := range doc.Sets {
			questions[set.tier] = append(questions[set.tier], set.Questions...)
		}
		teachers = append(teachers, doc.Teachers...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	if err := c.set(questions, teachers); err != nil {
		return err
	}
	slog.Info("catalog loaded",
		"primary_questions", len(questions[evaluation.TierPrimary]),
		"secondary_questions", len(questions[evaluation.TierSecondary]),
		"teachers", len(teachers),
	)
	return nil
}

// Questions returns the ordered question set of tier.
func (c *Catalog) Questions(tier evaluation.Tier) ([]evaluation.Question, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	qs, ok := c.questions[tier]
	if !ok || len(qs) == 0 {
		return nil, fmt.Errorf("no questions for tier %s", tier)
	}
	return slices.Clone(qs), nil
}

// ListTeachers returns every teacher in document order.
func (c *Catalog) ListTeachers() ([]evaluation.Teacher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]evaluation.Teacher, len(c.teachers))
	for i, t := range c.teachers {
		t.Subjects = slices.Clone(t.Subjects)
		t.GradesTaught = slices.Clone(t.GradesTaught)
		out[i] = t
	}
	return out, nil
}

// Teacher returns the teacher with id.
func (c *Catalog) Teacher(id string) (evaluation.Teacher, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.teachers {
		if t.ID == id {
			return t, true
		}
	}
	return evaluation.Teacher{}, false
}

func (c *Catalog) set(questions map[evaluation.Tier][]evaluation.Question, teachers []evaluation.Teacher) error {
	if err := checkQuestions(questions); err != nil {
		return err
	}
	if err := checkTeachers(teachers); err != nil {
		return err
	}

	c.mu.Lock()
	c.questions = questions
	c.teachers = teachers
	c.mu.Unlock()
	return nil
}

func checkQuestions(questions map[evaluation.Tier][]evaluation.Question) error {
	seen := map[int]bool{}
	for tier, qs := range questions {
		for _, q := range qs {
			if seen[q.ID] {
				return fmt.Errorf("duplicate question id %d", q.ID)
			}
			seen[q.ID] = true
			if evaluation.QuestionID(tier, evaluation.QuestionPosition(q.ID)) != q.ID || evaluation.QuestionPosition(q.ID) == 0 {
				return fmt.Errorf("question %d is outside the %s id block", q.ID, tier)
			}
			if strings.TrimSpace(q.Text) == "" {
				return fmt.Errorf("question %d has no text", q.ID)
			}
		}
	}
	return nil
}

func checkTeachers(teachers []evaluation.Teacher) error {
	seen := map[string]bool{}
	for _, t := range teachers {
		if seen[t.ID] {
			return fmt.Errorf("duplicate teacher id %q", t.ID)
		}
		seen[t.ID] = true

		subjects := map[string]bool{}
		for _, s := range t.Subjects {
			if subjects[s.ID] {
				return fmt.Errorf("teacher %q lists subject %q twice", t.ID, s.ID)
			}
			subjects[s.ID] = true
		}
		for _, g := range t.GradesTaught {
			if !g.Valid() {
				return fmt.Errorf("teacher %q: %w: %q", t.ID, evaluation.ErrUnknownGrade, string(g))
			}
		}
	}
	return nil
}

// document is one YAML file. Kind selects which of the other fields is used.
type document struct {
	Kind     string               `yaml:"kind"`
	Sets     []questionSet        `yaml:"sets"`
	Teachers []evaluation.Teacher `yaml:"teachers"`
}

type questionSet struct {
	Tier      string                `yaml:"tier"`
	Questions []evaluation.Question `yaml:"questions"`
	tier      evaluation.Tier
}

func decodeDocument(name string, data []byte) (document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return document{}, fmt.Errorf("%s: %w", name, err)
	}
	if err := Validate(raw); err != nil {
		return document{}, fmt.Errorf("%s: %w", name, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("%s: %w", name, err)
	}
	for i := range doc.Sets {
		tier, err := evaluation.ParseTier(doc.Sets[i].Tier)
		if err != nil {
			return document{}, fmt.Errorf("%s: %w", name, err)
		}
		doc.Sets[i].tier = tier
	}
	return doc, nil
}
