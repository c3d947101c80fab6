package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/p-n-ai/pai-eval/internal/catalog"
	"github.com/p-n-ai/pai-eval/internal/evaluation"
	"github.com/p-n-ai/pai-eval/internal/platform/database/databasetest"
)

func TestDefault(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	primary, err := c.Questions(evaluation.TierPrimary)
	if err != nil || len(primary) != 5 {
		t.Fatalf("primary questions = %d, %v; want 5", len(primary), err)
	}
	secondary, _ := c.Questions(evaluation.TierSecondary)
	if len(secondary) != 5 || secondary[0].ID != 101 {
		t.Errorf("secondary questions = %+v", secondary)
	}

	teachers, _ := c.ListTeachers()
	if len(teachers) != 6 {
		t.Fatalf("len(teachers) = %d, want 6", len(teachers))
	}
	castillo, ok := c.Teacher("t6")
	if !ok || len(castillo.GradesTaught) != 12 {
		t.Errorf("t6 = %+v, want all 12 grades", castillo)
	}
	if castillo.Subjects[0].Name != "Educación Física" {
		t.Errorf("t6 subject = %q", castillo.Subjects[0].Name)
	}
}

func TestDefault_Obligations(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	teachers, _ := c.ListTeachers()

	tests := []struct {
		grade evaluation.Grade
		want  int
	}{
		{evaluation.GradePreschool, 2}, // Perez, Castillo
		{evaluation.Grade5, 3},         // Martinez, Perez, Castillo
		{evaluation.Grade11, 3},        // Gonzalez, Rodriguez, Castillo
	}
	for _, tt := range tests {
		if got := len(evaluation.ObligationsFor(teachers, tt.grade)); got != tt.want {
			t.Errorf("obligations for %s = %d, want %d", tt.grade, got, tt.want)
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "questions.yaml", `kind: questions
sets:
  - tier: primary
    questions:
      - { id: 1, text: "¿Tu profe es amable contigo?" }
  - tier: secondary
    questions:
      - { id: 101, text: "¿El profesor/a explica los temas?" }
`)
	sub := filepath.Join(dir, "teachers")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "staff.yml", `kind: teachers
teachers:
  - id: t9
    name: Sra. Ruiz
    subjects: [{ id: s9, name: Música }]
    grades_taught: ["3º"]
`)
	writeFile(t, dir, "README.md", "not yaml")

	c, err := catalog.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	teachers, _ := c.ListTeachers()
	if len(teachers) != 1 || teachers[0].GradesTaught[0] != evaluation.Grade3 {
		t.Errorf("teachers = %+v", teachers)
	}

	writeFile(t, sub, "staff.yml", `kind: teachers
teachers:
  - id: t9
    name: Sra. Ruiz
    subjects: [{ id: s9, name: Música }]
    grades_taught: ["3º", "4º"]
`)
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	t9, _ := c.Teacher("t9")
	if len(t9.GradesTaught) != 2 {
		t.Errorf("Reload() did not pick up grade change: %+v", t9)
	}
}

func TestLoadDir_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		schema  bool
	}{
		{"unknown kind", "kind: students\n", true},
		{"bad grade", `kind: teachers
teachers:
  - { id: t1, name: A, subjects: [{ id: s1, name: B }], grades_taught: ["12º"] }
`, true},
		{"empty question set", `kind: questions
sets:
  - { tier: primary, questions: [] }
`, true},
		{"secondary id in primary set", `kind: questions
sets:
  - tier: primary
    questions: [{ id: 101, text: "x" }]
`, false},
		{"duplicate teacher", `kind: teachers
teachers:
  - { id: t1, name: A, subjects: [{ id: s1, name: B }], grades_taught: [] }
  - { id: t1, name: C, subjects: [{ id: s2, name: D }], grades_taught: [] }
`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "doc.yaml", tt.content)

			_, err := catalog.LoadDir(dir)
			if err == nil {
				t.Fatal("LoadDir() should fail")
			}
			if tt.schema && !errors.Is(err, catalog.ErrInvalidDocument) {
				t.Errorf("error = %v, want ErrInvalidDocument", err)
			}
		})
	}
}

func TestQuestions_MissingTier(t *testing.T) {
	c, err := catalog.New(map[evaluation.Tier][]evaluation.Question{
		evaluation.TierPrimary: {{ID: 1, Text: "a"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Questions(evaluation.TierSecondary); err == nil {
		t.Error("Questions() for a missing tier should fail")
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	db := databasetest.Start(t)
	ctx := t.Context()

	want, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	if err := catalog.SavePostgres(ctx, db.Pool, want); err != nil {
		t.Fatalf("SavePostgres() error = %v", err)
	}
	got, err := catalog.LoadPostgres(ctx, db.Pool)
	if err != nil {
		t.Fatalf("LoadPostgres() error = %v", err)
	}

	wantTeachers, _ := want.ListTeachers()
	gotTeachers, _ := got.ListTeachers()
	if len(gotTeachers) != len(wantTeachers) {
		t.Fatalf("teachers = %d, want %d", len(gotTeachers), len(wantTeachers))
	}
	for i := range wantTeachers {
		if gotTeachers[i].ID != wantTeachers[i].ID || len(gotTeachers[i].GradesTaught) != len(wantTeachers[i].GradesTaught) {
			t.Errorf("teacher %d = %+v, want %+v", i, gotTeachers[i], wantTeachers[i])
		}
	}
	qs, _ := got.Questions(evaluation.TierSecondary)
	if len(qs) != 5 || qs[4].ID != 105 {
		t.Errorf("secondary questions = %+v", qs)
	}
}
