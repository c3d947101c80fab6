package evaluation_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

// testStores runs the behavior every backend must share.
func testStores(t *testing.T, stores evaluation.Stores) {
	t.Helper()
	created := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

	t.Run("append ignores duplicate response ids", func(t *testing.T) {
		resp := evaluation.Response{
			ResponseID:  evaluation.NewResponseID("Ana", "t1", "s1", evaluation.Grade5, created),
			TeacherID:   "t1",
			SubjectID:   "s1",
			SubjectName: "Matemáticas",
			Grade:       evaluation.Grade5,
			StudentID:   "Ana",
			Answers:     []evaluation.Answer{{QuestionID: 1, Rating: 3}, {QuestionID: 2, Rating: 1}},
			CreatedAt:   created,
		}
		for i := 0; i < 2; i++ {
			if err := stores.Responses.Append(resp); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
		}

		got, err := stores.Responses.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len(List()) = %d, want 1", len(got))
		}
		if got[0].SubjectName != "Matemáticas" || got[0].Grade != evaluation.Grade5 {
			t.Errorf("response = %+v", got[0])
		}
		if len(got[0].Answers) != 2 || got[0].Answers[0].Rating != 3 {
			t.Errorf("answers = %+v", got[0].Answers)
		}
		if !got[0].CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, created)
		}
	})

	t.Run("snapshot round trip", func(t *testing.T) {
		snap := evaluation.Snapshot{
			SessionID:    "session-1",
			StudentID:    "Ana",
			TeacherID:    "t2",
			SubjectID:    "s2",
			SubjectName:  "Ciencias",
			Grade:        evaluation.Grade7,
			Questions:    []evaluation.Question{{ID: 101, Text: "a"}, {ID: 102, Text: "b"}},
			Answers:      []evaluation.Answer{{QuestionID: 101, Rating: 4}},
			CurrentIndex: 1,
			StartedAt:    created,
			UpdatedAt:    created,
		}
		if err := stores.Snapshots.Save(snap); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := stores.Snapshots.Load("ana")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got.SessionID != "session-1" || got.CurrentIndex != 1 || len(got.Answers) != 1 || got.Answers[0].Rating != 4 {
			t.Errorf("snapshot = %+v", got)
		}

		if err := stores.Snapshots.Delete("Ana"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := stores.Snapshots.Load("Ana"); !errors.Is(err, evaluation.ErrNotFound) {
			t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
		}
	})

	t.Run("completion keys", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := stores.Completion.Add("Ana", evaluation.Grade7, "t2_s2"); err != nil {
				t.Fatalf("Add() error = %v", err)
			}
		}
		keys, err := stores.Completion.Keys("Ana", evaluation.Grade7)
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("keys = %v, want one", keys)
		}
		other, _ := stores.Completion.Keys("Ana", evaluation.Grade8)
		if len(other) != 0 {
			t.Errorf("keys leaked across grades: %v", other)
		}
	})

	t.Run("clear all", func(t *testing.T) {
		_ = stores.Snapshots.Save(evaluation.Snapshot{SessionID: "s", StudentID: "Luis", Grade: evaluation.Grade1})
		for _, clear := range []func() error{stores.Responses.ClearAll, stores.Snapshots.ClearAll, stores.Completion.ClearAll} {
			if err := clear(); err != nil {
				t.Fatalf("ClearAll() error = %v", err)
			}
		}
		responses, _ := stores.Responses.List()
		keys, _ := stores.Completion.Keys("Ana", evaluation.Grade7)
		_, err := stores.Snapshots.Load("Luis")
		if len(responses) != 0 || len(keys) != 0 || !errors.Is(err, evaluation.ErrNotFound) {
			t.Errorf("data left after ClearAll: %d responses, %d keys, load err %v", len(responses), len(keys), err)
		}
	})
}

func TestMemoryStores(t *testing.T) {
	testStores(t, evaluation.NewMemoryStores())
}

func TestSQLiteStores(t *testing.T) {
	db, err := evaluation.OpenSQLite(filepath.Join(t.TempDir(), "eval.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()
	testStores(t, db.Stores())
}

func TestSQLiteStores_ResumeAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.db")
	cat := testCatalog()

	first, err := evaluation.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	svc := evaluation.NewService(evaluation.Config{Questions: cat, Teachers: cat, Stores: first.Stores()})
	qs, err := svc.Start("Ana", "t1", "s1", evaluation.Grade6)
	if err != nil {
		t.Fatal(err)
	}
	if err := qs.Answer(3); err != nil {
		t.Fatal(err)
	}
	if err := qs.Next(); err != nil {
		t.Fatal(err)
	}
	want := qs.Snapshot()
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := evaluation.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	svc = evaluation.NewService(evaluation.Config{Questions: cat, Teachers: cat, Stores: second.Stores()})

	resumed, err := svc.Resume("Ana")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	got := resumed.Snapshot()
	if got.SessionID != want.SessionID || got.CurrentIndex != 1 || resumed.RatingFor(101) != 3 {
		t.Errorf("resumed = %+v, want %+v", got, want)
	}
	if len(got.Questions) != len(want.Questions) {
		t.Errorf("questions = %d, want %d", len(got.Questions), len(want.Questions))
	}
}

func TestSnapshotValidate(t *testing.T) {
	valid := evaluation.Snapshot{
		SessionID: "s",
		StudentID: "Ana",
		Grade:     evaluation.Grade5,
		Questions: []evaluation.Question{{ID: 1}, {ID: 2}},
		Answers:   []evaluation.Answer{{QuestionID: 1, Rating: 3}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*evaluation.Snapshot)
	}{
		{"unknown grade", func(s *evaluation.Snapshot) { s.Grade = "13º" }},
		{"no questions", func(s *evaluation.Snapshot) { s.Questions = nil }},
		{"index past end", func(s *evaluation.Snapshot) { s.CurrentIndex = 2 }},
		{"rating above scale", func(s *evaluation.Snapshot) { s.Answers = []evaluation.Answer{{QuestionID: 1, Rating: 4}} }},
		{"duplicate answers", func(s *evaluation.Snapshot) {
			s.Answers = []evaluation.Answer{{QuestionID: 1, Rating: 1}, {QuestionID: 1, Rating: 2}}
		}},
		{"no session id", func(s *evaluation.Snapshot) { s.SessionID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			s.Answers = append([]evaluation.Answer(nil), valid.Answers...)
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
