package evaluation_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

type fixedCatalog struct {
	questions map[evaluation.Tier][]evaluation.Question
	teachers  []evaluation.Teacher
}

func (c fixedCatalog) Questions(tier evaluation.Tier) ([]evaluation.Question, error) {
	return c.questions[tier], nil
}

func (c fixedCatalog) ListTeachers() ([]evaluation.Teacher, error) {
	return c.teachers, nil
}

func testCatalog() fixedCatalog {
	return fixedCatalog{
		questions: map[evaluation.Tier][]evaluation.Question{
			evaluation.TierPrimary: {
				{ID: 1, Text: "¿Tu profe es amable contigo?"},
				{ID: 2, Text: "¿Aprendes cosas nuevas con tu profe?"},
				{ID: 3, Text: "¿Te diviertes en las clases?"},
			},
			evaluation.TierSecondary: {
				{ID: 101, Text: "¿El profesor/a explica los temas de forma clara?"},
				{ID: 102, Text: "¿El profesor/a fomenta la participación?"},
			},
		},
		teachers: []evaluation.Teacher{
			{
				ID:           "t1",
				Name:         "Sra. Martinez",
				Subjects:     []evaluation.Subject{{ID: "s1", Name: "Matemáticas"}},
				GradesTaught: []evaluation.Grade{evaluation.Grade5, evaluation.Grade6},
			},
			{
				ID:           "t4",
				Name:         "Sr. Perez",
				Subjects:     []evaluation.Subject{{ID: "s4", Name: "Arte"}},
				GradesTaught: []evaluation.Grade{evaluation.Grade5},
			},
		},
	}
}

// flakySnapshots fails Save or Delete while the matching flag is set.
type flakySnapshots struct {
	*evaluation.MemorySnapshotStore
	mu         sync.Mutex
	failSave   bool
	failDelete bool
}

func (f *flakySnapshots) Save(snap evaluation.Snapshot) error {
	f.mu.Lock()
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemorySnapshotStore.Save(snap)
}

func (f *flakySnapshots) Delete(studentID string) error {
	f.mu.Lock()
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemorySnapshotStore.Delete(studentID)
}

func (f *flakySnapshots) set(save, del bool) {
	f.mu.Lock()
	f.failSave, f.failDelete = save, del
	f.mu.Unlock()
}

// flakyResponses fails Append while fail is set.
type flakyResponses struct {
	*evaluation.MemoryResponseStore
	fail bool
}

func (f *flakyResponses) Append(resp evaluation.Response) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return f.MemoryResponseStore.Append(resp)
}

type testEnv struct {
	svc       *evaluation.Service
	stores    evaluation.Stores
	events    *evaluation.MemoryEventLogger
	snapshots *flakySnapshots
	responses *flakyResponses
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	snapshots := &flakySnapshots{MemorySnapshotStore: evaluation.NewMemorySnapshotStore()}
	responses := &flakyResponses{MemoryResponseStore: evaluation.NewMemoryResponseStore()}
	stores := evaluation.Stores{
		Responses:  responses,
		Snapshots:  snapshots,
		Completion: evaluation.NewMemoryCompletionStore(),
	}
	events := evaluation.NewMemoryEventLogger()

	clock := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	ids := 0
	cat := testCatalog()
	svc := evaluation.NewService(evaluation.Config{
		Questions: cat,
		Teachers:  cat,
		Stores:    stores,
		Events:    events,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			ids++
			return fmt.Sprintf("session-%d", ids)
		},
	})
	return &testEnv{svc: svc, stores: stores, events: events, snapshots: snapshots, responses: responses}
}

func answerAll(t *testing.T, qs *evaluation.QuizSession, rating int) {
	t.Helper()
	for {
		if err := qs.Answer(rating); err != nil {
			t.Fatalf("Answer(%d) error = %v", rating, err)
		}
		if qs.IsLast() {
			return
		}
		if err := qs.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}
}

func TestService_Start(t *testing.T) {
	env := newTestEnv(t)

	qs, err := env.svc.Start("  Ana   Pérez ", "t1", "s1", evaluation.Grade5)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if qs.StudentID() != "Ana Pérez" {
		t.Errorf("StudentID = %q, want normalized name", qs.StudentID())
	}
	if qs.ID() != "session-1" {
		t.Errorf("ID = %q, want session-1", qs.ID())
	}
	if qs.Tier() != evaluation.TierPrimary || qs.ScaleMax() != 3 {
		t.Errorf("tier = %v scale = %d, want primary/3", qs.Tier(), qs.ScaleMax())
	}
	if qs.Index() != 0 || qs.Len() != 3 {
		t.Errorf("index = %d len = %d, want 0/3", qs.Index(), qs.Len())
	}
	if len(qs.Answers()) != 0 {
		t.Error("new session should have no answers")
	}
	if qs.State() != evaluation.StateInProgress {
		t.Errorf("State = %v, want in_progress", qs.State())
	}

	snap, err := env.stores.Snapshots.Load("ana pérez")
	if err != nil {
		t.Fatalf("snapshot not persisted: %v", err)
	}
	if snap.SubjectName != "Matemáticas" {
		t.Errorf("SubjectName = %q", snap.SubjectName)
	}
}

func TestService_Start_DataUnavailable(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name      string
		teacherID string
		subjectID string
		grade     evaluation.Grade
	}{
		{"unknown teacher", "t9", "s1", evaluation.Grade5},
		{"unknown subject", "t1", "s9", evaluation.Grade5},
		{"teacher not in grade", "t4", "s4", evaluation.Grade6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Start("Ana", tt.teacherID, tt.subjectID, tt.grade)
			if !errors.Is(err, evaluation.ErrDataUnavailable) {
				t.Errorf("Start() error = %v, want ErrDataUnavailable", err)
			}
		})
	}

	if _, err := env.svc.Start("Ana", "t1", "s1", "12º"); !errors.Is(err, evaluation.ErrUnknownGrade) {
		t.Errorf("Start() error = %v, want ErrUnknownGrade", err)
	}
	if _, err := env.svc.Start("   ", "t1", "s1", evaluation.Grade5); !errors.Is(err, evaluation.ErrInvalidStudent) {
		t.Errorf("Start() error = %v, want ErrInvalidStudent", err)
	}
}

func TestService_Start_EmptyQuestionSet(t *testing.T) {
	cat := testCatalog()
	cat.questions[evaluation.TierSecondary] = nil
	svc := evaluation.NewService(evaluation.Config{Questions: cat, Teachers: cat})

	_, err := svc.Start("Ana", "t1", "s1", evaluation.Grade6)
	if !errors.Is(err, evaluation.ErrDataUnavailable) {
		t.Errorf("Start() error = %v, want ErrDataUnavailable", err)
	}
}

func TestQuizSession_RatingRoundTrip(t *testing.T) {
	tests := []struct {
		grade evaluation.Grade
		max   int
	}{
		{evaluation.Grade5, 3},
		{evaluation.Grade6, 4},
	}
	for _, tt := range tests {
		for rating := 1; rating <= tt.max; rating++ {
			t.Run(fmt.Sprintf("%s/%d", tt.grade, rating), func(t *testing.T) {
				env := newTestEnv(t)
				qs, err := env.svc.Start("Ana", "t1", "s1", tt.grade)
				if err != nil {
					t.Fatalf("Start() error = %v", err)
				}
				if err := qs.Answer(rating); err != nil {
					t.Fatalf("Answer(%d) error = %v", rating, err)
				}

				resumed, err := env.svc.Resume("Ana")
				if err != nil {
					t.Fatalf("Resume() error = %v", err)
				}
				if got := resumed.Rating(); got != rating {
					t.Errorf("rating after resume = %d, want %d", got, rating)
				}
			})
		}
	}
}

func TestQuizSession_InvalidRating(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)

	for _, rating := range []int{0, -1, 4} {
		if err := qs.Answer(rating); !errors.Is(err, evaluation.ErrInvalidRating) {
			t.Errorf("Answer(%d) error = %v, want ErrInvalidRating", rating, err)
		}
	}
	if qs.Rating() != 0 {
		t.Errorf("rating = %d after invalid answers, want 0", qs.Rating())
	}

	secondary, _ := env.svc.Start("Luis", "t1", "s1", evaluation.Grade6)
	if err := secondary.Answer(4); err != nil {
		t.Errorf("secondary Answer(4) error = %v", err)
	}
	if err := secondary.Answer(5); !errors.Is(err, evaluation.ErrInvalidRating) {
		t.Errorf("secondary Answer(5) error = %v, want ErrInvalidRating", err)
	}
}

func TestQuizSession_AnswerUpserts(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)

	for _, r := range []int{1, 3, 2} {
		if err := qs.Answer(r); err != nil {
			t.Fatalf("Answer(%d) error = %v", r, err)
		}
	}
	answers := qs.Answers()
	if len(answers) != 1 {
		t.Fatalf("len(answers) = %d, want 1", len(answers))
	}
	if answers[0].Rating != 2 {
		t.Errorf("rating = %d, want latest 2", answers[0].Rating)
	}
}

func TestQuizSession_Navigation(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)

	if err := qs.Next(); !errors.Is(err, evaluation.ErrNavigationBlocked) {
		t.Fatalf("Next() on unanswered error = %v, want ErrNavigationBlocked", err)
	}
	if qs.Index() != 0 {
		t.Fatalf("index moved to %d on blocked Next", qs.Index())
	}

	nav, err := qs.Previous()
	if err != nil || nav != evaluation.NavCancel {
		t.Fatalf("Previous() at start = %v, %v; want NavCancel", nav, err)
	}
	if qs.State() != evaluation.StateInProgress {
		t.Error("Previous() at start should not close the session")
	}

	answerAll(t, qs, 2)
	if !qs.IsLast() {
		t.Fatal("expected to be on last question")
	}
	if err := qs.Next(); !errors.Is(err, evaluation.ErrNavigationBlocked) {
		t.Errorf("Next() on last error = %v, want ErrNavigationBlocked", err)
	}

	nav, err = qs.Previous()
	if err != nil || nav != evaluation.NavMoved {
		t.Fatalf("Previous() = %v, %v; want NavMoved", nav, err)
	}
	if qs.Index() != 1 {
		t.Errorf("index = %d, want 1", qs.Index())
	}
	if qs.Rating() != 2 {
		t.Errorf("going back should keep the rating, got %d", qs.Rating())
	}
}

func TestQuizSession_Submit(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)

	if _, err := qs.Submit(); !errors.Is(err, evaluation.ErrIncomplete) {
		t.Fatalf("Submit() on first question error = %v, want ErrIncomplete", err)
	}

	answerAll(t, qs, 3)
	resp, err := qs.Submit()
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if qs.State() != evaluation.StateSubmitted {
		t.Errorf("State = %v, want submitted", qs.State())
	}
	if len(resp.Answers) != 3 {
		t.Errorf("len(answers) = %d, want 3", len(resp.Answers))
	}
	want := evaluation.NewResponseID("Ana", "t1", "s1", evaluation.Grade5, resp.CreatedAt)
	if resp.ResponseID != want {
		t.Errorf("ResponseID = %q, want %q", resp.ResponseID, want)
	}

	stored, _ := env.stores.Responses.List()
	if len(stored) != 1 || stored[0].ResponseID != resp.ResponseID {
		t.Fatalf("stored responses = %+v", stored)
	}
	if _, err := env.svc.Resume("Ana"); !errors.Is(err, evaluation.ErrNotFound) {
		t.Errorf("Resume() after submit error = %v, want ErrNotFound", err)
	}
	done, err := env.svc.Tracker().IsComplete("Ana", evaluation.Grade5, "t1", "s1")
	if err != nil || !done {
		t.Errorf("IsComplete() = %v, %v; want true", done, err)
	}

	if err := qs.Answer(1); !errors.Is(err, evaluation.ErrSessionClosed) {
		t.Errorf("Answer() after submit error = %v, want ErrSessionClosed", err)
	}
}

func TestQuizSession_FailedSaveKeepsState(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)
	if err := qs.Answer(2); err != nil {
		t.Fatal(err)
	}

	env.snapshots.set(true, false)
	if err := qs.Next(); !errors.Is(err, evaluation.ErrPersistence) {
		t.Fatalf("Next() error = %v, want ErrPersistence", err)
	}
	if qs.Index() != 0 {
		t.Errorf("index = %d after failed save, want 0", qs.Index())
	}
	if err := qs.Answer(3); !errors.Is(err, evaluation.ErrPersistence) {
		t.Fatalf("Answer() error = %v, want ErrPersistence", err)
	}
	if qs.Rating() != 2 {
		t.Errorf("rating = %d after failed save, want 2", qs.Rating())
	}

	env.snapshots.set(false, false)
	if err := qs.Next(); err != nil {
		t.Fatalf("Next() after recovery error = %v", err)
	}
}

func TestQuizSession_SubmitRetry(t *testing.T) {
	env := newTestEnv(t)
	ref := evaluation.SessionRef{StudentID: "Ana"}
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)
	answerAll(t, qs, 1)

	env.responses.fail = true
	if _, _, err := env.svc.Submit(ref); !errors.Is(err, evaluation.ErrPersistence) {
		t.Fatalf("Submit() error = %v, want ErrPersistence", err)
	}
	env.responses.fail = false

	env.snapshots.set(false, true)
	if _, _, err := env.svc.Submit(ref); !errors.Is(err, evaluation.ErrPersistence) {
		t.Fatalf("Submit() with failing delete error = %v, want ErrPersistence", err)
	}
	env.snapshots.set(false, false)

	resp, progress, err := env.svc.Submit(ref)
	if err != nil {
		t.Fatalf("Submit() retry error = %v", err)
	}
	stored, _ := env.stores.Responses.List()
	if len(stored) != 1 {
		t.Fatalf("stored %d responses after retries, want 1", len(stored))
	}
	if stored[0].ResponseID != resp.ResponseID {
		t.Errorf("retry produced a new response id %q, stored %q", resp.ResponseID, stored[0].ResponseID)
	}
	if progress.Completed != 1 || progress.Total != 2 {
		t.Errorf("progress = %d/%d, want 1/2", progress.Completed, progress.Total)
	}
}

func TestQuizSession_EditsBlockedAfterPartialSubmit(t *testing.T) {
	env := newTestEnv(t)
	ref := evaluation.SessionRef{StudentID: "Ana"}
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)
	answerAll(t, qs, 1)

	env.snapshots.set(false, true)
	if _, _, err := env.svc.Submit(ref); !errors.Is(err, evaluation.ErrPersistence) {
		t.Fatalf("Submit() with failing delete error = %v, want ErrPersistence", err)
	}
	env.snapshots.set(false, false)

	if _, err := env.svc.Answer(ref, 2); !errors.Is(err, evaluation.ErrSessionClosed) {
		t.Errorf("Answer() after partial submit error = %v, want ErrSessionClosed", err)
	}
	if _, _, err := env.svc.Previous(ref); !errors.Is(err, evaluation.ErrSessionClosed) {
		t.Errorf("Previous() after partial submit error = %v, want ErrSessionClosed", err)
	}
	if _, err := env.svc.Next(ref); !errors.Is(err, evaluation.ErrSessionClosed) {
		t.Errorf("Next() after partial submit error = %v, want ErrSessionClosed", err)
	}
	if err := env.svc.Discard(ref); !errors.Is(err, evaluation.ErrSessionClosed) {
		t.Errorf("Discard() after partial submit error = %v, want ErrSessionClosed", err)
	}

	resp, _, err := env.svc.Submit(ref)
	if err != nil {
		t.Fatalf("Submit() retry error = %v", err)
	}
	stored, _ := env.stores.Responses.List()
	if len(stored) != 1 {
		t.Fatalf("stored %d responses, want 1", len(stored))
	}
	for _, a := range resp.Answers {
		if a.Rating != 1 {
			t.Errorf("answer %d rating = %d, want the original 1", a.QuestionID, a.Rating)
		}
	}
}

func TestService_StatelessOperations(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade6)
	ref := evaluation.SessionRef{StudentID: "ANA", SessionID: qs.ID()}

	if _, err := env.svc.Answer(ref, 4); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if _, err := env.svc.Next(ref); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	got, nav, err := env.svc.Previous(ref)
	if err != nil || nav != evaluation.NavMoved || got.Index() != 0 {
		t.Fatalf("Previous() = %v, %v, index %d", nav, err, got.Index())
	}

	stale := evaluation.SessionRef{StudentID: "Ana", SessionID: "old"}
	if _, err := env.svc.Answer(stale, 1); !errors.Is(err, evaluation.ErrSessionClosed) {
		t.Errorf("Answer() with stale id error = %v, want ErrSessionClosed", err)
	}

	if err := env.svc.Discard(ref); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := env.svc.Resume("Ana"); !errors.Is(err, evaluation.ErrNotFound) {
		t.Errorf("Resume() after discard error = %v, want ErrNotFound", err)
	}
	responses, _ := env.svc.Responses()
	if len(responses) != 0 {
		t.Error("Discard() must not create a response")
	}
}

func TestService_StartReplacesOpenSession(t *testing.T) {
	env := newTestEnv(t)
	first, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)
	second, _ := env.svc.Start("Ana", "t4", "s4", evaluation.Grade5)
	if first.ID() == second.ID() {
		t.Fatal("sessions should get distinct ids")
	}

	resumed, err := env.svc.Resume("Ana")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.ID() != second.ID() {
		t.Errorf("Resume() id = %q, want %q", resumed.ID(), second.ID())
	}
}

func TestService_ResumeInvalidSnapshot(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)

	snap := qs.Snapshot()
	snap.CurrentIndex = 42
	if err := env.stores.Snapshots.Save(snap); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.Resume("Ana"); !errors.Is(err, evaluation.ErrNotFound) {
		t.Errorf("Resume() error = %v, want ErrNotFound", err)
	}
	if _, err := env.stores.Snapshots.Load("Ana"); !errors.Is(err, evaluation.ErrNotFound) {
		t.Error("invalid snapshot should be deleted")
	}
}

func TestService_Events(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)
	answerAll(t, qs, 2)
	if _, err := qs.Submit(); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.ClearAll(); err != nil {
		t.Fatal(err)
	}

	types := env.events.Types()
	want := []string{
		evaluation.EventSessionStarted,
		evaluation.EventAnswerRecorded,
		evaluation.EventAnswerRecorded,
		evaluation.EventAnswerRecorded,
		evaluation.EventSessionSubmitted,
		evaluation.EventDataCleared,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("event types = %v, want %v", types, want)
	}
}

func TestService_ClearAll(t *testing.T) {
	env := newTestEnv(t)
	qs, _ := env.svc.Start("Ana", "t1", "s1", evaluation.Grade5)
	answerAll(t, qs, 2)
	if _, err := qs.Submit(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Start("Luis", "t1", "s1", evaluation.Grade5); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	responses, _ := env.svc.Responses()
	if len(responses) != 0 {
		t.Errorf("responses left after ClearAll: %d", len(responses))
	}
	if _, err := env.svc.Resume("Luis"); !errors.Is(err, evaluation.ErrNotFound) {
		t.Errorf("open session survived ClearAll: %v", err)
	}
	done, _ := env.svc.Tracker().IsComplete("Ana", evaluation.Grade5, "t1", "s1")
	if done {
		t.Error("completion survived ClearAll")
	}
}

func TestService_ConcurrentAnswers(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Start("Ana", "t1", "s1", evaluation.Grade6); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(rating int) {
			defer wg.Done()
			if _, err := env.svc.Answer(evaluation.SessionRef{StudentID: "Ana"}, rating); err != nil {
				t.Errorf("Answer() error = %v", err)
			}
		}(i%4 + 1)
	}
	wg.Wait()

	qs, err := env.svc.Resume("Ana")
	if err != nil {
		t.Fatal(err)
	}
	if len(qs.Answers()) != 1 {
		t.Errorf("len(answers) = %d, want 1", len(qs.Answers()))
	}
}
