package evaluation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds dependencies for the evaluation service.
type Config struct {
	Questions QuestionRepository
	Teachers  TeacherDirectory
	Stores    Stores
	Events    EventLogger
	Now       func() time.Time // default time.Now
	NewID     func() string    // session ids, default uuid.NewString
}

// Service owns the storage ports and exposes the evaluation operations keyed
// by student, so stateless front-ends load a session, apply one transition
// and persist it. Calls for the same student are serialized.
type Service struct {
	questions QuestionRepository
	teachers  TeacherDirectory
	responses ResponseStore
	snapshots SessionSnapshotStore
	tracker   *CompletionTracker
	events    EventLogger
	now       func() time.Time
	newID     func() string
	locks     keyedMutex
}

// NewService creates a service. Missing stores default to in-memory ones.
func NewService(cfg Config) *Service {
	stores := cfg.Stores.withDefaults()
	events := cfg.Events
	if events == nil {
		events = NopEventLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		questions: cfg.Questions,
		teachers:  cfg.Teachers,
		responses: stores.Responses,
		snapshots: stores.Snapshots,
		tracker:   NewCompletionTracker(stores.Completion, stores.Snapshots),
		events:    events,
		now:       now,
		newID:     newID,
	}
}

// SessionRef addresses a student's session. When SessionID is set, operations
// fail with ErrSessionClosed if the stored session has a different id.
type SessionRef struct {
	StudentID string
	SessionID string
}

// Tracker returns the completion tracker.
func (s *Service) Tracker() *CompletionTracker { return s.tracker }

// Start begins a new session, replacing any session the student had open.
func (s *Service) Start(studentID, teacherID, subjectID string, grade Grade) (*QuizSession, error) {
	studentID = NormalizeStudentID(studentID)
	if studentID == "" {
		return nil, ErrInvalidStudent
	}
	tier, err := TierOf(grade)
	if err != nil {
		return nil, err
	}

	teacher, subject, err := s.lookup(teacherID, subjectID, grade)
	if err != nil {
		return nil, err
	}
	questions, err := s.questionsFor(tier)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(StudentKey(studentID))
	defer unlock()

	now := s.now()
	snap := Snapshot{
		SessionID:    s.newID(),
		StudentID:    studentID,
		TeacherID:    teacher.ID,
		SubjectID:    subject.ID,
		SubjectName:  subject.Name,
		Grade:        grade,
		Questions:    questions,
		Answers:      []Answer{},
		CurrentIndex: 0,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.snapshots.Save(snap); err != nil {
		return nil, persistenceError("save session", err)
	}

	slog.Info("evaluation started",
		"session_id", snap.SessionID,
		"teacher_id", teacher.ID,
		"subject_id", subject.ID,
		"grade", grade,
	)
	s.logEvent(EventSessionStarted, snap, map[string]any{"questions": len(questions)})
	return newQuizSession(s, snap.clone(), StateInProgress)
}

// Resume rehydrates the student's open session. It returns ErrNotFound when
// there is none. A stored snapshot that fails validation is deleted and
// reported as ErrNotFound.
func (s *Service) Resume(studentID string) (*QuizSession, error) {
	studentID = NormalizeStudentID(studentID)
	if studentID == "" {
		return nil, ErrInvalidStudent
	}
	unlock := s.locks.Lock(StudentKey(studentID))
	defer unlock()
	return s.load(SessionRef{StudentID: studentID})
}

// Answer rates the current question of the referenced session.
func (s *Service) Answer(ref SessionRef, rating int) (*QuizSession, error) {
	return s.with(ref, func(qs *QuizSession) error { return qs.Answer(rating) })
}

// Next advances the referenced session.
func (s *Service) Next(ref SessionRef) (*QuizSession, error) {
	return s.with(ref, func(qs *QuizSession) error { return qs.Next() })
}

// Previous moves the referenced session back one question. On the first
// question it returns NavCancel and leaves the session untouched.
func (s *Service) Previous(ref SessionRef) (*QuizSession, Navigation, error) {
	var nav Navigation
	qs, err := s.with(ref, func(qs *QuizSession) error {
		var err error
		nav, err = qs.Previous()
		return err
	})
	return qs, nav, err
}

// Submit completes the referenced session and returns the stored response
// together with the student's updated progress for the grade.
func (s *Service) Submit(ref SessionRef) (Response, Progress, error) {
	var resp Response
	_, err := s.with(ref, func(qs *QuizSession) error {
		var err error
		resp, err = qs.Submit()
		return err
	})
	if err != nil {
		return Response{}, Progress{}, err
	}

	progress, err := s.Progress(resp.StudentID, resp.Grade)
	if err != nil {
		slog.Warn("progress after submit unavailable", "grade", resp.Grade, "error", err)
	}
	return resp, progress, nil
}

// Discard deletes the referenced session without a response.
func (s *Service) Discard(ref SessionRef) error {
	_, err := s.with(ref, func(qs *QuizSession) error { return qs.Discard() })
	return err
}

// TeachersFor lists the teachers of a grade in directory order.
func (s *Service) TeachersFor(grade Grade) ([]Teacher, error) {
	if _, err := TierOf(grade); err != nil {
		return nil, err
	}
	all, err := s.listTeachers()
	if err != nil {
		return nil, err
	}
	var out []Teacher
	for _, t := range all {
		if t.Teaches(grade) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Teachers lists the whole directory.
func (s *Service) Teachers() ([]Teacher, error) {
	return s.listTeachers()
}

// Questions returns the question set of a tier.
func (s *Service) Questions(tier Tier) ([]Question, error) {
	return s.questionsFor(tier)
}

// Obligations lists the teacher/subject pairs a student of grade evaluates.
func (s *Service) Obligations(grade Grade) ([]Obligation, error) {
	teachers, err := s.TeachersFor(grade)
	if err != nil {
		return nil, err
	}
	return ObligationsFor(teachers, grade), nil
}

// Progress reports the student's completion status for grade.
func (s *Service) Progress(studentID string, grade Grade) (Progress, error) {
	studentID = NormalizeStudentID(studentID)
	if studentID == "" {
		return Progress{}, ErrInvalidStudent
	}
	obligations, err := s.Obligations(grade)
	if err != nil {
		return Progress{}, err
	}
	return s.tracker.Progress(studentID, grade, obligations)
}

// Responses returns every stored response.
func (s *Service) Responses() ([]Response, error) {
	out, err := s.responses.List()
	if err != nil {
		return nil, persistenceError("list responses", err)
	}
	return out, nil
}

// ClearAll deletes every response, completion record and open session.
func (s *Service) ClearAll() error {
	if err := s.responses.ClearAll(); err != nil {
		return persistenceError("clear responses", err)
	}
	if err := s.tracker.ClearAll(); err != nil {
		return err
	}
	slog.Warn("all evaluation data cleared")
	s.logEvent(EventDataCleared, Snapshot{}, nil)
	return nil
}

func (s *Service) with(ref SessionRef, fn func(*QuizSession) error) (*QuizSession, error) {
	ref.StudentID = NormalizeStudentID(ref.StudentID)
	if ref.StudentID == "" {
		return nil, ErrInvalidStudent
	}
	unlock := s.locks.Lock(StudentKey(ref.StudentID))
	defer unlock()

	qs, err := s.load(ref)
	if err != nil {
		return nil, err
	}
	if err := fn(qs); err != nil {
		return qs, err
	}
	return qs, nil
}

func (s *Service) load(ref SessionRef) (*QuizSession, error) {
	snap, err := s.snapshots.Load(ref.StudentID)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, persistenceError("load session", err)
	}
	if err := snap.Validate(); err != nil {
		slog.Warn("discarding invalid session snapshot", "session_id", snap.SessionID, "error", err)
		if derr := s.snapshots.Delete(ref.StudentID); derr != nil {
			return nil, persistenceError("delete invalid session", derr)
		}
		return nil, fmt.Errorf("%w: invalid snapshot: %v", ErrNotFound, err)
	}
	if ref.SessionID != "" && ref.SessionID != snap.SessionID {
		return nil, fmt.Errorf("%w: session %s was replaced by %s", ErrSessionClosed, ref.SessionID, snap.SessionID)
	}
	return newQuizSession(s, *snap, StateInProgress)
}

func (s *Service) lookup(teacherID, subjectID string, grade Grade) (Teacher, Subject, error) {
	teachers, err := s.listTeachers()
	if err != nil {
		return Teacher{}, Subject{}, err
	}
	for _, t := range teachers {
		if t.ID != teacherID {
			continue
		}
		subject, ok := t.Subject(subjectID)
		if !ok {
			return Teacher{}, Subject{}, fmt.Errorf("%w: teacher %s has no subject %s", ErrDataUnavailable, teacherID, subjectID)
		}
		if !t.Teaches(grade) {
			return Teacher{}, Subject{}, fmt.Errorf("%w: teacher %s does not teach %s", ErrDataUnavailable, teacherID, grade)
		}
		return t, subject, nil
	}
	return Teacher{}, Subject{}, fmt.Errorf("%w: unknown teacher %s", ErrDataUnavailable, teacherID)
}

func (s *Service) listTeachers() ([]Teacher, error) {
	if s.teachers == nil {
		return nil, fmt.Errorf("%w: no teacher directory", ErrDataUnavailable)
	}
	teachers, err := s.teachers.ListTeachers()
	if err != nil {
		return nil, fmt.Errorf("%w: list teachers: %v", ErrDataUnavailable, err)
	}
	return teachers, nil
}

func (s *Service) questionsFor(tier Tier) ([]Question, error) {
	if s.questions == nil {
		return nil, fmt.Errorf("%w: no question repository", ErrDataUnavailable)
	}
	questions, err := s.questions.Questions(tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %s questions: %v", ErrDataUnavailable, tier, err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no %s questions", ErrDataUnavailable, tier)
	}
	return append([]Question(nil), questions...), nil
}

func (s *Service) logEvent(eventType string, snap Snapshot, data map[string]any) {
	err := s.events.LogEvent(Event{
		SessionID: snap.SessionID,
		StudentID: snap.StudentID,
		TeacherID: snap.TeacherID,
		Grade:     snap.Grade,
		EventType: eventType,
		Data:      data,
		CreatedAt: s.now(),
	})
	if err != nil {
		slog.Warn("failed to log event", "type", eventType, "error", err)
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu      sync.Mutex
	waiters int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.waiters++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.waiters--
		if l.waiters == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
