package evaluation

import (
	"fmt"
	"slices"
	"time"
)

// Snapshot is the persisted form of an in-progress session.
type Snapshot struct {
	SessionID    string     `json:"sessionId"`
	StudentID    string     `json:"studentId"`
	TeacherID    string     `json:"teacherId"`
	SubjectID    string     `json:"subjectId"`
	SubjectName  string     `json:"subjectName"`
	Grade        Grade      `json:"grade"`
	Questions    []Question `json:"questions"`
	Answers      []Answer   `json:"answers"`
	CurrentIndex int        `json:"currentIndex"`
	StartedAt    time.Time  `json:"startedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	// Pending holds the response built by a submit that has not finished
	// persisting, so a retry stores the same response.
	Pending *Response `json:"pending,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Questions = slices.Clone(s.Questions)
	out.Answers = slices.Clone(s.Answers)
	if s.Pending != nil {
		p := *s.Pending
		p.Answers = slices.Clone(s.Pending.Answers)
		out.Pending = &p
	}
	return out
}

// Validate checks the invariants a loaded snapshot must hold before it can
// be resumed.
func (s Snapshot) Validate() error {
	tier, err := TierOf(s.Grade)
	if err != nil {
		return err
	}
	if s.StudentID == "" || s.SessionID == "" {
		return fmt.Errorf("snapshot is missing its student or session id")
	}
	if len(s.Questions) == 0 {
		return fmt.Errorf("snapshot has no questions")
	}
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Questions) {
		return fmt.Errorf("snapshot index %d out of range [0, %d)", s.CurrentIndex, len(s.Questions))
	}
	scaleMax := ScaleMaxFor(tier)
	seen := make(map[int]bool, len(s.Answers))
	for _, a := range s.Answers {
		if seen[a.QuestionID] {
			return fmt.Errorf("snapshot has duplicate answers for question %d", a.QuestionID)
		}
		seen[a.QuestionID] = true
		if a.Rating < 0 || a.Rating > scaleMax {
			return fmt.Errorf("%w: question %d has rating %d", ErrInvalidRating, a.QuestionID, a.Rating)
		}
	}
	return nil
}

// State is the lifecycle stage of a QuizSession.
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StateSubmitted
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StateSubmitted:
		return "submitted"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Navigation is the outcome of Previous.
type Navigation int

const (
	// NavMoved means the session moved back one question.
	NavMoved Navigation = iota
	// NavCancel means the session was already on the first question; the
	// caller decides whether to discard it.
	NavCancel
)

// QuizSession drives one student through the questions of one teacher,
// subject and grade. Every mutation is persisted before it becomes visible.
// A QuizSession is not safe for concurrent use; Service serializes calls
// per student.
type QuizSession struct {
	svc   *Service
	snap  Snapshot
	tier  Tier
	state State
}

func newQuizSession(svc *Service, snap Snapshot, state State) (*QuizSession, error) {
	tier, err := TierOf(snap.Grade)
	if err != nil {
		return nil, err
	}
	return &QuizSession{svc: svc, snap: snap, tier: tier, state: state}, nil
}

// ID returns the generated session id.
func (s *QuizSession) ID() string { return s.snap.SessionID }

// StudentID returns the student the session belongs to.
func (s *QuizSession) StudentID() string { return s.snap.StudentID }

// Snapshot returns a copy of the current session state.
func (s *QuizSession) Snapshot() Snapshot { return s.snap.clone() }

func (s *QuizSession) State() State { return s.state }

func (s *QuizSession) Tier() Tier { return s.tier }

// ScaleMax is the highest rating accepted by Answer.
func (s *QuizSession) ScaleMax() int { return ScaleMaxFor(s.tier) }

// Index is the 0-based position of the current question.
func (s *QuizSession) Index() int { return s.snap.CurrentIndex }

// Len is the number of questions in the session.
func (s *QuizSession) Len() int { return len(s.snap.Questions) }

// IsLast reports whether the current question is the final one.
func (s *QuizSession) IsLast() bool { return s.snap.CurrentIndex == len(s.snap.Questions)-1 }

// Question returns the current question.
func (s *QuizSession) Question() Question { return s.snap.Questions[s.snap.CurrentIndex] }

// Rating returns the current question's rating, 0 when unanswered.
func (s *QuizSession) Rating() int { return s.RatingFor(s.Question().ID) }

// RatingFor returns the rating given to a question, 0 when unanswered.
func (s *QuizSession) RatingFor(questionID int) int {
	for _, a := range s.snap.Answers {
		if a.QuestionID == questionID {
			return a.Rating
		}
	}
	return 0
}

// SubmitPending reports whether a submit was started but did not finish.
func (s *QuizSession) SubmitPending() bool { return s.snap.Pending != nil }

// Answers returns the recorded answers in question order.
func (s *QuizSession) Answers() []Answer {
	return orderedAnswers(s.snap.Questions, s.snap.Answers)
}

// Answer records rating for the current question, replacing any previous one.
func (s *QuizSession) Answer(rating int) error {
	if err := s.checkEditable(); err != nil {
		return err
	}
	if rating < 1 || rating > s.ScaleMax() {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidRating, rating, s.ScaleMax())
	}

	q := s.Question()
	next := s.snap.clone()
	next.Answers = upsertAnswer(next.Answers, Answer{QuestionID: q.ID, Rating: rating})
	if err := s.persist(next); err != nil {
		return err
	}

	s.svc.logEvent(EventAnswerRecorded, s.snap, map[string]any{
		"question_id": q.ID,
		"rating":      rating,
	})
	return nil
}

// Next moves to the following question. It fails with ErrNavigationBlocked
// when the current question is unanswered or is the last one.
func (s *QuizSession) Next() error {
	if err := s.checkEditable(); err != nil {
		return err
	}
	if s.Rating() == 0 {
		return fmt.Errorf("%w: question %d has no rating", ErrNavigationBlocked, s.Question().ID)
	}
	if s.IsLast() {
		return fmt.Errorf("%w: already on the last question", ErrNavigationBlocked)
	}

	next := s.snap.clone()
	next.CurrentIndex++
	return s.persist(next)
}

// Previous moves back one question, or returns NavCancel on the first one.
func (s *QuizSession) Previous() (Navigation, error) {
	if err := s.checkEditable(); err != nil {
		return NavMoved, err
	}
	if s.snap.CurrentIndex == 0 {
		return NavCancel, nil
	}

	next := s.snap.clone()
	next.CurrentIndex--
	if err := s.persist(next); err != nil {
		return NavMoved, err
	}
	return NavMoved, nil
}

// Submit turns the session into an immutable Response. The response is
// appended, the completion recorded and the snapshot deleted, in that order.
// Each step is idempotent so a failed submit can be retried.
func (s *QuizSession) Submit() (Response, error) {
	if err := s.checkOpen(); err != nil {
		return Response{}, err
	}
	if !s.IsLast() || s.Rating() == 0 {
		return Response{}, fmt.Errorf("%w: %d of %d questions answered",
			ErrIncomplete, len(s.Answers()), s.Len())
	}

	if s.snap.Pending == nil {
		next := s.snap.clone()
		resp := s.buildResponse()
		next.Pending = &resp
		if err := s.persist(next); err != nil {
			return Response{}, err
		}
	}
	resp := *s.snap.clone().Pending

	if err := s.svc.responses.Append(resp); err != nil {
		return Response{}, persistenceError("append response", err)
	}
	if err := s.svc.tracker.MarkComplete(resp.StudentID, resp.Grade, resp.TeacherID, resp.SubjectID); err != nil {
		return Response{}, err
	}
	if err := s.svc.snapshots.Delete(resp.StudentID); err != nil {
		return Response{}, persistenceError("delete session", err)
	}

	s.state = StateSubmitted
	s.svc.logEvent(EventSessionSubmitted, s.snap, map[string]any{
		"response_id": resp.ResponseID,
		"answers":     len(resp.Answers),
	})
	return resp, nil
}

// Discard deletes the session without producing a response.
func (s *QuizSession) Discard() error {
	if err := s.checkEditable(); err != nil {
		return err
	}
	if err := s.svc.snapshots.Delete(s.snap.StudentID); err != nil {
		return persistenceError("delete session", err)
	}
	s.state = StateDiscarded
	s.svc.logEvent(EventSessionDiscarded, s.snap, map[string]any{
		"answered": len(s.Answers()),
	})
	return nil
}

func (s *QuizSession) checkOpen() error {
	if s.state != StateInProgress {
		return fmt.Errorf("%w: session %s is %s", ErrSessionClosed, s.snap.SessionID, s.state)
	}
	return nil
}

// checkEditable rejects changes once a submit has been started. The pending
// response may already be stored, so the only way forward is Submit.
func (s *QuizSession) checkEditable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.snap.Pending != nil {
		return fmt.Errorf("%w: session %s has a submit in progress", ErrSessionClosed, s.snap.SessionID)
	}
	return nil
}

// persist saves next and adopts it as the session state only on success.
func (s *QuizSession) persist(next Snapshot) error {
	next.UpdatedAt = s.svc.now()
	if err := s.svc.snapshots.Save(next); err != nil {
		return persistenceError("save session", err)
	}
	s.snap = next
	return nil
}

func (s *QuizSession) buildResponse() Response {
	createdAt := s.svc.now()
	return Response{
		ResponseID:  NewResponseID(s.snap.StudentID, s.snap.TeacherID, s.snap.SubjectID, s.snap.Grade, createdAt),
		TeacherID:   s.snap.TeacherID,
		SubjectID:   s.snap.SubjectID,
		SubjectName: s.snap.SubjectName,
		Grade:       s.snap.Grade,
		StudentID:   s.snap.StudentID,
		Answers:     s.Answers(),
		CreatedAt:   createdAt,
	}
}

func upsertAnswer(answers []Answer, a Answer) []Answer {
	for i := range answers {
		if answers[i].QuestionID == a.QuestionID {
			answers[i].Rating = a.Rating
			return answers
		}
	}
	return append(answers, a)
}

func orderedAnswers(questions []Question, answers []Answer) []Answer {
	out := make([]Answer, 0, len(answers))
	for _, q := range questions {
		for _, a := range answers {
			if a.QuestionID == q.ID && a.Rating > 0 {
				out = append(out, a)
				break
			}
		}
	}
	return out
}
