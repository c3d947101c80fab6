package evaluation

import "fmt"

// ProgressState summarizes a student's progress through a grade.
type ProgressState string

const (
	// ProgressNoTeachers means no teacher is assigned to the grade.
	ProgressNoTeachers ProgressState = "no_teachers"
	ProgressInProgress ProgressState = "in_progress"
	ProgressComplete   ProgressState = "complete"
)

// Progress is a student's completion status for one grade.
type Progress struct {
	Grade     Grade         `json:"grade"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Done      []Obligation  `json:"done"`
	Pending   []Obligation  `json:"pending"`
	State     ProgressState `json:"state"`
}

// CompletionTracker records which teacher/subject pairs each student has
// evaluated per grade.
type CompletionTracker struct {
	completion CompletionStore
	snapshots  SessionSnapshotStore
}

// NewCompletionTracker builds a tracker. snapshots is only used by ClearAll.
func NewCompletionTracker(completion CompletionStore, snapshots SessionSnapshotStore) *CompletionTracker {
	return &CompletionTracker{completion: completion, snapshots: snapshots}
}

// MarkComplete records that the student evaluated teacherID/subjectID in grade.
// Marking the same pair twice has no further effect.
func (t *CompletionTracker) MarkComplete(studentID string, grade Grade, teacherID, subjectID string) error {
	if err := t.completion.Add(studentID, grade, CompletionKey(teacherID, subjectID)); err != nil {
		return persistenceError("mark complete", err)
	}
	return nil
}

// IsComplete reports whether the pair was submitted by the student in grade.
func (t *CompletionTracker) IsComplete(studentID string, grade Grade, teacherID, subjectID string) (bool, error) {
	keys, err := t.keys(studentID, grade)
	if err != nil {
		return false, err
	}
	_, ok := keys[CompletionKey(teacherID, subjectID)]
	return ok, nil
}

// IsGradeComplete reports whether every obligation has been submitted.
// A grade without obligations is never complete.
func (t *CompletionTracker) IsGradeComplete(studentID string, grade Grade, obligations []Obligation) (bool, error) {
	p, err := t.Progress(studentID, grade, obligations)
	if err != nil {
		return false, err
	}
	return p.State == ProgressComplete, nil
}

// Progress splits the obligations into done and pending ones.
func (t *CompletionTracker) Progress(studentID string, grade Grade, obligations []Obligation) (Progress, error) {
	p := Progress{
		Grade:   grade,
		Total:   len(obligations),
		Done:    []Obligation{},
		Pending: []Obligation{},
	}
	if len(obligations) == 0 {
		p.State = ProgressNoTeachers
		return p, nil
	}

	keys, err := t.keys(studentID, grade)
	if err != nil {
		return Progress{}, err
	}
	for _, o := range obligations {
		if _, ok := keys[o.Key()]; ok {
			p.Done = append(p.Done, o)
		} else {
			p.Pending = append(p.Pending, o)
		}
	}
	p.Completed = len(p.Done)
	p.State = ProgressInProgress
	if len(p.Pending) == 0 {
		p.State = ProgressComplete
	}
	return p, nil
}

// ClearAll removes every completion record and every in-progress session.
func (t *CompletionTracker) ClearAll() error {
	if err := t.completion.ClearAll(); err != nil {
		return persistenceError("clear completion", err)
	}
	if t.snapshots != nil {
		if err := t.snapshots.ClearAll(); err != nil {
			return persistenceError("clear sessions", err)
		}
	}
	return nil
}

func (t *CompletionTracker) keys(studentID string, grade Grade) (map[string]struct{}, error) {
	keys, err := t.completion.Keys(studentID, grade)
	if err != nil {
		return nil, persistenceError(fmt.Sprintf("load completion for grade %s", grade), err)
	}
	return keys, nil
}
