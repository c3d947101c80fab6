package evaluation

// QuestionRepository supplies the ordered question set of a tier.
type QuestionRepository interface {
	Questions(tier Tier) ([]Question, error)
}

// TeacherDirectory lists the teachers students can evaluate.
type TeacherDirectory interface {
	ListTeachers() ([]Teacher, error)
}

// ResponseStore is the append-only store of submitted responses.
// Append ignores a response whose ResponseID is already stored.
type ResponseStore interface {
	Append(resp Response) error
	List() ([]Response, error)
	ClearAll() error
}

// SessionSnapshotStore persists at most one in-progress session per student.
// Load returns ErrNotFound when the student has no session.
type SessionSnapshotStore interface {
	Save(snap Snapshot) error
	Load(studentID string) (*Snapshot, error)
	Delete(studentID string) error
	ClearAll() error
}

// CompletionStore keeps, per student and grade, the set of completion keys.
type CompletionStore interface {
	Add(studentID string, grade Grade, key string) error
	Keys(studentID string, grade Grade) (map[string]struct{}, error)
	ClearAll() error
}
