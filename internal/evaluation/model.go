package evaluation

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Question is one item of a tier's quiz.
type Question struct {
	ID   int    `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Answer is a student's rating for one question. Rating 0 means unanswered.
type Answer struct {
	QuestionID int `json:"questionId"`
	Rating     int `json:"rating"`
}

// Subject is a course a teacher gives.
type Subject struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Teacher is an entry of the teacher directory.
type Teacher struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Avatar       string    `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Subjects     []Subject `json:"subjects" yaml:"subjects"`
	GradesTaught []Grade   `json:"gradesTaught" yaml:"grades_taught"`
}

// Teaches reports whether the teacher gives classes in grade g.
func (t Teacher) Teaches(g Grade) bool {
	return slices.Contains(t.GradesTaught, g)
}

// TeachesTier reports whether any taught grade belongs to tier.
func (t Teacher) TeachesTier(tier Tier) bool {
	for _, g := range t.GradesTaught {
		if gt, err := TierOf(g); err == nil && gt == tier {
			return true
		}
	}
	return false
}

// Subject returns the teacher's subject with the given id.
func (t Teacher) Subject(id string) (Subject, bool) {
	for _, s := range t.Subjects {
		if s.ID == id {
			return s, true
		}
	}
	return Subject{}, false
}

// Response is a submitted evaluation. It is never modified after creation.
type Response struct {
	ResponseID  string    `json:"responseId"`
	TeacherID   string    `json:"teacherId"`
	SubjectID   string    `json:"subjectId"`
	SubjectName string    `json:"subjectName"`
	Grade       Grade     `json:"grade"`
	StudentID   string    `json:"studentId"`
	Answers     []Answer  `json:"answers"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewResponseID builds the response identifier from its owner and timestamp.
func NewResponseID(studentID, teacherID, subjectID string, grade Grade, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s-%d", studentID, teacherID, subjectID, grade, at.UnixMilli())
}

// Obligation is one (teacher, subject) pair a student of a grade has to evaluate.
type Obligation struct {
	TeacherID   string `json:"teacherId"`
	TeacherName string `json:"teacherName"`
	SubjectID   string `json:"subjectId"`
	SubjectName string `json:"subjectName"`
}

// Key is the completion key of the obligation.
func (o Obligation) Key() string {
	return CompletionKey(o.TeacherID, o.SubjectID)
}

// CompletionKey identifies an evaluated teacher and subject within a grade.
func CompletionKey(teacherID, subjectID string) string {
	return teacherID + "_" + subjectID
}

// ObligationsFor lists every subject of every teacher who teaches grade,
// in directory order.
func ObligationsFor(teachers []Teacher, grade Grade) []Obligation {
	var out []Obligation
	for _, t := range teachers {
		if !t.Teaches(grade) {
			continue
		}
		for _, s := range t.Subjects {
			out = append(out, Obligation{
				TeacherID:   t.ID,
				TeacherName: t.Name,
				SubjectID:   s.ID,
				SubjectName: s.Name,
			})
		}
	}
	return out
}

// NormalizeStudentID trims the id, collapses inner whitespace and puts it in
// NFC so the same typed name always compares equal.
func NormalizeStudentID(id string) string {
	return norm.NFC.String(strings.Join(strings.Fields(id), " "))
}

// StudentKey is the storage key for a student's session and completion data.
// Names are case-folded so "Ana Pérez" and "ana pérez" share their records,
// and hashed so raw names do not appear in key spaces.
func StudentKey(studentID string) string {
	sum := blake2b.Sum256([]byte(cases.Fold().String(NormalizeStudentID(studentID))))
	return hex.EncodeToString(sum[:16])
}
