package stats

import (
	"math"
	"slices"
	"time"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

// AnswerDetail is one answer of a student listing.
type AnswerDetail struct {
	QuestionID int     `json:"questionId"`
	Position   int     `json:"position"`
	Rating     int     `json:"rating"`
	ScaleMax   int     `json:"scaleMax"`
	Normalized float64 `json:"normalized"`
	Stars      int     `json:"stars"`
}

// StudentResponse is one response shown in the per-student listing.
type StudentResponse struct {
	ResponseID  string         `json:"responseId"`
	StudentID   string         `json:"studentId"`
	SubjectID   string         `json:"subjectId"`
	SubjectName string         `json:"subjectName"`
	CreatedAt   time.Time      `json:"createdAt"`
	Answers     []AnswerDetail `json:"answers"`
}

// StudentDetails lists every response given to teacherID in grade, oldest
// first, with each answer shown as rating/scaleMax and a 0..5 star count.
func StudentDetails(grade evaluation.Grade, teacherID string, responses []evaluation.Response) []StudentResponse {
	tier, err := evaluation.TierOf(grade)
	if err != nil {
		return nil
	}
	scaleMax := evaluation.ScaleMaxFor(tier)

	out := []StudentResponse{}
	for _, r := range responses {
		if r.Grade != grade || r.TeacherID != teacherID {
			continue
		}
		answers := slices.Clone(r.Answers)
		slices.SortFunc(answers, func(a, b evaluation.Answer) int { return a.QuestionID - b.QuestionID })

		details := make([]AnswerDetail, 0, len(answers))
		for _, a := range answers {
			n := Normalize(a.Rating, tier)
			details = append(details, AnswerDetail{
				QuestionID: a.QuestionID,
				Position:   evaluation.QuestionPosition(a.QuestionID),
				Rating:     a.Rating,
				ScaleMax:   scaleMax,
				Normalized: round2(n),
				Stars:      int(math.Round(n)),
			})
		}
		out = append(out, StudentResponse{
			ResponseID:  r.ResponseID,
			StudentID:   r.StudentID,
			SubjectID:   r.SubjectID,
			SubjectName: r.SubjectName,
			CreatedAt:   r.CreatedAt,
			Answers:     details,
		})
	}
	slices.SortStableFunc(out, func(a, b StudentResponse) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}
