package stats

import (
	"time"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

// Report is the full statistics view over one snapshot of responses.
type Report struct {
	GeneratedAt    time.Time         `json:"generatedAt"`
	TotalResponses int               `json:"totalResponses"`
	Primary        []TeacherRow      `json:"primary"`
	Secondary      []TeacherRow      `json:"secondary"`
	Teachers       []TeacherPosition `json:"teachers"`
	Grades         []GradeSummary    `json:"grades"`
}

// TeacherPosition holds a teacher's per-position averages.
type TeacherPosition struct {
	TeacherID   string            `json:"teacherId"`
	TeacherName string            `json:"teacherName"`
	Positions   []PositionAverage `json:"positions"`
}

// GradeSummary counts responses and finished students for one grade.
type GradeSummary struct {
	Grade       evaluation.Grade `json:"grade"`
	Tier        string           `json:"tier"`
	Obligations int              `json:"obligations"`
	Responses   int              `json:"responses"`
	Students    int              `json:"students"`
	Completed   int              `json:"completed"`
}

// Report builds every table from teachers and responses. generatedAt is
// stamped as given.
func (a Aggregator) Report(teachers []evaluation.Teacher, responses []evaluation.Response, generatedAt time.Time) Report {
	primary, secondary := GroupTeachers(teachers)

	r := Report{
		GeneratedAt:    generatedAt,
		TotalResponses: len(responses),
		Primary:        GroupAverages(primary, responses),
		Secondary:      GroupAverages(secondary, responses),
		Teachers:       make([]TeacherPosition, 0, len(teachers)),
		Grades:         a.gradeSummaries(teachers, responses),
	}
	for _, t := range teachers {
		r.Teachers = append(r.Teachers, TeacherPosition{
			TeacherID:   t.ID,
			TeacherName: t.Name,
			Positions:   a.QuestionPositionAverages(t.ID, responses),
		})
	}
	SortByName(r.Teachers, func(t TeacherPosition) string { return t.TeacherName })
	return r
}

// completed asks a.Completion whether studentID finished grade. It falls back
// to the submitted keys when no checker is set or the checker fails.
func (a Aggregator) completed(studentID string, grade evaluation.Grade, keys map[string]struct{}, obligations []evaluation.Obligation) bool {
	if a.Completion != nil {
		done, err := a.Completion.IsGradeComplete(studentID, grade, obligations)
		if err == nil {
			return done
		}
	}
	return coversAll(keys, obligations)
}

// gradeSummaries reports, per grade, how many students submitted at least one
// response and how many finished every obligation of the grade.
func (a Aggregator) gradeSummaries(teachers []evaluation.Teacher, responses []evaluation.Response) []GradeSummary {
	out := make([]GradeSummary, 0, len(evaluation.Grades()))
	for _, g := range evaluation.Grades() {
		tier, _ := evaluation.TierOf(g)
		obligations := evaluation.ObligationsFor(teachers, g)

		done := map[string]map[string]struct{}{}
		students := map[string]string{}
		count := 0
		for _, r := range responses {
			if r.Grade != g {
				continue
			}
			count++
			key := evaluation.StudentKey(r.StudentID)
			if done[key] == nil {
				done[key] = map[string]struct{}{}
				students[key] = r.StudentID
			}
			done[key][evaluation.CompletionKey(r.TeacherID, r.SubjectID)] = struct{}{}
		}

		finished := 0
		if len(obligations) > 0 {
			for key, keys := range done {
				if a.completed(students[key], g, keys, obligations) {
					finished++
				}
			}
		}
		out = append(out, GradeSummary{
			Grade:       g,
			Tier:        tier.String(),
			Obligations: len(obligations),
			Responses:   count,
			Students:    len(done),
			Completed:   finished,
		})
	}
	return out
}

func coversAll(keys map[string]struct{}, obligations []evaluation.Obligation) bool {
	for _, o := range obligations {
		if _, ok := keys[o.Key()]; !ok {
			return false
		}
	}
	return true
}
