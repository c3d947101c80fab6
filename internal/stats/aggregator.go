// Package stats turns stored responses into normalized teacher statistics.
// Primary ratings (1..3) and secondary ratings (1..4) are both mapped onto a
// 0..5 scale so teachers can be compared across tiers. Every function is pure;
// Aggregator.Completion is the only input read outside the arguments.
package stats

import (
	"math"
	"slices"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

// Scale is the common scale every rating is normalized to.
const Scale = 5

// Normalize maps rating onto 0..Scale for tier. Ratings <= 0 and unknown
// tiers yield 0; callers exclude them before averaging.
func Normalize(rating int, tier evaluation.Tier) float64 {
	scaleMax := evaluation.ScaleMaxFor(tier)
	if rating <= 0 || scaleMax == 0 {
		return 0
	}
	return float64(rating) / float64(scaleMax) * Scale
}

// TeacherAverage is a teacher's normalized average over their responses.
type TeacherAverage struct {
	AverageRating float64 `json:"averageRating"`
	ResponseCount int     `json:"responseCount"`
}

// PositionAverage is the normalized average of every answer given at one
// question position.
type PositionAverage struct {
	Position      int     `json:"position"`
	AverageRating float64 `json:"averageRating"`
	AnswerCount   int     `json:"answerCount"`
}

// CompletionChecker answers whether a student finished a grade.
// *evaluation.CompletionTracker implements it.
type CompletionChecker interface {
	IsGradeComplete(studentID string, grade evaluation.Grade, obligations []evaluation.Obligation) (bool, error)
}

// Aggregator computes statistics. Positions fixes the number of question
// positions reported; 0 means the largest position observed. When Completion
// is set, grade summaries count finished students from it instead of from
// the responses.
type Aggregator struct {
	Positions  int
	Completion CompletionChecker
}

// AverageForTeacher averages, per response, the normalized ratings > 0 and
// then averages those per-response values. Responses without a valid answer
// or with an unknown grade are counted but do not enter the average.
func AverageForTeacher(teacherID string, responses []evaluation.Response) TeacherAverage {
	var sum float64
	var count, contributing int
	for _, r := range responses {
		if r.TeacherID != teacherID {
			continue
		}
		count++
		tier, err := evaluation.TierOf(r.Grade)
		if err != nil {
			continue
		}

		avg, ok := responseAverage(r, tier)
		if !ok {
			continue
		}
		sum += avg
		contributing++
	}

	out := TeacherAverage{ResponseCount: count}
	if contributing > 0 {
		out.AverageRating = round2(sum / float64(contributing))
	}
	return out
}

// responseAverage is the normalized mean of a response's valid ratings.
func responseAverage(r evaluation.Response, tier evaluation.Tier) (float64, bool) {
	var total float64
	var n int
	for _, a := range r.Answers {
		if a.Rating <= 0 {
			continue
		}
		total += Normalize(a.Rating, tier)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}

// QuestionPositionAverages groups a teacher's answers by QuestionPosition so
// primary question 3 and secondary question 103 are averaged together.
// Positions without answers report 0.
func (a Aggregator) QuestionPositionAverages(teacherID string, responses []evaluation.Response) []PositionAverage {
	totals := map[int]float64{}
	counts := map[int]int{}
	maxSeen := 0
	for _, r := range responses {
		if r.TeacherID != teacherID {
			continue
		}
		tier, err := evaluation.TierOf(r.Grade)
		if err != nil {
			continue
		}
		for _, ans := range r.Answers {
			pos := evaluation.QuestionPosition(ans.QuestionID)
			if ans.Rating <= 0 || pos < 1 {
				continue
			}
			totals[pos] += Normalize(ans.Rating, tier)
			counts[pos]++
			maxSeen = max(maxSeen, pos)
		}
	}

	n := a.Positions
	if n <= 0 {
		n = maxSeen
	}
	out := make([]PositionAverage, n)
	for i := range out {
		pos := i + 1
		out[i] = PositionAverage{Position: pos, AnswerCount: counts[pos]}
		if counts[pos] > 0 {
			out[i].AverageRating = round2(totals[pos] / float64(counts[pos]))
		}
	}
	return out
}

// GroupTeachers splits teachers by the tiers they teach in. A teacher with
// grades in both tiers appears in both groups.
func GroupTeachers(teachers []evaluation.Teacher) (primary, secondary []evaluation.Teacher) {
	for _, t := range teachers {
		if t.TeachesTier(evaluation.TierPrimary) {
			primary = append(primary, t)
		}
		if t.TeachesTier(evaluation.TierSecondary) {
			secondary = append(secondary, t)
		}
	}
	return primary, secondary
}

// TeacherRow is one line of a tier comparison table.
type TeacherRow struct {
	TeacherID   string `json:"teacherId"`
	TeacherName string `json:"teacherName"`
	TeacherAverage
}

// GroupAverages computes AverageForTeacher for each teacher of a group over
// all of that teacher's responses, sorted by name in Spanish collation order.
func GroupAverages(group []evaluation.Teacher, responses []evaluation.Response) []TeacherRow {
	rows := make([]TeacherRow, 0, len(group))
	for _, t := range group {
		rows = append(rows, TeacherRow{
			TeacherID:      t.ID,
			TeacherName:    t.Name,
			TeacherAverage: AverageForTeacher(t.ID, responses),
		})
	}
	SortByName(rows, func(r TeacherRow) string { return r.TeacherName })
	return rows
}

// SortByName sorts items by the name returned from key using Spanish
// collation, so "Álvarez" sorts next to "Alvarez" rather than after "Z".
func SortByName[T any](items []T, key func(T) string) {
	c := collate.New(language.Spanish, collate.IgnoreCase)
	slices.SortStableFunc(items, func(a, b T) int {
		return c.CompareString(key(a), key(b))
	})
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
