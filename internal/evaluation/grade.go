// Package evaluation implements the student evaluation flow: grade tiers, the
// per-student quiz session state machine, completion tracking and the storage
// ports those pieces persist through.
package evaluation

import (
	"fmt"
	"strings"
)

// Grade is a school grade as shown to students.
type Grade string

const (
	GradePreschool Grade = "Preescolar"
	Grade1         Grade = "1º"
	Grade2         Grade = "2º"
	Grade3         Grade = "3º"
	Grade4         Grade = "4º"
	Grade5         Grade = "5º"
	Grade6         Grade = "6º"
	Grade7         Grade = "7º"
	Grade8         Grade = "8º"
	Grade9         Grade = "9º"
	Grade10        Grade = "10º"
	Grade11        Grade = "11º"
)

var allGrades = []Grade{
	GradePreschool, Grade1, Grade2, Grade3, Grade4, Grade5,
	Grade6, Grade7, Grade8, Grade9, Grade10, Grade11,
}

// Grades returns every grade in school order.
func Grades() []Grade {
	return append([]Grade(nil), allGrades...)
}

// ParseGrade accepts the display form ("5º") as well as the common typed
// variants ("5", "5o", "5°", "preescolar").
func ParseGrade(s string) (Grade, error) {
	v := strings.TrimSpace(s)
	if strings.EqualFold(v, string(GradePreschool)) {
		return GradePreschool, nil
	}
	v = strings.TrimSuffix(v, "º")
	v = strings.TrimSuffix(v, "°")
	v = strings.TrimSuffix(v, "o")
	for _, g := range allGrades[1:] {
		if strings.TrimSuffix(string(g), "º") == v {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGrade, s)
}

// Valid reports whether g is one of the known grades.
func (g Grade) Valid() bool {
	_, err := TierOf(g)
	return err == nil
}

// Tier is a grade band with its own question set and rating scale.
type Tier int

const (
	TierUnknown Tier = iota
	TierPrimary
	TierSecondary
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// ParseTier is the inverse of Tier.String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return TierPrimary, nil
	case "secondary":
		return TierSecondary, nil
	default:
		return TierUnknown, fmt.Errorf("unknown tier %q", s)
	}
}

// TierOf returns the tier a grade belongs to.
func TierOf(g Grade) (Tier, error) {
	switch g {
	case GradePreschool, Grade1, Grade2, Grade3, Grade4, Grade5:
		return TierPrimary, nil
	case Grade6, Grade7, Grade8, Grade9, Grade10, Grade11:
		return TierSecondary, nil
	default:
		return TierUnknown, fmt.Errorf("%w: %q", ErrUnknownGrade, string(g))
	}
}

// GradesIn returns the grades of a tier in school order.
func GradesIn(t Tier) []Grade {
	var out []Grade
	for _, g := range allGrades {
		if gt, _ := TierOf(g); gt == t {
			out = append(out, g)
		}
	}
	return out
}

// ScaleMaxFor is the highest rating a student of the tier can give.
// It returns 0 for TierUnknown.
func ScaleMaxFor(t Tier) int {
	switch t {
	case TierPrimary:
		return 3
	case TierSecondary:
		return 4
	default:
		return 0
	}
}

// RatingLabels returns the label shown for each rating 1..ScaleMaxFor(t).
func RatingLabels(t Tier) []string {
	switch t {
	case TierPrimary:
		return []string{"Ninguna vez", "A veces", "Siempre"}
	case TierSecondary:
		return []string{"Ninguna vez", "Pocas veces", "Casi siempre", "Siempre"}
	default:
		return nil
	}
}

// questionIDBlock is the size of the id range reserved for each tier.
// Primary ids are 1..N and secondary ids are 101..100+N.
const questionIDBlock = 100

// QuestionPosition returns the 1-based position of a question within its tier's
// quiz. Primary id 3 and secondary id 103 are both position 3, which is what
// lets results for one teacher be compared across tiers. The mapping only holds
// while each tier keeps fewer than 100 questions in its own id block.
func QuestionPosition(questionID int) int {
	return questionID % questionIDBlock
}

// QuestionID is the inverse of QuestionPosition for a given tier.
func QuestionID(t Tier, position int) int {
	if t == TierSecondary {
		return questionIDBlock + position
	}
	return position
}
