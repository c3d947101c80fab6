package api

import (
	"fmt"
	"net/http"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

type gradeView struct {
	Grade    evaluation.Grade `json:"grade"`
	Tier     string           `json:"tier"`
	ScaleMax int              `json:"scaleMax"`
	Labels   []string         `json:"labels"`
}

func (s *Server) handleGrades(w http.ResponseWriter, r *http.Request) {
	grades := evaluation.Grades()
	out := make([]gradeView, 0, len(grades))
	for _, g := range grades {
		tier, _ := evaluation.TierOf(g)
		out = append(out, gradeView{
			Grade:    g,
			Tier:     tier.String(),
			ScaleMax: evaluation.ScaleMaxFor(tier),
			Labels:   evaluation.RatingLabels(tier),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTeachers lists the whole directory, or the teachers of ?grade=.
func (s *Server) handleTeachers(w http.ResponseWriter, r *http.Request) {
	var (
		teachers []evaluation.Teacher
		err      error
	)
	if q := r.URL.Query().Get("grade"); q != "" {
		grade, perr := evaluation.ParseGrade(q)
		if perr != nil {
			s.writeError(w, r, perr)
			return
		}
		teachers, err = s.svc.TeachersFor(grade)
	} else {
		teachers, err = s.svc.Teachers()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if teachers == nil {
		teachers = []evaluation.Teacher{}
	}
	writeJSON(w, http.StatusOK, teachers)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	tier, err := evaluation.ParseTier(pathParam(r, "tier"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", evaluation.ErrNotFound, err))
		return
	}
	questions, err := s.svc.Questions(tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":      tier.String(),
		"scaleMax":  evaluation.ScaleMaxFor(tier),
		"labels":    evaluation.RatingLabels(tier),
		"questions": questions,
	})
}
