package api

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
	"github.com/p-n-ai/pai-eval/internal/stats"
)

// report builds the current statistics report.
func (s *Server) report() (stats.Report, error) {
	teachers, err := s.svc.Teachers()
	if err != nil {
		return stats.Report{}, err
	}
	responses, err := s.svc.Responses()
	if err != nil {
		return stats.Report{}, err
	}
	return s.agg.Report(teachers, responses, s.now().UTC()), nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.report()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type teacherStats struct {
	Teacher   evaluation.Teacher      `json:"teacher"`
	Average   stats.TeacherAverage    `json:"average"`
	Positions []stats.PositionAverage `json:"positions"`
	Grade     evaluation.Grade        `json:"grade,omitempty"`
	Students  []stats.StudentResponse `json:"students,omitempty"`
}

// handleTeacherStats returns one teacher's averages. With ?grade= it also
// lists every student response given to the teacher in that grade.
func (s *Server) handleTeacherStats(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "teacher")
	teachers, err := s.svc.Teachers()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	i := slices.IndexFunc(teachers, func(t evaluation.Teacher) bool { return t.ID == id })
	if i < 0 {
		s.writeError(w, r, fmt.Errorf("teacher %q: %w", id, evaluation.ErrNotFound))
		return
	}
	responses, err := s.svc.Responses()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := teacherStats{
		Teacher:   teachers[i],
		Average:   stats.AverageForTeacher(id, responses),
		Positions: s.agg.QuestionPositionAverages(id, responses),
	}
	if q := r.URL.Query().Get("grade"); q != "" {
		grade, err := evaluation.ParseGrade(q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out.Grade = grade
		out.Students = stats.StudentDetails(grade, id, responses)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.report()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := stats.WriteXLSX(&buf, rep); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("evaluaciones-%s.xlsx", rep.GeneratedAt.Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
