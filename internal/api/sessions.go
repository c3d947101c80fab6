package api

import (
	"net/http"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

type startRequest struct {
	TeacherID string `json:"teacherId" validate:"required"`
	SubjectID string `json:"subjectId" validate:"required"`
	Grade     string `json:"grade" validate:"required"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type answerRequest struct {
	SessionID string `json:"sessionId"`
	Rating    *int   `json:"rating" validate:"required"`
}

// sessionView is the client-facing state of an open session.
type sessionView struct {
	SessionID   string              `json:"sessionId"`
	StudentID   string              `json:"studentId"`
	TeacherID   string              `json:"teacherId"`
	SubjectID   string              `json:"subjectId"`
	SubjectName string              `json:"subjectName"`
	Grade       evaluation.Grade    `json:"grade"`
	Tier        string              `json:"tier"`
	ScaleMax    int                 `json:"scaleMax"`
	Labels      []string            `json:"labels"`
	State       string              `json:"state"`
	Index       int                 `json:"index"`
	Total       int                 `json:"total"`
	IsLast      bool                `json:"isLast"`
	Question    evaluation.Question `json:"question"`
	Rating      int                 `json:"rating"`
	Answers     []evaluation.Answer `json:"answers"`
	Navigation  string              `json:"navigation,omitempty"`
}

func newSessionView(qs *evaluation.QuizSession) sessionView {
	snap := qs.Snapshot()
	return sessionView{
		SessionID:   snap.SessionID,
		StudentID:   snap.StudentID,
		TeacherID:   snap.TeacherID,
		SubjectID:   snap.SubjectID,
		SubjectName: snap.SubjectName,
		Grade:       snap.Grade,
		Tier:        qs.Tier().String(),
		ScaleMax:    qs.ScaleMax(),
		Labels:      evaluation.RatingLabels(qs.Tier()),
		State:       qs.State().String(),
		Index:       qs.Index(),
		Total:       qs.Len(),
		IsLast:      qs.IsLast(),
		Question:    qs.Question(),
		Rating:      qs.Rating(),
		Answers:     qs.Answers(),
	}
}

func (s *Server) ref(r *http.Request, sessionID string) evaluation.SessionRef {
	return evaluation.SessionRef{StudentID: pathParam(r, "student"), SessionID: sessionID}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	grade, err := evaluation.ParseGrade(req.Grade)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	qs, err := s.svc.Start(pathParam(r, "student"), req.TeacherID, req.SubjectID, grade)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(qs))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	qs, err := s.svc.Resume(pathParam(r, "student"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(qs))
}

// handleDiscard deletes the open session. ?sessionId= guards against
// discarding a newer session than the caller knows about.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Discard(s.ref(r, r.URL.Query().Get("sessionId"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !s.decode(w, r, &req) {
		return
	}
	qs, err := s.svc.Answer(s.ref(r, req.SessionID), *req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(qs))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	qs, err := s.svc.Next(s.ref(r, req.SessionID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(qs))
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	qs, nav, err := s.svc.Previous(s.ref(r, req.SessionID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := newSessionView(qs)
	view.Navigation = "moved"
	if nav == evaluation.NavCancel {
		view.Navigation = "cancel"
	}
	writeJSON(w, http.StatusOK, view)
}

type submitResponse struct {
	Response evaluation.Response `json:"response"`
	Progress evaluation.Progress `json:"progress"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, progress, err := s.svc.Submit(s.ref(r, req.SessionID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Response: resp, Progress: progress})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	grade, err := evaluation.ParseGrade(pathParam(r, "grade"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	progress, err := s.svc.Progress(pathParam(r, "student"), grade)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if progress.Done == nil {
		progress.Done = []evaluation.Obligation{}
	}
	if progress.Pending == nil {
		progress.Pending = []evaluation.Obligation{}
	}
	writeJSON(w, http.StatusOK, progress)
}
