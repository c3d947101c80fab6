// Package bot drives teacher evaluations over a chat channel. Each chat keeps
// the student's name, grade and open session id; every step is delegated to
// evaluation.Service, which owns persistence.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/p-n-ai/pai-eval/internal/chat"
	"github.com/p-n-ai/pai-eval/internal/evaluation"
	"github.com/p-n-ai/pai-eval/internal/i18n"
)

// Sender delivers replies. *chat.Gateway implements it.
type Sender interface {
	Send(ctx context.Context, msg chat.OutboundMessage) error
}

// EngineConfig holds dependencies for the bot engine.
type EngineConfig struct {
	Service  *evaluation.Service
	Language string // fallback reply language (default i18n.DefaultLanguage)
	// IdleTTL is how long an inactive chat keeps its name and grade
	// (default 24h). Stored sessions are not affected.
	IdleTTL time.Duration
	Now     func() time.Time
}

const sweepInterval = time.Minute

// Engine maps chat commands onto evaluation operations.
type Engine struct {
	svc       *evaluation.Service
	lang      string
	idleTTL   time.Duration
	now       func() time.Time
	mu        sync.Mutex
	chats     map[string]*chatState
	lastSweep time.Time
}

type chatState struct {
	mu        sync.Mutex
	name      string
	grade     evaluation.Grade
	sessionID string
	lastSeen  time.Time // guarded by Engine.mu
}

func (st *chatState) ref() evaluation.SessionRef {
	return evaluation.SessionRef{StudentID: st.name, SessionID: st.sessionID}
}

// NewEngine creates a bot engine.
func NewEngine(cfg EngineConfig) *Engine {
	lang := cfg.Language
	if lang == "" {
		lang = i18n.DefaultLanguage
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		svc:     cfg.Service,
		lang:    lang,
		idleTTL: idle,
		now:     now,
		chats:   make(map[string]*chatState),
	}
}

// Commands returns the command menu in the engine's language.
func (e *Engine) Commands(ctx context.Context) []chat.Command {
	ctx = i18n.WithLanguage(ctx, e.lang)
	return []chat.Command{
		{Command: "start", Description: i18n.T(ctx, "CmdStart")},
		{Command: "nombre", Description: i18n.T(ctx, "CmdName")},
		{Command: "grado", Description: i18n.T(ctx, "CmdGrade")},
		{Command: "evaluar", Description: i18n.T(ctx, "CmdEvaluate")},
		{Command: "siguiente", Description: i18n.T(ctx, "CmdNext")},
		{Command: "anterior", Description: i18n.T(ctx, "CmdPrevious")},
		{Command: "enviar", Description: i18n.T(ctx, "CmdSubmit")},
		{Command: "cancelar", Description: i18n.T(ctx, "CmdCancel")},
		{Command: "progreso", Description: i18n.T(ctx, "CmdProgress")},
		{Command: "ayuda", Description: i18n.T(ctx, "CmdHelp")},
	}
}

// Handler returns a chat handler that processes each message and sends the
// reply through sender.
func (e *Engine) Handler(ctx context.Context, sender Sender) func(chat.InboundMessage) {
	return func(msg chat.InboundMessage) {
		reply, err := e.ProcessMessage(ctx, msg)
		if err != nil {
			slog.Error("bot message failed", "channel", msg.Channel, "user_id", msg.UserID, "error", err)
		}
		if reply.Text == "" {
			return
		}
		if err := sender.Send(ctx, reply); err != nil {
			slog.Error("failed to send reply", "channel", msg.Channel, "user_id", msg.UserID, "error", err)
		}
	}
}

// ProcessMessage handles one incoming message and returns the reply. A reply
// is returned even when err is non-nil; err reports an unexpected failure
// the student was told about in general terms.
func (e *Engine) ProcessMessage(ctx context.Context, msg chat.InboundMessage) (chat.OutboundMessage, error) {
	slog.Info("processing message",
		"channel", msg.Channel,
		"user_id", msg.UserID,
		"text_len", len(msg.Text),
	)
	ctx = i18n.WithLocalizer(ctx, i18n.NewLocalizer(msg.Language, e.lang))

	st := e.state(msg.Channel + ":" + msg.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var r reply
	var err error
	if strings.HasPrefix(msg.Text, "/") {
		r, err = e.handleCommand(ctx, st, msg.Text)
	} else {
		r, err = e.handleText(ctx, st, msg.Text)
	}
	return chat.OutboundMessage{
		Channel:        msg.Channel,
		UserID:         msg.UserID,
		Text:           r.text(),
		Keyboard:       r.keyboard,
		RemoveKeyboard: r.removeKeyboard,
	}, err
}

func (e *Engine) state(key string) *chatState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if now.Sub(e.lastSweep) >= sweepInterval {
		e.sweep(now)
	}
	st, ok := e.chats[key]
	if !ok {
		st = &chatState{}
		e.chats[key] = st
	}
	st.lastSeen = now
	return st
}

// sweep forgets chats idle longer than idleTTL. Callers hold e.mu.
func (e *Engine) sweep(now time.Time) {
	e.lastSweep = now
	removed := 0
	for key, st := range e.chats {
		if now.Sub(st.lastSeen) > e.idleTTL {
			delete(e.chats, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("forgot idle chats", "removed", removed, "active", len(e.chats))
	}
}

// ActiveChats reports how many chats the engine currently remembers.
func (e *Engine) ActiveChats() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chats)
}

// reply accumulates the lines and keyboard of one outbound message.
type reply struct {
	lines          []string
	keyboard       [][]string
	removeKeyboard bool
}

func (r *reply) add(lines ...string) { r.lines = append(r.lines, lines...) }

func (r reply) text() string { return strings.Join(r.lines, "\n") }

func splitCommand(text string) (string, string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd = strings.ToLower(cmd)
	// Group chats address commands as /cmd@botname.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, strings.TrimSpace(arg)
}

func (e *Engine) handleCommand(ctx context.Context, st *chatState, text string) (reply, error) {
	cmd, arg := splitCommand(text)

	switch cmd {
	case "/start":
		return e.handleStart(ctx, st), nil
	case "/nombre", "/name":
		if arg == "" {
			return reply{lines: []string{i18n.T(ctx, "AskName")}}, nil
		}
		return e.setName(ctx, st, arg)
	case "/grado", "/grade":
		if arg == "" {
			return e.askGrade(ctx, st), nil
		}
		return e.setGrade(ctx, st, arg)
	case "/evaluar":
		return e.evaluate(ctx, st, arg)
	case "/siguiente":
		return e.next(ctx, st)
	case "/anterior":
		return e.previous(ctx, st)
	case "/enviar":
		return e.submit(ctx, st)
	case "/cancelar":
		return e.cancel(ctx, st)
	case "/progreso":
		return e.progress(ctx, st)
	case "/ayuda", "/help":
		return reply{lines: []string{i18n.T(ctx, "Help")}}, nil
	default:
		return reply{lines: []string{i18n.T(ctx, "Unknown")}}, nil
	}
}

func (e *Engine) handleText(ctx context.Context, st *chatState, text string) (reply, error) {
	switch {
	case st.name == "":
		return e.setName(ctx, st, text)
	case st.sessionID != "":
		return e.rate(ctx, st, text)
	case st.grade == "":
		return e.setGrade(ctx, st, text)
	default:
		if _, ok := parseRating(text); ok {
			return reply{lines: []string{i18n.T(ctx, "NoSession")}}, nil
		}
		return reply{lines: []string{i18n.T(ctx, "Unknown")}}, nil
	}
}

// handleStart forgets the chat's student. A stored session survives and is
// offered again when the same name is entered.
func (e *Engine) handleStart(ctx context.Context, st *chatState) reply {
	st.name, st.grade, st.sessionID = "", "", ""
	return reply{
		lines:          []string{i18n.T(ctx, "Welcome"), i18n.T(ctx, "AskName")},
		removeKeyboard: true,
	}
}

func (e *Engine) setName(ctx context.Context, st *chatState, name string) (reply, error) {
	name = evaluation.NormalizeStudentID(name)
	if name == "" || strings.HasPrefix(name, "/") {
		return reply{lines: []string{i18n.T(ctx, "AskName")}}, nil
	}
	st.name, st.grade, st.sessionID = name, "", ""

	var r reply
	r.add(i18n.Td(ctx, "NameSaved", map[string]any{"Name": name}))

	qs, err := e.svc.Resume(name)
	switch {
	case err == nil:
		st.sessionID = qs.ID()
		st.grade = qs.Snapshot().Grade
		r.add(i18n.T(ctx, "SessionResumed"))
		e.questionView(ctx, &r, qs)
		return r, nil
	case errors.Is(err, evaluation.ErrNotFound):
		g := e.askGrade(ctx, st)
		r.add(g.lines...)
		r.keyboard = g.keyboard
		return r, nil
	default:
		return e.errReply(ctx, st, err)
	}
}

func (e *Engine) askGrade(ctx context.Context, st *chatState) reply {
	if st.name == "" {
		return reply{lines: []string{i18n.T(ctx, "NeedName")}}
	}
	return reply{lines: []string{i18n.T(ctx, "AskGrade")}, keyboard: gradeKeyboard()}
}

func gradeKeyboard() [][]string {
	var rows [][]string
	var row []string
	for _, g := range evaluation.Grades() {
		row = append(row, "/grado "+string(g))
		if len(row) == 4 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}

func (e *Engine) setGrade(ctx context.Context, st *chatState, arg string) (reply, error) {
	if st.name == "" {
		return reply{lines: []string{i18n.T(ctx, "NeedName")}}, nil
	}
	g, err := evaluation.ParseGrade(arg)
	if err != nil {
		return reply{lines: []string{i18n.T(ctx, "GradeInvalid")}, keyboard: gradeKeyboard()}, nil
	}
	st.grade = g
	return e.teacherList(ctx, st)
}

// teacherList shows the grade's teacher/subject pairs with completion marks.
func (e *Engine) teacherList(ctx context.Context, st *chatState) (reply, error) {
	obligations, err := e.svc.Obligations(st.grade)
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	var r reply
	if len(obligations) == 0 {
		r.add(i18n.Td(ctx, "NoTeachers", map[string]any{"Grade": st.grade}))
		return r, nil
	}
	progress, err := e.svc.Progress(st.name, st.grade)
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	done := doneSet(progress)

	r.add(i18n.Td(ctx, "GradeList", map[string]any{"Grade": st.grade}))
	var row []string
	for i, o := range obligations {
		id := "TeacherLine"
		if done[o.Key()] {
			id = "TeacherLineDone"
		} else {
			row = append(row, fmt.Sprintf("/evaluar %d", i+1))
		}
		r.add(i18n.Td(ctx, id, map[string]any{
			"Index":   i + 1,
			"Teacher": o.TeacherName,
			"Subject": o.SubjectName,
		}))
		if len(row) == 3 {
			r.keyboard = append(r.keyboard, row)
			row = nil
		}
	}
	if len(row) > 0 {
		r.keyboard = append(r.keyboard, row)
	}

	if progress.State == evaluation.ProgressComplete {
		r.add(i18n.Td(ctx, "GradeComplete", map[string]any{"Grade": st.grade}))
		r.removeKeyboard = true
	} else {
		r.add(i18n.T(ctx, "ChooseTeacher"))
	}
	return r, nil
}

func doneSet(p evaluation.Progress) map[string]bool {
	done := make(map[string]bool, len(p.Done))
	for _, o := range p.Done {
		done[o.Key()] = true
	}
	return done
}

func (e *Engine) evaluate(ctx context.Context, st *chatState, arg string) (reply, error) {
	if st.name == "" {
		return reply{lines: []string{i18n.T(ctx, "NeedName")}}, nil
	}
	if st.grade == "" {
		return e.askGrade(ctx, st), nil
	}
	if arg == "" {
		return e.teacherList(ctx, st)
	}

	obligations, err := e.svc.Obligations(st.grade)
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(obligations) {
		return reply{lines: []string{i18n.T(ctx, "TeacherInvalid")}}, nil
	}
	o := obligations[n-1]

	done, err := e.svc.Tracker().IsComplete(st.name, st.grade, o.TeacherID, o.SubjectID)
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	if done {
		return reply{lines: []string{i18n.Td(ctx, "AlreadyEvaluated", map[string]any{
			"Teacher": o.TeacherName,
			"Subject": o.SubjectName,
		})}}, nil
	}

	qs, err := e.svc.Start(st.name, o.TeacherID, o.SubjectID, st.grade)
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	st.sessionID = qs.ID()

	var r reply
	r.add(i18n.Td(ctx, "EvaluationStarted", map[string]any{
		"Teacher": o.TeacherName,
		"Subject": o.SubjectName,
	}))
	e.questionView(ctx, &r, qs)
	return r, nil
}

// questionView renders the current question and its rating scale.
func (e *Engine) questionView(ctx context.Context, r *reply, qs *evaluation.QuizSession) {
	q := qs.Question()
	r.add(i18n.Td(ctx, "Question", map[string]any{
		"Number": qs.Index() + 1,
		"Total":  qs.Len(),
		"Text":   q.Text,
	}))
	labels := evaluation.RatingLabels(qs.Tier())
	for i, label := range labels {
		r.add(i18n.Td(ctx, "RatingOption", map[string]any{"Rating": i + 1, "Label": label}))
	}
	if rating := qs.Rating(); rating > 0 && rating <= len(labels) {
		r.add(i18n.Td(ctx, "CurrentRating", map[string]any{"Label": labels[rating-1]}))
	}
	r.keyboard = questionKeyboard(ctx, qs)
}

// questionKeyboard offers the rating buttons and the moves valid from the
// current question.
func questionKeyboard(ctx context.Context, qs *evaluation.QuizSession) [][]string {
	labels := evaluation.RatingLabels(qs.Tier())
	buttons := make([]string, len(labels))
	for i, label := range labels {
		buttons[i] = i18n.Td(ctx, "RatingOption", map[string]any{"Rating": i + 1, "Label": label})
	}

	nav := []string{"/anterior"}
	switch {
	case qs.IsLast() && qs.Rating() > 0:
		nav = append(nav, "/enviar")
	case qs.Rating() > 0:
		nav = append(nav, "/siguiente")
	}
	nav = append(nav, "/cancelar")
	return [][]string{buttons, nav}
}

// parseRating reads the leading number of "2" or "2 - A veces".
func parseRating(text string) (int, bool) {
	field, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	n, err := strconv.Atoi(field)
	return n, err == nil
}

func (e *Engine) rate(ctx context.Context, st *chatState, text string) (reply, error) {
	rating, ok := parseRating(text)
	if !ok {
		rating = -1
	}
	qs, err := e.svc.Answer(st.ref(), rating)
	if r, ok := submitPending(ctx, qs, err); ok {
		return r, nil
	}
	if errors.Is(err, evaluation.ErrInvalidRating) && qs != nil {
		r := reply{lines: []string{i18n.Td(ctx, "RatingInvalid", map[string]any{"Max": qs.ScaleMax()})}}
		e.questionView(ctx, &r, qs)
		return r, nil
	}
	if err != nil {
		return e.errReply(ctx, st, err)
	}

	if qs.IsLast() {
		return reply{
			lines:    []string{i18n.T(ctx, "ReadyToSubmit")},
			keyboard: questionKeyboard(ctx, qs),
		}, nil
	}
	qs, err = e.svc.Next(st.ref())
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	var r reply
	e.questionView(ctx, &r, qs)
	return r, nil
}

func (e *Engine) next(ctx context.Context, st *chatState) (reply, error) {
	if st.sessionID == "" {
		return reply{lines: []string{i18n.T(ctx, "NoSession")}}, nil
	}
	qs, err := e.svc.Next(st.ref())
	if r, ok := submitPending(ctx, qs, err); ok {
		return r, nil
	}
	if errors.Is(err, evaluation.ErrNavigationBlocked) && qs != nil {
		var r reply
		if qs.IsLast() && qs.Rating() > 0 {
			r.add(i18n.T(ctx, "ReadyToSubmit"))
		} else {
			r.add(i18n.T(ctx, "AnswerFirst"))
		}
		e.questionView(ctx, &r, qs)
		return r, nil
	}
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	var r reply
	e.questionView(ctx, &r, qs)
	return r, nil
}

func (e *Engine) previous(ctx context.Context, st *chatState) (reply, error) {
	if st.sessionID == "" {
		return reply{lines: []string{i18n.T(ctx, "NoSession")}}, nil
	}
	qs, nav, err := e.svc.Previous(st.ref())
	if r, ok := submitPending(ctx, qs, err); ok {
		return r, nil
	}
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	var r reply
	if nav == evaluation.NavCancel {
		r.add(i18n.T(ctx, "FirstQuestion"))
	}
	e.questionView(ctx, &r, qs)
	return r, nil
}

// submitPending steers the student back to /enviar when an earlier submit
// did not finish and the session refuses further edits.
func submitPending(ctx context.Context, qs *evaluation.QuizSession, err error) (reply, bool) {
	if qs == nil || !qs.SubmitPending() || !errors.Is(err, evaluation.ErrSessionClosed) {
		return reply{}, false
	}
	return reply{
		lines:    []string{i18n.T(ctx, "SubmitPending")},
		keyboard: [][]string{{"/enviar"}},
	}, true
}

func (e *Engine) submit(ctx context.Context, st *chatState) (reply, error) {
	if st.sessionID == "" {
		return reply{lines: []string{i18n.T(ctx, "NoSession")}}, nil
	}
	resp, progress, err := e.svc.Submit(st.ref())
	if errors.Is(err, evaluation.ErrIncomplete) {
		return reply{lines: []string{i18n.T(ctx, "Incomplete")}}, nil
	}
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	st.sessionID = ""
	slog.Info("bot evaluation submitted", "response_id", resp.ResponseID, "grade", resp.Grade)

	teacher := resp.TeacherID
	for _, o := range progress.Done {
		if o.TeacherID == resp.TeacherID && o.SubjectID == resp.SubjectID {
			teacher = o.TeacherName
		}
	}

	var r reply
	r.add(i18n.Td(ctx, "Submitted", map[string]any{"Teacher": teacher}))
	r.add(progressLine(ctx, progress))
	list, err := e.teacherList(ctx, st)
	if err != nil {
		return r, err
	}
	r.add(list.lines...)
	r.keyboard, r.removeKeyboard = list.keyboard, list.removeKeyboard
	return r, nil
}

func progressLine(ctx context.Context, p evaluation.Progress) string {
	return i18n.Tp(ctx, "Progress", p.Total, map[string]any{
		"Completed": p.Completed,
		"Grade":     p.Grade,
	})
}

func (e *Engine) cancel(ctx context.Context, st *chatState) (reply, error) {
	if st.sessionID == "" {
		return reply{lines: []string{i18n.T(ctx, "NoSession")}}, nil
	}
	if err := e.svc.Discard(st.ref()); err != nil {
		if errors.Is(err, evaluation.ErrSessionClosed) {
			if qs, rerr := e.svc.Resume(st.name); rerr == nil && qs.ID() == st.sessionID {
				if r, ok := submitPending(ctx, qs, err); ok {
					return r, nil
				}
			}
		}
		return e.errReply(ctx, st, err)
	}
	st.sessionID = ""

	var r reply
	r.add(i18n.T(ctx, "Cancelled"))
	list, err := e.teacherList(ctx, st)
	if err != nil {
		return r, err
	}
	r.add(list.lines...)
	r.keyboard, r.removeKeyboard = list.keyboard, list.removeKeyboard
	return r, nil
}

func (e *Engine) progress(ctx context.Context, st *chatState) (reply, error) {
	if st.name == "" {
		return reply{lines: []string{i18n.T(ctx, "NeedName")}}, nil
	}
	if st.grade == "" {
		return e.askGrade(ctx, st), nil
	}
	p, err := e.svc.Progress(st.name, st.grade)
	if err != nil {
		return e.errReply(ctx, st, err)
	}
	switch p.State {
	case evaluation.ProgressNoTeachers:
		return reply{lines: []string{i18n.Td(ctx, "NoTeachers", map[string]any{"Grade": st.grade})}}, nil
	case evaluation.ProgressComplete:
		return reply{lines: []string{progressLine(ctx, p), i18n.Td(ctx, "GradeComplete", map[string]any{"Grade": st.grade})}}, nil
	default:
		return reply{lines: []string{progressLine(ctx, p)}}, nil
	}
}

// errReply turns a service error into a re-prompt. Unexpected errors are
// returned alongside a generic apology.
func (e *Engine) errReply(ctx context.Context, st *chatState, err error) (reply, error) {
	switch {
	case errors.Is(err, evaluation.ErrSessionClosed):
		st.sessionID = ""
		return reply{lines: []string{i18n.T(ctx, "SessionExpired")}, removeKeyboard: true}, nil
	case errors.Is(err, evaluation.ErrNotFound):
		st.sessionID = ""
		return reply{lines: []string{i18n.T(ctx, "NoSession")}, removeKeyboard: true}, nil
	case errors.Is(err, evaluation.ErrNavigationBlocked):
		return reply{lines: []string{i18n.T(ctx, "AnswerFirst")}}, nil
	case errors.Is(err, evaluation.ErrIncomplete):
		return reply{lines: []string{i18n.T(ctx, "Incomplete")}}, nil
	case errors.Is(err, evaluation.ErrUnknownGrade):
		return reply{lines: []string{i18n.T(ctx, "GradeInvalid")}, keyboard: gradeKeyboard()}, nil
	case errors.Is(err, evaluation.ErrInvalidStudent):
		st.name = ""
		return reply{lines: []string{i18n.T(ctx, "AskName")}}, nil
	case errors.Is(err, evaluation.ErrDataUnavailable), errors.Is(err, evaluation.ErrPersistence):
		slog.Warn("evaluation temporarily unavailable", "error", err)
		return reply{lines: []string{i18n.T(ctx, "Unavailable")}}, nil
	default:
		return reply{lines: []string{i18n.T(ctx, "Unavailable")}}, err
	}
}
