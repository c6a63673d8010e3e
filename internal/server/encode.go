package server

import (
	"time"

	"blindsolve/internal/pipeline"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
)

type outcomeJSON struct {
	AttemptID string                   `json:"attempt_id"`
	Kind      solve.Kind               `json:"kind"`
	Message   string                   `json:"message"`
	Source    solve.Source             `json:"source,omitempty"`
	Stage     string                   `json:"stage,omitempty"`
	LocalKind solve.Kind               `json:"local_kind,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Result    *solve.CalibrationResult `json:"result,omitempty"`
	Duration  string                   `json:"duration"`
}

type resultJSON struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Input    string         `json:"input"`
	Outcomes []outcomeJSON  `json:"outcomes"`
	Error    string         `json:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type eventJSON struct {
	Type       pipeline.EventType `json:"type"`
	Transition *solve.Transition  `json:"transition,omitempty"`
	Result     *resultJSON        `json:"result,omitempty"`
}

type transitionJSON struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type attemptJSON struct {
	ID          string            `json:"id"`
	Image       string            `json:"image"`
	Origin      string            `json:"origin,omitempty"`
	Status      string            `json:"status"`
	Kind        string            `json:"kind,omitempty"`
	Message     string            `json:"message,omitempty"`
	Source      string            `json:"source,omitempty"`
	Stage       string            `json:"stage,omitempty"`
	LocalKind   string            `json:"local_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	Solution    *storage.Solution `json:"solution,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Transitions []transitionJSON  `json:"transitions,omitempty"`
}

func encodeOutcome(out solve.Outcome) outcomeJSON {
	o := outcomeJSON{
		AttemptID: out.AttemptID,
		Kind:      out.Kind,
		Message:   out.Message(),
		Source:    out.Source,
		Stage:     string(out.Stage),
		LocalKind: out.LocalKind,
		Result:    out.Result,
		Duration:  out.Duration().String(),
	}
	if out.Err != nil {
		o.Error = out.Err.Error()
	}
	return o
}

func encodeResult(res pipeline.Result) resultJSON {
	r := resultJSON{
		ID:       res.Job.ID,
		Type:     string(res.Job.Type),
		Input:    res.Job.InputPath,
		Outcomes: make([]outcomeJSON, 0, len(res.Outcomes)),
		Meta:     res.Meta,
	}
	for _, o := range res.Outcomes {
		r.Outcomes = append(r.Outcomes, encodeOutcome(o))
	}
	if res.Error != nil {
		r.Error = res.Error.Error()
	}
	return r
}

func encodeEvent(ev pipeline.Event) eventJSON {
	e := eventJSON{Type: ev.Type, Transition: ev.Transition}
	if ev.Result != nil {
		r := encodeResult(*ev.Result)
		e.Result = &r
	}
	return e
}

func encodeAttempt(rec storage.AttemptRecord, trs []storage.TransitionRecord) attemptJSON {
	a := attemptJSON{
		ID:          rec.ID,
		Image:       rec.ImagePath,
		Origin:      rec.Origin,
		Status:      rec.Status,
		Kind:        rec.Kind,
		Message:     rec.Message,
		Source:      rec.Source,
		Stage:       rec.Stage,
		LocalKind:   rec.LocalKind,
		Error:       rec.Error,
		Solution:    rec.Solution,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	for _, tr := range trs {
		a.Transitions = append(a.Transitions, transitionJSON{From: tr.From, To: tr.To, Detail: tr.Detail, At: tr.At})
	}
	return a
}

// ResultView is the JSON form of a finished job, as served by POST /solve?wait=true.
func ResultView(res pipeline.Result) any { return encodeResult(res) }

// AttemptView is the JSON form of a stored attempt, as served by GET /attempts/{id}.
func AttemptView(rec storage.AttemptRecord, trs []storage.TransitionRecord) any {
	return encodeAttempt(rec, trs)
}
