// Package router is the top-level state machine: it classifies each
// inbound message's intent, branches by the session's role, and
// dispatches to risk classification, escalation, case management, or
// analytics. Within one session messages are processed strictly in
// arrival order; different sessions run concurrently.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/steadycare/harbor/pkg/audit"
	"github.com/steadycare/harbor/pkg/cases"
	"github.com/steadycare/harbor/pkg/escalation"
	"github.com/steadycare/harbor/pkg/risk"
	"github.com/steadycare/harbor/pkg/session"
	"github.com/steadycare/harbor/pkg/sla"
)

// State is the processing state of one message. Every message walks
// Idle → ClassifyingIntent → one routing state → Synthesizing → Done.
type State string

const (
	StateIdle              State = "Idle"
	StateClassifyingIntent State = "ClassifyingIntent"
	StateRoutingSubject    State = "RoutingSubject"
	StateRoutingOperator   State = "RoutingOperator"
	StateRoutingResponder  State = "RoutingResponder"
	StateSynthesizing      State = "Synthesizing"
	StateDone              State = "Done"
)

// maxHistory bounds the context window read from message history.
const maxHistory = 20

// HistoryEntry is one prior turn of the conversation, oldest-first.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Message is one inbound turn. SubjectID is the caller's raw identity
// (account ID, email); it is hashed on first contact and discarded,
// never stored or logged.
type Message struct {
	SessionID string         `json:"session_id"`
	SubjectID string         `json:"subject_id,omitempty"`
	Role      session.Role   `json:"role"`
	Text      string         `json:"message"`
	History   []HistoryEntry `json:"history,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	Intent              Intent     `json:"intent"`
	StatePath           []State    `json:"state_path,omitempty"`
	ComponentsInvoked   []string   `json:"components_invoked"`
	RiskLevel           risk.Level `json:"risk_level,omitempty"`
	EscalationTriggered bool       `json:"escalation_triggered"`
	CaseID              string     `json:"case_id,omitempty"`
	Degraded            bool       `json:"degraded"`
	ProcessingTimeMs    int64      `json:"processing_time_ms"`
}

// RoutedResponse is the outcome of routing one message.
type RoutedResponse struct {
	Content  string           `json:"content"`
	Metadata Metadata         `json:"metadata"`
	Session  *session.Session `json:"session"`
}

// Router wires the processing paths together.
type Router struct {
	classifier  risk.Classifier
	controller  *escalation.Controller
	caseRepo    cases.Repository
	assigner    *cases.Assigner
	sessions    session.Store
	dispatcher  *session.Dispatcher
	generator   Generator
	trail       audit.Logger
	subjectSalt string
	now         sla.Clock
}

// Option configures a Router.
type Option func(*Router)

// WithGenerator sets the text-generation backend. Without one, every
// response uses the deterministic copy.
func WithGenerator(g Generator) Option {
	return func(r *Router) { r.generator = g }
}

// WithAudit sets the audit trail.
func WithAudit(trail audit.Logger) Option {
	return func(r *Router) { r.trail = trail }
}

// WithClock overrides the time source.
func WithClock(clock sla.Clock) Option {
	return func(r *Router) { r.now = clock }
}

// WithSubjectSalt sets the deployment salt used to hash subject
// identities on first contact.
func WithSubjectSalt(salt string) Option {
	return func(r *Router) { r.subjectSalt = salt }
}

// New wires a router. classifier, controller, caseRepo, assigner,
// sessions, and dispatcher are required.
func New(classifier risk.Classifier, controller *escalation.Controller, caseRepo cases.Repository,
	assigner *cases.Assigner, sessions session.Store, dispatcher *session.Dispatcher, opts ...Option) *Router {
	r := &Router{
		classifier: classifier,
		controller: controller,
		caseRepo:   caseRepo,
		assigner:   assigner,
		sessions:   sessions,
		dispatcher: dispatcher,
		trail:      audit.NopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route processes one message end to end. It never returns an error for
// downstream degradation; errors signal invalid input or storage
// failure before any path ran.
func (r *Router) Route(ctx context.Context, msg Message) (*RoutedResponse, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, fmt.Errorf("message text is required")
	}
	if msg.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", msg.Role)
	}

	var resp *RoutedResponse
	err := r.dispatcher.Do(ctx, msg.SessionID, func() error {
		var err error
		resp, err = r.process(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Router) process(ctx context.Context, msg Message) (*RoutedResponse, error) {
	start := r.now()

	sess, err := r.loadOrCreateSession(msg)
	if err != nil {
		return nil, err
	}

	path := []State{StateIdle, StateClassifyingIntent}
	var resp *RoutedResponse
	switch msg.Role {
	case session.RoleSubject:
		resp, err = r.routeSubject(ctx, msg)
		path = append(path, StateRoutingSubject, StateSynthesizing)
	case session.RoleOperator:
		resp, err = r.routeOperator(ctx, msg)
		path = append(path, StateRoutingOperator)
	case session.RoleResponder:
		resp, err = r.routeResponder(ctx, msg)
		path = append(path, StateRoutingResponder)
	}
	if err != nil {
		return nil, err
	}

	resp.Session = sess
	resp.Metadata.StatePath = append(path, StateDone)
	resp.Metadata.ProcessingTimeMs = r.now().Sub(start).Milliseconds()
	return resp, nil
}

// loadOrCreateSession fetches the session or creates it on first
// contact. The role is fixed at creation and never changes afterwards.
func (r *Router) loadOrCreateSession(msg Message) (*session.Session, error) {
	sess, err := r.sessions.Get(msg.SessionID)
	if err == nil {
		if sess.Role != msg.Role {
			return nil, fmt.Errorf("session %s belongs to role %s", msg.SessionID, sess.Role)
		}
		_ = r.sessions.Touch(msg.SessionID, r.now().UTC())
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	now := r.now().UTC()
	sess = &session.Session{
		SessionID:  msg.SessionID,
		Role:       msg.Role,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	// The raw identity is reduced to its hash here and goes no further.
	if msg.Role == session.RoleSubject && msg.SubjectID != "" {
		sess.SubjectHash = session.SubjectHash(msg.SubjectID, r.subjectSalt)
	}
	if err := r.sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// historyWindow extracts the bounded, oldest-first text window handed to
// the classifier and the generator.
func historyWindow(entries []HistoryEntry) []string {
	if len(entries) > maxHistory {
		entries = entries[len(entries)-maxHistory:]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

// routeSubject is the safety-critical path. Risk is assessed before any
// coaching content is produced; that ordering is never reversed.
func (r *Router) routeSubject(ctx context.Context, msg Message) (*RoutedResponse, error) {
	intent := classifySubjectIntent(msg.Text)
	meta := Metadata{Intent: intent, ComponentsInvoked: []string{"risk_classifier"}}
	window := historyWindow(msg.History)

	// Assessment and escalation run to completion even if the caller
	// disconnects mid-request. The classifier carries its own timeout
	// budget, so detaching cannot hang the lane.
	safeCtx := context.WithoutCancel(ctx)

	assessment, err := r.classifier.Classify(safeCtx, msg.SessionID, msg.Text, window)
	if err != nil {
		// The safe classifier absorbs layer failures internally; an error
		// here means even the rule fallback broke. Fail safe anyway.
		log.Printf("[ROUTER] classification failed for session %s: %v", msg.SessionID, err)
		assessment = &risk.Assessment{
			SessionID:    msg.SessionID,
			Level:        risk.LevelModerate,
			Score:        risk.MinScoreFor(risk.LevelModerate),
			Factors:      []string{"classifier_error"},
			Degraded:     true,
			ClassifiedAt: r.now().UTC(),
		}
	}
	meta.RiskLevel = assessment.Level
	meta.Degraded = assessment.Degraded
	r.trail.Record(audit.Event{
		Kind:      audit.KindAssessment,
		SessionID: msg.SessionID,
		Details: map[string]any{
			"level":    string(assessment.Level),
			"score":    assessment.Score,
			"degraded": assessment.Degraded,
		},
	})

	meta.ComponentsInvoked = append(meta.ComponentsInvoked, "escalation_controller")
	decision, err := r.controller.HandleAssessment(safeCtx, assessment)
	if err != nil {
		return nil, fmt.Errorf("escalation: %w", err)
	}
	if decision.Escalated {
		meta.EscalationTriggered = true
		meta.ComponentsInvoked = append(meta.ComponentsInvoked, "case_assigner")
		r.trail.Record(audit.Event{
			Kind:      audit.KindEscalation,
			SessionID: msg.SessionID,
			CaseID:    decision.Case.ID,
			Details:   map[string]any{"severity": string(decision.Case.Severity), "reason": decision.Reason},
		})
	}
	if decision.Case != nil {
		meta.CaseID = decision.Case.ID
	}

	// Synthesizing
	content, degraded := r.synthesize(ctx, Prompt{
		Intent:    intent,
		Text:      msg.Text,
		History:   window,
		RiskLevel: assessment.Level,
		Escalated: meta.EscalationTriggered,
	}, string(session.RoleSubject), meta.EscalationTriggered)
	meta.Degraded = meta.Degraded || degraded

	return &RoutedResponse{Content: content, Metadata: meta}, nil
}

// routeOperator handles the operator's two paths: read-only analytics
// summaries and case actions. The full analytics surface lives on its
// own endpoint; the conversational path answers with current caseload
// state.
func (r *Router) routeOperator(ctx context.Context, msg Message) (*RoutedResponse, error) {
	intent := classifyOperatorIntent(msg.Text)
	meta := Metadata{Intent: intent}

	var content string
	switch intent {
	case IntentQuery:
		meta.ComponentsInvoked = []string{"analytics_gate"}
		content = "Analytics queries run through the reporting endpoint. Available questions: crisis_trend, early_dropoff, resource_reuse, escalation_ratio, cost_per_outcome, coverage_by_window."
	default:
		meta.ComponentsInvoked = []string{"case_assigner"}
		open, err := r.caseRepo.ListOpenCases(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing cases: %w", err)
		}
		content = summarizeCaseload(open)
	}
	return &RoutedResponse{Content: content, Metadata: meta}, nil
}

// routeResponder bypasses risk classification entirely; responders are
// not subject to triage. The conversational path surfaces their queue.
func (r *Router) routeResponder(ctx context.Context, msg Message) (*RoutedResponse, error) {
	meta := Metadata{Intent: IntentCaseOps, ComponentsInvoked: []string{"case_assigner"}}

	assigned, err := r.caseRepo.ListCases(ctx, cases.Filter{ResponderID: msg.SessionID})
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	var open []*cases.Case
	for _, c := range assigned {
		if !c.Status.Terminal() {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return &RoutedResponse{Content: "No cases are currently assigned to you.", Metadata: meta}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d open case(s):\n", len(open))
	for _, c := range open {
		fmt.Fprintf(&b, "- %s [%s/%s] due %s\n", c.ID, c.Severity, c.Status, c.SLADeadline.Format(time.RFC3339))
	}
	return &RoutedResponse{Content: b.String(), Metadata: meta}, nil
}

// synthesize produces the response body, falling back to deterministic
// copy when the generation backend is missing, failing, or over budget.
func (r *Router) synthesize(ctx context.Context, prompt Prompt, role string, escalated bool) (string, bool) {
	if r.generator == nil {
		return fallbackFor(role, escalated), false
	}
	content, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		log.Printf("[ROUTER] generation failed, using fallback: %v", err)
		return fallbackFor(role, escalated), true
	}
	return content, false
}

func summarizeCaseload(open []*cases.Case) string {
	if len(open) == 0 {
		return "No open cases."
	}
	counts := make(map[cases.Status]int)
	breached := 0
	for _, c := range open {
		counts[c.Status]++
		if c.BreachFlag == sla.FlagBreached {
			breached++
		}
	}
	return fmt.Sprintf("Open cases: %d (new %d, assigned %d, in progress %d); %d past SLA deadline.",
		len(open), counts[cases.StatusNew], counts[cases.StatusAssigned], counts[cases.StatusInProgress], breached)
}
