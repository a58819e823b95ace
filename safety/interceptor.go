// Package safety classifies the risk of tool calls an agent asks permission
// for and routes the ones that need a human to an approver.
package safety

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/message"
	"go.uber.org/zap"
)

// PermissionRequest is a tool call waiting for a decision.
type PermissionRequest struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"sessionId"`
	ToolCallID string                 `json:"toolCallId,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Paths      []string               `json:"paths,omitempty"`
	Risk       string                 `json:"risk"`
	Options    []acp.PermissionOption `json:"options"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Approver is told about every permission request that needs a decision and
// about how it was resolved. Both calls happen off the request path.
type Approver interface {
	Publish(req PermissionRequest)
	Resolved(id, decision string)
}

// Respond delivers the backend answer to a permission request.
type Respond func(acp.RequestPermissionResult)

type Options struct {
	Policy   *Policy
	Approver Approver
	Logger   *zap.Logger
	Now      func() time.Time
}

type Interceptor struct {
	policy   *Policy
	approver Approver
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	req     PermissionRequest
	respond Respond
}

func NewInterceptor(opts Options) *Interceptor {
	i := &Interceptor{
		policy:   opts.Policy,
		approver: opts.Approver,
		log:      opts.Logger,
		now:      opts.Now,
		pending:  make(map[string]*pendingRequest),
	}
	if i.policy == nil {
		i.policy, _ = NewPolicy(nil, nil)
	}
	if i.log == nil {
		i.log = zap.NewNop()
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i
}

// Classify returns the risk of a tool call.
func (i *Interceptor) Classify(call acp.ToolCall) string {
	return i.policy.Classify(call.Command(), call.Paths())
}

// Intercept handles a backend permission request for a local session. Tool
// calls below high risk are approved on the spot when auto-approval is on,
// in which case ok is false. Otherwise the request is stored, published to
// the approver, and returned so it can be shown to the client.
func (i *Interceptor) Intercept(sessionID string, params acp.RequestPermissionParams, respond Respond) (PermissionRequest, bool) {
	options := params.Options
	if len(options) == 0 {
		options = acp.DefaultPermissionOptions()
	}
	req := PermissionRequest{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolCallID: params.ToolCall.ToolCallID,
		Title:      params.ToolCall.Title,
		Command:    params.ToolCall.Command(),
		Paths:      params.ToolCall.Paths(),
		Options:    options,
		CreatedAt:  i.now(),
	}
	req.Risk = i.policy.Classify(req.Command, req.Paths)

	log := i.log.With(
		zap.String("permission", req.ID),
		zap.String("session", sessionID),
		zap.String("risk", req.Risk),
		zap.String("command", req.Command))

	if req.Risk != message.RiskHigh && i.policy.AutoApprove() {
		log.Debug("permission auto-approved")
		respond(Outcome(message.DecisionApproved, "", options, req.ToolCallID))
		return req, false
	}

	i.mu.Lock()
	i.pending[req.ID] = &pendingRequest{req: req, respond: respond}
	i.mu.Unlock()
	log.Info("permission requested")

	if i.approver != nil {
		go i.approver.Publish(req)
	}
	return req, true
}

// Resolve answers a pending request with a canonical decision. It reports
// false when the request is unknown or already resolved.
func (i *Interceptor) Resolve(id, decision string) bool {
	return i.resolve(id, decision, "")
}

// ResolveOption answers a pending request with one of its offered options.
func (i *Interceptor) ResolveOption(id, optionID string) bool {
	i.mu.Lock()
	p, ok := i.pending[id]
	i.mu.Unlock()
	if !ok {
		return false
	}
	return i.resolve(id, DecisionForOption(p.req.Options, optionID), optionID)
}

func (i *Interceptor) resolve(id, decision, optionID string) bool {
	i.mu.Lock()
	p, ok := i.pending[id]
	if ok {
		delete(i.pending, id)
	}
	i.mu.Unlock()
	if !ok {
		return false
	}
	i.log.Info("permission resolved",
		zap.String("permission", id),
		zap.String("session", p.req.SessionID),
		zap.String("decision", decision))
	p.respond(Outcome(decision, optionID, p.req.Options, p.req.ToolCallID))
	if i.approver != nil {
		go i.approver.Resolved(id, decision)
	}
	return true
}

// CancelSession resolves every pending request of a session as cancelled
// and returns how many there were.
func (i *Interceptor) CancelSession(sessionID string) int {
	n := 0
	for _, req := range i.Pending() {
		if req.SessionID == sessionID && i.Resolve(req.ID, message.DecisionCancelled) {
			n++
		}
	}
	return n
}

// CancelAll resolves every pending request as cancelled.
func (i *Interceptor) CancelAll() int {
	n := 0
	for _, req := range i.Pending() {
		if i.Resolve(req.ID, message.DecisionCancelled) {
			n++
		}
	}
	return n
}

// Get returns a pending request.
func (i *Interceptor) Get(id string) (PermissionRequest, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pending[id]
	if !ok {
		return PermissionRequest{}, false
	}
	return p.req, true
}

// Pending returns the unresolved requests, oldest first.
func (i *Interceptor) Pending() []PermissionRequest {
	i.mu.Lock()
	out := make([]PermissionRequest, 0, len(i.pending))
	for _, p := range i.pending {
		out = append(out, p.req)
	}
	i.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// DecisionForOption maps a selected option id to a canonical decision by
// the option's kind. Unknown ids fall back to the id itself.
func DecisionForOption(options []acp.PermissionOption, optionID string) string {
	for _, o := range options {
		if o.OptionID != optionID {
			continue
		}
		switch o.Kind {
		case acp.OptionAllowOnce, acp.OptionAllowAlways:
			return message.DecisionApproved
		default:
			return message.DecisionDenied
		}
	}
	switch optionID {
	case acp.OptionAllowOnce, acp.OptionAllowAlways, "approved", "approve", "allow":
		return message.DecisionApproved
	case message.DecisionCancelled:
		return message.DecisionCancelled
	}
	return message.DecisionDenied
}

// Outcome renders a canonical decision as the answer the backend expects.
// Approval selects the allow-once option and denial the reject option;
// selected, when it names an offered option, wins over both.
func Outcome(decision, selected string, options []acp.PermissionOption, toolCallID string) acp.RequestPermissionResult {
	res := acp.RequestPermissionResult{Decision: decision, ToolCallID: toolCallID}
	switch decision {
	case message.DecisionCancelled:
		res.Outcome = acp.PermissionOutcome{Outcome: "cancelled"}
		return res
	case message.DecisionApproved:
		res.Approved = true
		res.Outcome = acp.PermissionOutcome{
			Outcome:  "selected",
			OptionID: pickOption(options, selected, acp.OptionAllowOnce, acp.OptionAllowOnce, acp.OptionAllowAlways),
		}
	default:
		res.Decision = message.DecisionDenied
		res.Outcome = acp.PermissionOutcome{
			Outcome:  "selected",
			OptionID: pickOption(options, selected, acp.OptionDeny, acp.OptionRejectOnce, acp.OptionRejectAlways),
		}
	}
	return res
}

func pickOption(options []acp.PermissionOption, selected, fallback string, kinds ...string) string {
	for _, o := range options {
		if selected != "" && o.OptionID == selected {
			return o.OptionID
		}
	}
	for _, kind := range kinds {
		for _, o := range options {
			if o.Kind == kind {
				return o.OptionID
			}
		}
	}
	return fallback
}
