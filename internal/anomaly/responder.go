package anomaly

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/pkg/types"
)

// Playbook actions.
const (
	ActionPauseStrategy    = "pause_strategy"
	ActionUnwindRisk       = "unwind_risk"
	ActionRerouteDataFeed  = "reroute_data_feed"
	ActionRerouteExecution = "reroute_execution"
)

// playbooks maps incident kind to its ordered remediation actions.
var playbooks = map[types.IncidentKind][]string{
	types.IncidentStuckOrder:      {ActionPauseStrategy, ActionUnwindRisk},
	types.IncidentStaleTick:       {ActionPauseStrategy, ActionRerouteDataFeed},
	types.IncidentDuplicateSignal: {ActionPauseStrategy},
	types.IncidentRunawayLoop:     {ActionPauseStrategy, ActionUnwindRisk, ActionRerouteExecution},
}

// actionAlias routes a playbook action to its hook family.
var actionAlias = map[string]string{
	ActionPauseStrategy:    "pause",
	ActionUnwindRisk:       "unwind",
	ActionRerouteDataFeed:  "reroute",
	ActionRerouteExecution: "reroute",
}

// PlaybookFor returns the ordered playbook for an incident kind.
func PlaybookFor(kind types.IncidentKind) []string {
	return append([]string(nil), playbooks[kind]...)
}

// Hooks are the caller-supplied remediation handlers. An action whose hook
// is nil is journaled with status "skipped" rather than executed.
type Hooks struct {
	Pause   func(incident types.Incident) error
	Unwind  func(incident types.Incident) error
	Reroute func(incident types.Incident) error
}

// Responder dispatches incident playbooks through remediation hooks. Hook
// failures are journaled and the remaining actions still run.
type Responder struct {
	logger  *zap.Logger
	journal *journal.Journal

	mu    sync.RWMutex
	hooks Hooks
}

// NewResponder creates a responder.
func NewResponder(logger *zap.Logger, jrnl *journal.Journal, hooks Hooks) *Responder {
	return &Responder{
		logger:  logger.Named("incident-responder"),
		journal: jrnl,
		hooks:   hooks,
	}
}

// SetHooks replaces the remediation hooks. The composition root binds them
// after the components the hooks act on exist, since the detector that feeds
// this responder is constructed first.
func (r *Responder) SetHooks(hooks Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = hooks
}

// Handle runs the incident's playbook in order, journaling every action.
func (r *Responder) Handle(incident types.Incident) {
	playbook := incident.Playbook
	if len(playbook) == 0 {
		playbook = PlaybookFor(incident.Kind)
	}
	trace := journal.NewTrace(map[string]string{"incident": string(incident.Kind)})

	for _, action := range playbook {
		executed, err := r.invoke(action, incident)
		payload := map[string]any{
			"incident": string(incident.Kind),
			"action":   action,
			"status":   "executed",
		}
		if err != nil {
			payload["status"] = "failed"
			payload["error"] = err.Error()
			r.logger.Error("Remediation action failed",
				zap.String("incident", string(incident.Kind)),
				zap.String("action", action),
				zap.Error(err))
		} else if !executed {
			payload["status"] = "skipped"
			r.logger.Warn("Remediation action has no hook bound",
				zap.String("incident", string(incident.Kind)),
				zap.String("action", action))
		}
		r.journal.Append("incident_action", trace, "anomaly.respond", payload)
	}
}

// invoke runs the hook for one playbook action. The bool reports whether a
// hook was actually bound and called.
func (r *Responder) invoke(action string, incident types.Incident) (bool, error) {
	alias, ok := actionAlias[action]
	if !ok {
		return false, fmt.Errorf("unknown playbook action: %s", action)
	}

	r.mu.RLock()
	var hook func(types.Incident) error
	switch alias {
	case "pause":
		hook = r.hooks.Pause
	case "unwind":
		hook = r.hooks.Unwind
	case "reroute":
		hook = r.hooks.Reroute
	}
	r.mu.RUnlock()

	if hook == nil {
		return false, nil
	}
	return true, hook(incident)
}
