package ir

// Plan represents a calculated execution plan (the change set).
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]any    `json:"outputs"`
	Destroy  bool              `json:"destroy,omitempty"`
	// Providers carries the provider settings so a saved plan can be applied
	// without the configuration it was made from.
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
}

type PlanMetadata struct {
	Timestamp      string `json:"timestamp"`
	ConfigHash     string `json:"configHash"`
	PriorStateHash string `json:"priorStateHash"`
	Lineage        string `json:"lineage,omitempty"`
}

// Change actions.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionReplace = "REPLACE"
	ActionDelete  = "DELETE"
	ActionNoop    = "NOOP"
)

type ResourceChange struct {
	Address string                   `json:"address"`
	Action  string                   `json:"action"`
	Desired *Resource                `json:"resource,omitempty"`
	Prior   *Resource                `json:"prior,omitempty"`
	Diff    map[string]*PropertyDiff `json:"diff,omitempty"`
	// Dependencies holds the addresses this change must wait for.
	Dependencies []string `json:"dependencies,omitempty"`
}

type PropertyDiff struct {
	Before            any    `json:"before,omitempty"`
	After             any    `json:"after,omitempty"`
	Sensitive         bool   `json:"sensitive,omitempty"`
	ForcesReplacement bool   `json:"forcesReplacement,omitempty"`
	Action            string `json:"action"` // "create", "update", "delete", "noop"
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// Empty reports whether the plan contains no changes.
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0
}
