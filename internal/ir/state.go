package ir

// State represents the persistent state owned by the state store.
type State struct {
	Version   int              `yaml:"version" json:"version"`
	Serial    int              `yaml:"serial" json:"serial"`
	Lineage   string           `yaml:"lineage" json:"lineage"`
	Resources []*ResourceState `yaml:"resources" json:"resources"`
	Outputs   map[string]any   `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

type ResourceState struct {
	Type         string         `yaml:"type" json:"type"`
	Name         string         `yaml:"name" json:"name"`
	Provider     string         `yaml:"provider" json:"provider"`
	Inputs       map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"` // User provided
	InputsHash   string         `yaml:"inputsHash,omitempty" json:"inputsHash,omitempty"`
	Outputs      map[string]any `yaml:"outputs,omitempty" json:"outputs,omitempty"` // Provider returned
	Dependencies []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Tainted      bool           `yaml:"tainted,omitempty" json:"tainted,omitempty"`
}

// Address returns the resource address (type.name).
func (r *ResourceState) Address() string {
	return r.Type + "." + r.Name
}

// Find returns the resource state at addr, or nil.
func (s *State) Find(addr string) *ResourceState {
	for _, res := range s.Resources {
		if res.Address() == addr {
			return res
		}
	}
	return nil
}
