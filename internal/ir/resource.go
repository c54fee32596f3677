package ir

// Resource represents a single declared resource.
type Resource struct {
	Type       string         `pkl:"type" yaml:"type" json:"type"` // e.g., "aws:EC2.Vpc"
	Name       string         `pkl:"name" yaml:"name" json:"name"`
	Provider   string         `pkl:"provider" yaml:"provider" json:"provider"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle" yaml:"lifecycle,omitempty" json:"lifecycle,omitempty"`
	DependsOn  []string       `pkl:"dependsOn" yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Timeout    string         `pkl:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"` // e.g., "10m"
	Count      int            `pkl:"count" yaml:"count,omitempty" json:"count,omitempty"`
	ForEach    map[string]any `pkl:"forEach" yaml:"forEach,omitempty" json:"forEach,omitempty"`
	Properties map[string]any `pkl:"properties" yaml:"properties,omitempty" json:"properties,omitempty"`
}

type Lifecycle struct {
	CreateBeforeDestroy bool     `pkl:"createBeforeDestroy" yaml:"createBeforeDestroy,omitempty" json:"createBeforeDestroy,omitempty"`
	PreventDestroy      bool     `pkl:"preventDestroy" yaml:"preventDestroy,omitempty" json:"preventDestroy,omitempty"`
	IgnoreChanges       []string `pkl:"ignoreChanges" yaml:"ignoreChanges,omitempty" json:"ignoreChanges,omitempty"`
}

// Address returns the resource address (type.name).
func (r *Resource) Address() string {
	t := r.Type
	if t == "" {
		t = "null_resource"
	}
	return t + "." + r.Name
}
