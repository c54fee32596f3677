package engine

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/picklr-io/lampstack/internal/ir"
)

// expandInstances turns every resource with count or forEach into one
// resource per instance, named name[i] or name["key"]. Placeholders
// ${count.index}, ${each.key} and ${each.value} are replaced in the
// properties and in dependsOn, so instance i can depend on subnet[i].
// forEach keys expand in sorted order. Other resources pass through as is.
func expandInstances(resources []*ir.Resource) []*ir.Resource {
	out := make([]*ir.Resource, 0, len(resources))
	for _, res := range resources {
		switch {
		case res.Count > 0:
			for i := range res.Count {
				idx := strconv.Itoa(i)
				out = append(out, instance(res, fmt.Sprintf("%s[%d]", res.Name, i),
					strings.NewReplacer("${count.index}", idx)))
			}
		case len(res.ForEach) > 0:
			for _, key := range slices.Sorted(maps.Keys(res.ForEach)) {
				out = append(out, instance(res, fmt.Sprintf("%s[%q]", res.Name, key),
					strings.NewReplacer("${each.key}", key, "${each.value}", fmt.Sprint(res.ForEach[key]))))
			}
		default:
			out = append(out, res)
		}
	}
	return out
}

// instance copies res under a new name with placeholders replaced.
func instance(res *ir.Resource, name string, r *strings.Replacer) *ir.Resource {
	inst := &ir.Resource{
		Type:     res.Type,
		Name:     name,
		Provider: res.Provider,
		Timeout:  res.Timeout,
	}
	for _, dep := range res.DependsOn {
		inst.DependsOn = append(inst.DependsOn, r.Replace(dep))
	}
	if res.Properties != nil {
		inst.Properties = substitute(res.Properties, r).(map[string]any)
	}
	if lc := res.Lifecycle; lc != nil {
		inst.Lifecycle = &ir.Lifecycle{
			CreateBeforeDestroy: lc.CreateBeforeDestroy,
			PreventDestroy:      lc.PreventDestroy,
			IgnoreChanges:       slices.Clone(lc.IgnoreChanges),
		}
	}
	return inst
}

// substitute returns a deep copy of v with r applied to every string.
func substitute(v any, r *strings.Replacer) any {
	switch val := v.(type) {
	case string:
		return r.Replace(val)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = substitute(item, r)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = substitute(item, r)
		}
		return s
	default:
		return v
	}
}
