package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/picklr-io/lampstack/internal/ir"
)

const ptrScheme = "ptr://"

// Ref is a reference to an attribute of another resource, written
// ptr://<type>/<name>/<attr>. A property may be a bare reference, which
// resolves to the attribute's value with its type preserved, or embed
// references as ${ptr://...} inside a larger string.
type Ref struct {
	Type string
	Name string
	Attr string
}

// Address returns the address of the referenced resource.
func (r Ref) Address() string {
	return r.Type + "." + r.Name
}

func (r Ref) String() string {
	return ptrScheme + r.Type + "/" + r.Name + "/" + r.Attr
}

var embeddedRef = regexp.MustCompile(`\$\{(ptr://[^}]+)\}`)

// ParseRef parses a bare reference.
func ParseRef(s string) (Ref, error) {
	if !strings.HasPrefix(s, ptrScheme) {
		return Ref{}, fmt.Errorf("not a reference: %q", s)
	}
	parts := strings.SplitN(strings.TrimPrefix(s, ptrScheme), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("malformed reference %q, want ptr://<type>/<name>/<attr>", s)
	}
	return Ref{Type: parts[0], Name: parts[1], Attr: parts[2]}, nil
}

// rawRefs returns every reference string found in v, bare or embedded.
func rawRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, ptrScheme) {
			refs = append(refs, val)
			break
		}
		for _, m := range embeddedRef.FindAllStringSubmatch(val, -1) {
			refs = append(refs, m[1])
		}
	case map[string]any:
		for _, k := range sortedMapKeys(val) {
			refs = append(refs, rawRefs(val[k])...)
		}
	case map[any]any:
		for _, item := range val {
			refs = append(refs, rawRefs(item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, rawRefs(item)...)
		}
	}
	return refs
}

// extractRefs returns the well-formed references in v. Malformed ones are
// reported by Validate.
func extractRefs(v any) []Ref {
	var refs []Ref
	for _, raw := range rawRefs(v) {
		if ref, err := ParseRef(raw); err == nil {
			refs = append(refs, ref)
		}
	}
	return refs
}

// lookupFunc returns the value a reference resolves to, if it is known.
type lookupFunc func(Ref) (any, bool)

// resolveValue substitutes known references in v. Unknown references are
// left in place, so a provider sees the attribute as changed.
func resolveValue(v any, lookup lookupFunc) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, ptrScheme) {
			if ref, err := ParseRef(val); err == nil {
				if out, ok := lookup(ref); ok {
					return out
				}
			}
			return val
		}
		return embeddedRef.ReplaceAllStringFunc(val, func(m string) string {
			ref, err := ParseRef(m[2 : len(m)-1])
			if err != nil {
				return m
			}
			out, ok := lookup(ref)
			if !ok {
				return m
			}
			return fmt.Sprint(out)
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolveValue(item, lookup)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, lookup)
		}
		return out
	default:
		return v
	}
}

// stateLookup resolves references against recorded resources, skipping the
// addresses in unknown. Provider outputs take precedence over inputs; a
// dotted attribute walks nested maps.
func stateLookup(state *ir.State, unknown map[string]bool) lookupFunc {
	return func(ref Ref) (any, bool) {
		if unknown[ref.Address()] {
			return nil, false
		}
		res := state.Find(ref.Address())
		if res == nil {
			return nil, false
		}
		if v, ok := attrPath(res.Outputs, ref.Attr); ok {
			return v, true
		}
		return attrPath(res.Inputs, ref.Attr)
	}
}

func attrPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
