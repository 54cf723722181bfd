package claims

import "maps"

// PropertyFilter defines which entity properties are exposed to callers
type PropertyFilter interface {
	// Filter returns the properties that should be passed through.
	// The input map is never modified.
	Filter(props map[string]any) map[string]any
}

// AllowListPropertyFilter only allows properties in the allow list
type AllowListPropertyFilter struct {
	allowed map[string]bool
}

// NewAllowListPropertyFilter creates a new allow list filter
func NewAllowListPropertyFilter(allowed []string) *AllowListPropertyFilter {
	set := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		set[p] = true
	}
	return &AllowListPropertyFilter{allowed: set}
}

// Filter implements PropertyFilter
func (f *AllowListPropertyFilter) Filter(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	filtered := make(map[string]any)
	for key, value := range props {
		if f.allowed[key] {
			filtered[key] = value
		}
	}
	return filtered
}

// DenyListPropertyFilter blocks properties in the deny list
type DenyListPropertyFilter struct {
	denied map[string]bool
}

// NewDenyListPropertyFilter creates a new deny list filter
func NewDenyListPropertyFilter(denied []string) *DenyListPropertyFilter {
	set := make(map[string]bool, len(denied))
	for _, p := range denied {
		set[p] = true
	}
	return &DenyListPropertyFilter{denied: set}
}

// Filter implements PropertyFilter
func (f *DenyListPropertyFilter) Filter(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	filtered := make(map[string]any)
	for key, value := range props {
		if !f.denied[key] {
			filtered[key] = value
		}
	}
	return filtered
}

// PassthroughPropertyFilter passes all properties through
type PassthroughPropertyFilter struct{}

// Filter implements PropertyFilter
func (f *PassthroughPropertyFilter) Filter(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	return maps.Clone(props)
}
