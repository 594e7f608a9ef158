package filter

import (
	"github.com/dop251/goja"

	"livefeed/internal/event"
)

// Filter is a loaded JavaScript filter
type Filter struct {
	Name    string       // filter name (filename without extension)
	Kinds   []event.Kind // kinds this filter applies to; empty means all
	program *goja.Program
}

// AppliesTo reports whether the filter should see events of kind k
func (f *Filter) AppliesTo(k event.Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Stats reports filter chain counters
type Stats struct {
	Evaluated int64
	Rejected  int64
	Failed    int64
}
