// Package cache decides where prompt-cache breakpoints go in a request.
//
// Providers cap the number of breakpoints per request and only cache
// prefixes above a minimum size, so the allocator spends its budget on
// the largest eligible segments. The system prompt is always considered
// first because it is stable across every call in a conversation.
package cache

import (
	"fmt"
	"sort"

	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/tokens"
)

// Defaults for the allocator.
const (
	DefaultMaxPoints = 3
	DefaultMinTokens = 1500
)

// AllocationError reports that markers could not be computed. Callers
// proceed without caching.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cache allocation: %v", e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Allocator places cache markers.
type Allocator struct {
	estimator *tokens.Estimator
	maxPoints int
	minTokens int
}

// NewAllocator returns an allocator. Non-positive limits take the
// package defaults.
func NewAllocator(est *tokens.Estimator, maxPoints, minTokens int) *Allocator {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if minTokens <= 0 {
		minTokens = DefaultMinTokens
	}
	return &Allocator{estimator: est, maxPoints: maxPoints, minTokens: minTokens}
}

// MaxPoints is the marker budget, excluding the tools marker.
func (a *Allocator) MaxPoints() int { return a.maxPoints }

type candidate struct {
	marker   llm.CacheMarker
	system   bool
	size     int
	position int
}

// Allocate returns at most MaxPoints markers over the system prompt and
// messages. Only segments of at least the minimum size are marked. The
// system prompt ranks first, then larger segments before smaller, then
// earlier before later. Markers are returned in request order.
func (a *Allocator) Allocate(system string, messages []llm.Message) ([]llm.CacheMarker, error) {
	candidates := make([]candidate, 0, len(messages)+1)
	if system != "" {
		candidates = append(candidates, candidate{
			marker:   llm.CacheMarker{Scope: llm.CacheSystem},
			system:   true,
			size:     a.estimator.Text(system),
			position: -1,
		})
	}
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return nil, &AllocationError{Err: err}
		}
		candidates = append(candidates, candidate{
			marker:   llm.CacheMarker{Scope: llm.CacheMessage, Index: i},
			size:     a.estimator.Message(m),
			position: i,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.system != cj.system {
			return ci.system
		}
		if ci.size != cj.size {
			return ci.size > cj.size
		}
		return ci.position < cj.position
	})

	var chosen []candidate
	for _, c := range candidates {
		if len(chosen) == a.maxPoints {
			break
		}
		if c.size < a.minTokens {
			continue
		}
		chosen = append(chosen, c)
	}

	sort.Slice(chosen, func(i, j int) bool { return chosen[i].position < chosen[j].position })
	markers := make([]llm.CacheMarker, len(chosen))
	for i, c := range chosen {
		markers[i] = c.marker
	}
	return markers, nil
}

// WithTools appends the tool-definitions marker when tools are present.
// It does not count against the marker budget.
func WithTools(markers []llm.CacheMarker, tools []llm.ToolSpec) []llm.CacheMarker {
	if len(tools) == 0 {
		return markers
	}
	return append(markers, llm.CacheMarker{Scope: llm.CacheTools})
}
