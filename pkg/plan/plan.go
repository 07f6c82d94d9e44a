// Package plan parses unstructured model output into structured
// implementation plans and validates plans and execution results against the
// safety policy.
package plan

// Complexity tiers a plan by expected effort.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// File is one planned file touch.
type File struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose,omitempty"`
	Changes string `json:"changes,omitempty"`
}

// Plan is the structured output of the planning phase. Its only durable form
// is the comment it is rendered into; execution re-reads it from there.
type Plan struct {
	Summary        string     `json:"summary"`
	Approach       string     `json:"approach,omitempty"`
	Files          []File     `json:"files"`
	Complexity     Complexity `json:"complexity,omitempty"`
	Considerations []string   `json:"considerations,omitempty"`
}

// normalizeComplexity coerces free-form complexity strings into a known tier.
func normalizeComplexity(c Complexity) Complexity {
	switch c {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return c
	default:
		return ComplexityMedium
	}
}
