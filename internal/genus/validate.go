package genus

import (
	"fmt"
	"strings"

	"github.com/farant/smaragda-sub002/internal/kernelerr"
)

// ValidateAttributes rejects duplicate attribute names (case-insensitive)
// and unknown types. It is pure and has no store dependency so it can run
// standalone before any fact is appended.
func ValidateAttributes(attrs []NamedAttribute) error {
	seen := map[string]string{}
	for _, a := range attrs {
		if a.Name == "" {
			return kernelerr.New(kernelerr.ValidationError, "attribute name must not be empty")
		}
		key := strings.ToLower(a.Name)
		if existing, ok := seen[key]; ok {
			return kernelerr.New(kernelerr.ValidationError, "duplicate attribute name %q (already defined as %q)", a.Name, existing)
		}
		seen[key] = a.Name

		switch a.Type {
		case AttrText, AttrNumber, AttrBoolean, AttrFiletree:
		default:
			return kernelerr.New(kernelerr.ValidationError, "attribute %q: unknown type %q", a.Name, a.Type)
		}
	}
	return nil
}

// ValidateStateMachine checks that, if any states are declared:
//   - exactly one is marked initial
//   - every transition references declared states
//   - state names are unique (case-insensitive)
func ValidateStateMachine(states []NamedState, transitions []Transition) error {
	if len(states) == 0 {
		return nil
	}

	seen := map[string]string{}
	initialCount := 0
	for _, s := range states {
		key := strings.ToLower(s.Name)
		if existing, ok := seen[key]; ok {
			return kernelerr.New(kernelerr.ValidationError, "duplicate state name %q (already defined as %q)", s.Name, existing)
		}
		seen[key] = s.Name
		if s.Initial {
			initialCount++
		}
	}
	if initialCount != 1 {
		return kernelerr.New(kernelerr.ValidationError, "exactly one state must be marked initial, found %d", initialCount)
	}

	known := map[string]bool{}
	for _, s := range states {
		known[s.Name] = true
	}
	for _, t := range transitions {
		if !known[t.From] {
			return kernelerr.New(kernelerr.ValidationError, "transition references undeclared state %q", t.From)
		}
		if !known[t.To] {
			return kernelerr.New(kernelerr.ValidationError, "transition references undeclared state %q", t.To)
		}
	}
	return nil
}

// ValidateProcessDefinition checks that every lane has a name, that every
// step names a declared lane, that step names are unique, and that every
// step has a known step type.
func ValidateProcessDefinition(lanes []map[string]any, steps []map[string]any) error {
	laneNames := map[string]bool{}
	for _, l := range lanes {
		name, _ := l["name"].(string)
		if name == "" {
			return kernelerr.New(kernelerr.ValidationError, "process lane missing name")
		}
		laneNames[name] = true
	}

	stepNames := map[string]bool{}
	for _, s := range steps {
		name, _ := s["name"].(string)
		if name == "" {
			return kernelerr.New(kernelerr.ValidationError, "process step missing name")
		}
		if stepNames[name] {
			return kernelerr.New(kernelerr.ValidationError, "duplicate process step name %q", name)
		}
		stepNames[name] = true

		lane, _ := s["lane"].(string)
		if !laneNames[lane] {
			return kernelerr.New(kernelerr.ValidationError, "step %q references undeclared lane %q", name, lane)
		}

		stepType, _ := s["type"].(string)
		switch stepType {
		case "task_step", "action_step", "gate_step", "fetch_step", "branch_step":
		default:
			return kernelerr.New(kernelerr.ValidationError, "step %q: unknown step type %q", name, stepType)
		}
	}
	return nil
}

// ValidateActionHandler checks that every token in a handler's side effect
// payloads of the form $param.X or $res.X.id refers to a declared
// parameter or resource.
func ValidateActionHandler(resources []map[string]any, parameters []map[string]any, handler []map[string]any) error {
	resourceNames := map[string]bool{}
	for _, r := range resources {
		name, _ := r["name"].(string)
		resourceNames[name] = true
	}
	paramNames := map[string]bool{}
	for _, p := range parameters {
		name, _ := p["name"].(string)
		paramNames[name] = true
	}

	for _, step := range handler {
		for _, v := range step {
			if err := validateTokensIn(v, paramNames, resourceNames); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTokensIn(v any, paramNames, resourceNames map[string]bool) error {
	switch val := v.(type) {
	case string:
		return validateToken(val, paramNames, resourceNames)
	case map[string]any:
		for _, inner := range val {
			if err := validateTokensIn(inner, paramNames, resourceNames); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range val {
			if err := validateTokensIn(inner, paramNames, resourceNames); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateToken(s string, paramNames, resourceNames map[string]bool) error {
	if !strings.Contains(s, "$param.") && !strings.Contains(s, "$res.") {
		return nil
	}
	for _, tok := range extractTokens(s) {
		switch {
		case strings.HasPrefix(tok, "$param."):
			name := strings.TrimPrefix(tok, "$param.")
			if !paramNames[name] {
				return kernelerr.New(kernelerr.ValidationError, "handler references undeclared parameter %q", name)
			}
		case strings.HasPrefix(tok, "$res."):
			rest := strings.TrimPrefix(tok, "$res.")
			name := rest
			if idx := strings.Index(rest, "."); idx >= 0 {
				name = rest[:idx]
			}
			if !resourceNames[name] {
				return kernelerr.New(kernelerr.ValidationError, "handler references undeclared resource %q", name)
			}
		}
	}
	return nil
}

// extractTokens finds every maximal run of $param.* or $res.*.* inside s,
// stopping at whitespace, a brace, a parenthesis or a comma. Good enough for the fixed
// token grammar the action engine defines; it is not a general tokenizer.
func extractTokens(s string) []string {
	var tokens []string
	for _, prefix := range []string{"$param.", "$res."} {
		start := 0
		for {
			idx := strings.Index(s[start:], prefix)
			if idx < 0 {
				break
			}
			tokStart := start + idx
			end := tokStart
			for end < len(s) && !isTokenBoundary(s[end]) {
				end++
			}
			tokens = append(tokens, s[tokStart:end])
			start = end
		}
	}
	return tokens
}

func isTokenBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '}', '{', ')', '(', ',':
		return true
	default:
		return false
	}
}

// FindTransitionPath runs a breadth-first search over transitions from
// from to to, returning the sequence of state names visited (inclusive of
// both endpoints). Returns nil, false if no path exists.
func FindTransitionPath(transitions []Transition, from, to string) ([]string, bool) {
	if from == to {
		return []string{from}, true
	}

	adjacency := map[string][]string{}
	for _, t := range transitions {
		adjacency[t.From] = append(adjacency[t.From], t.To)
	}

	type frame struct {
		state string
		path  []string
	}
	visited := map[string]bool{from: true}
	queue := []frame{{state: from, path: []string{from}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur.state] {
			if visited[next] {
				continue
			}
			path := append(append([]string{}, cur.path...), next)
			if next == to {
				return path, true
			}
			visited[next] = true
			queue = append(queue, frame{state: next, path: path})
		}
	}
	return nil, false
}

// TransitionSummary renders the valid next states from from, used by
// internal/entity to list alternatives in invalid-transition errors.
func TransitionSummary(transitions []Transition, from string) string {
	var options []string
	for _, t := range transitions {
		if t.From == from {
			options = append(options, t.To)
		}
	}
	if len(options) == 0 {
		return "(no transitions declared from this state)"
	}
	return fmt.Sprintf("valid next states: %s", strings.Join(options, ", "))
}
