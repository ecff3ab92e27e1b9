package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/waypoint/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ActionIndex reports whether an action handler is registered.
type ActionIndex interface {
	Has(name string) bool
}

// Validator checks the structural invariants of workflow graphs.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. The action index may be nil to skip
// handler reference checks.
func (v *Validator) Validate(defs []model.WorkflowDefinition, actions ActionIndex) []VError {
	var errs []VError
	seen := make(map[string]string, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.ID != "" {
			if other, dup := seen[def.ID]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".id",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("workflow %q already defined in %s", def.ID, other),
				})
			}
			seen[def.ID] = def.SourceFile
		}
		errs = append(errs, v.validateWorkflow(prefix, def, actions)...)
	}
	return errs
}

// ToError converts validation errors into a MALFORMED_INPUT envelope, or nil.
func ToError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewMalformedInputError(fmt.Sprintf("%d workflow definition error(s)", len(errs)), details)
}

var validNodeKinds = map[model.NodeKind]bool{
	model.NodeStart: true, model.NodeActivity: true,
	model.NodeDecision: true, model.NodeStop: true,
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition, actions ActionIndex) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(w.Nodes) == 0 {
		errs = append(errs, VError{Path: prefix + ".nodes", Code: "REQUIRED", Message: "at least one node is required"})
		return errs
	}

	kinds := make(map[string]model.NodeKind, len(w.Nodes))
	var starts []string
	for i, n := range w.Nodes {
		np := fmt.Sprintf("%s.nodes[%d]", prefix, i)
		switch {
		case n.ID == "":
			errs = append(errs, VError{Path: np + ".id", Code: "REQUIRED", Message: "node id is required"})
		case kinds[n.ID] != "":
			errs = append(errs, VError{Path: np + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
		}
		if !validNodeKinds[n.Kind] {
			errs = append(errs, VError{Path: np + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid node kind %q", n.Kind)})
		}
		if n.ID != "" {
			kinds[n.ID] = n.Kind
		}
		if n.Kind == model.NodeStart {
			starts = append(starts, n.ID)
		}
		if n.Action != nil {
			switch {
			case n.Kind != model.NodeActivity:
				errs = append(errs, VError{Path: np + ".action", Code: "NOT_ALLOWED", Message: fmt.Sprintf("%s nodes cannot carry an action", n.Kind)})
			case n.Action.Name == "":
				errs = append(errs, VError{Path: np + ".action.name", Code: "REQUIRED", Message: "action name is required"})
			case actions != nil && !actions.Has(n.Action.Name):
				errs = append(errs, VError{Path: np + ".action.name", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("action %q is not registered", n.Action.Name)})
			}
		}
	}

	if len(starts) != 1 {
		errs = append(errs, VError{
			Path:    prefix + ".nodes",
			Code:    "START_COUNT",
			Message: fmt.Sprintf("exactly one start node required, found %d", len(starts)),
		})
	}

	out := make(map[string][]model.EdgeDefinition)
	incoming := make(map[string]int)
	for i, e := range w.Edges {
		ep := fmt.Sprintf("%s.edges[%d]", prefix, i)
		if _, ok := kinds[e.From]; !ok {
			errs = append(errs, VError{Path: ep + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("node %q not found", e.From)})
			continue
		}
		if _, ok := kinds[e.To]; !ok {
			errs = append(errs, VError{Path: ep + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("node %q not found", e.To)})
			continue
		}
		out[e.From] = append(out[e.From], e)
		incoming[e.To]++
	}

	for i, n := range w.Nodes {
		if n.ID == "" {
			continue
		}
		np := fmt.Sprintf("%s.nodes[%d]", prefix, i)
		edges := out[n.ID]
		switch n.Kind {
		case model.NodeStart:
			if incoming[n.ID] > 0 {
				errs = append(errs, VError{Path: np, Code: "START_INCOMING", Message: "start node must not have incoming edges"})
			}
			if len(edges) != 1 {
				errs = append(errs, VError{Path: np, Code: "EDGE_COUNT", Message: fmt.Sprintf("start node %q needs exactly one outgoing edge, has %d", n.ID, len(edges))})
			}
		case model.NodeActivity:
			if len(edges) != 1 {
				errs = append(errs, VError{Path: np, Code: "EDGE_COUNT", Message: fmt.Sprintf("activity %q needs exactly one outgoing edge, has %d", n.ID, len(edges))})
			}
		case model.NodeDecision:
			if len(edges) == 0 {
				errs = append(errs, VError{Path: np, Code: "EDGE_COUNT", Message: fmt.Sprintf("decision %q has no outgoing edges", n.ID)})
			}
			labels := make(map[string]bool, len(edges))
			for _, e := range edges {
				label := strings.TrimSpace(e.Label)
				switch {
				case label == "":
					errs = append(errs, VError{Path: np, Code: "LABEL_REQUIRED", Message: fmt.Sprintf("edge %s -> %s needs a branch label", e.From, e.To)})
				case labels[label]:
					errs = append(errs, VError{Path: np, Code: "DUPLICATE_LABEL", Message: fmt.Sprintf("decision %q has duplicate branch %q", n.ID, label)})
				}
				labels[label] = true
			}
		case model.NodeStop:
			if len(edges) > 0 {
				errs = append(errs, VError{Path: np, Code: "EDGE_COUNT", Message: fmt.Sprintf("stop node %q must not have outgoing edges", n.ID)})
			}
		}
	}

	if len(starts) == 1 {
		reached := reachable(starts[0], out)
		for i, n := range w.Nodes {
			if n.ID != "" && !reached[n.ID] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.nodes[%d]", prefix, i),
					Code:    "UNREACHABLE",
					Message: fmt.Sprintf("node %q is not reachable from start", n.ID),
				})
			}
		}
	}

	return errs
}

func reachable(from string, out map[string][]model.EdgeDefinition) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range out[id] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}
