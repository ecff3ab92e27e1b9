package model

// NodeKind is the kind of an activity-diagram node.
type NodeKind string

// Node kinds.
const (
	NodeStart    NodeKind = "start"
	NodeActivity NodeKind = "activity"
	NodeDecision NodeKind = "decision"
	NodeStop     NodeKind = "stop"
)

// ActionRef names an external action handler and its parameters. Parameter
// values may contain {{variable}} placeholders.
type ActionRef struct {
	Name   string            `yaml:"name"   json:"name"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// NodeDefinition is one node of a workflow graph.
type NodeDefinition struct {
	ID     string     `yaml:"id"     json:"id"`
	Kind   NodeKind   `yaml:"kind"   json:"kind"`
	Text   string     `yaml:"text"   json:"text,omitempty"`
	Action *ActionRef `yaml:"action" json:"action,omitempty"`
}

// EdgeDefinition connects two nodes. Edges leaving a decision carry the
// branch label used by Resolve.
type EdgeDefinition struct {
	From  string `yaml:"from"  json:"from"`
	To    string `yaml:"to"    json:"to"`
	Label string `yaml:"label" json:"label,omitempty"`
}

// WorkflowDefinition is an immutable parsed activity diagram. It is built
// once by the definition loader and shared by reference across instances.
type WorkflowDefinition struct {
	ID      string           `yaml:"id"      json:"id"`
	Name    string           `yaml:"name"    json:"name"`
	Diagram string           `yaml:"diagram" json:"-"`
	Nodes   []NodeDefinition `yaml:"nodes"   json:"nodes"`
	Edges   []EdgeDefinition `yaml:"edges"   json:"edges"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"checksum,omitempty"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Node returns the node with the given ID.
func (d *WorkflowDefinition) Node(id string) (NodeDefinition, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDefinition{}, false
}

// Outgoing returns the edges leaving the given node in declaration order.
func (d *WorkflowDefinition) Outgoing(id string) []EdgeDefinition {
	var out []EdgeDefinition
	for _, e := range d.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the single start node.
func (d *WorkflowDefinition) StartNode() (NodeDefinition, bool) {
	for _, n := range d.Nodes {
		if n.Kind == NodeStart {
			return n, true
		}
	}
	return NodeDefinition{}, false
}
