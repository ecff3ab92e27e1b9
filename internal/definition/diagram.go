package definition

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/pitabwire/waypoint/model"
)

// Diagram is the graph parsed from a PlantUML activity diagram.
type Diagram struct {
	Title string
	Nodes []model.NodeDefinition
	Edges []model.EdgeDefinition
}

// Default branch labels used when the diagram leaves them implicit.
const (
	labelThen      = "yes"
	labelElse      = "no"
	labelLoop      = "yes"
	labelLoopLeave = "no"
)

var (
	reTitle    = regexp.MustCompile(`^title\s+(.+)$`)
	reIf       = regexp.MustCompile(`^if\s*\((.*)\)\s*then\s*(?:\((.*)\))?$`)
	reElseIf   = regexp.MustCompile(`^else\s*if\s*\((.*)\)\s*then\s*(?:\((.*)\))?$`)
	reElse     = regexp.MustCompile(`^else\s*(?:\((.*)\))?$`)
	reEndIf    = regexp.MustCompile(`^end\s*if$`)
	reWhile    = regexp.MustCompile(`^while\s*\((.*?)\)\s*(?:is\s*\((.*)\))?$`)
	reEndWhile = regexp.MustCompile(`^end\s*while\s*(?:\((.*)\))?$`)
	reNote     = regexp.MustCompile(`^note\s+(?:left|right|top|bottom)?\s*(?::\s*(.*))?$`)
	reParam    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.-]*)\s*[=:]\s*(.*)$`)
)

type pending struct {
	from  string
	label string
}

type block struct {
	kind     string
	decision string
	ends     []pending
	hasElse  bool
}

type diagramParser struct {
	d        Diagram
	frontier []pending
	blocks   []*block
	seq      int
	last     int
	line     int
}

// ParseDiagram parses the PlantUML activity subset used for workflows:
// start, :activity;, note blocks carrying "action: name" and "key = value"
// parameters, if/elseif/else/endif, while/endwhile, stop and end.
func ParseDiagram(src string) (Diagram, error) {
	p := &diagramParser{last: -1}
	sc := bufio.NewScanner(strings.NewReader(src))

	var activity []string
	var note []string
	inNote := false

	for sc.Scan() {
		p.line++
		raw := sc.Text()
		line := strings.TrimSpace(raw)

		if activity != nil {
			activity = append(activity, line)
			if strings.HasSuffix(line, ";") {
				p.activity(strings.Join(activity, "\n"))
				activity = nil
			}
			continue
		}
		if inNote {
			if strings.EqualFold(line, "end note") || strings.EqualFold(line, "endnote") {
				if err := p.note(note); err != nil {
					return Diagram{}, err
				}
				inNote, note = false, nil
				continue
			}
			note = append(note, line)
			continue
		}

		switch {
		case line == "" || strings.HasPrefix(line, "'"):
		case strings.HasPrefix(line, "@startuml"), strings.HasPrefix(line, "@enduml"):
		case reTitle.MatchString(line):
			p.d.Title = strings.TrimSpace(reTitle.FindStringSubmatch(line)[1])
		case line == "start":
			p.emit(model.NodeStart, "")
		case line == "stop" || line == "end":
			p.emit(model.NodeStop, "")
		case strings.HasPrefix(line, ":"):
			if strings.HasSuffix(line, ";") {
				p.activity(line)
			} else {
				activity = []string{line}
			}
		case reNote.MatchString(line):
			m := reNote.FindStringSubmatch(line)
			if m[1] != "" {
				if err := p.note([]string{m[1]}); err != nil {
					return Diagram{}, err
				}
			} else {
				inNote = true
			}
		case reIf.MatchString(line):
			m := reIf.FindStringSubmatch(line)
			id := p.emit(model.NodeDecision, strings.TrimSpace(m[1]))
			p.blocks = append(p.blocks, &block{kind: "if", decision: id})
			p.frontier = []pending{{from: id, label: orDefault(m[2], labelThen)}}
		case reElseIf.MatchString(line):
			m := reElseIf.FindStringSubmatch(line)
			b, err := p.openIf("elseif")
			if err != nil {
				return Diagram{}, err
			}
			b.ends = append(b.ends, p.frontier...)
			p.frontier = []pending{{from: b.decision, label: orDefault(m[2], strings.TrimSpace(m[1]))}}
		case reEndIf.MatchString(line):
			b, err := p.openIf("endif")
			if err != nil {
				return Diagram{}, err
			}
			p.blocks = p.blocks[:len(p.blocks)-1]
			ends := append(b.ends, p.frontier...)
			if !b.hasElse {
				ends = append(ends, pending{from: b.decision, label: labelElse})
			}
			p.frontier = ends
		case reElse.MatchString(line):
			m := reElse.FindStringSubmatch(line)
			b, err := p.openIf("else")
			if err != nil {
				return Diagram{}, err
			}
			b.ends = append(b.ends, p.frontier...)
			b.hasElse = true
			p.frontier = []pending{{from: b.decision, label: orDefault(m[1], labelElse)}}
		case reWhile.MatchString(line):
			m := reWhile.FindStringSubmatch(line)
			id := p.emit(model.NodeDecision, strings.TrimSpace(m[1]))
			p.blocks = append(p.blocks, &block{kind: "while", decision: id})
			p.frontier = []pending{{from: id, label: orDefault(m[2], labelLoop)}}
		case reEndWhile.MatchString(line):
			m := reEndWhile.FindStringSubmatch(line)
			if len(p.blocks) == 0 || p.top().kind != "while" {
				return Diagram{}, p.errorf("endwhile without while")
			}
			b := p.top()
			p.blocks = p.blocks[:len(p.blocks)-1]
			for _, f := range p.frontier {
				p.d.Edges = append(p.d.Edges, model.EdgeDefinition{From: f.from, To: b.decision, Label: f.label})
			}
			p.frontier = []pending{{from: b.decision, label: orDefault(m[1], labelLoopLeave)}}
		default:
			return Diagram{}, p.errorf("unsupported statement %q", line)
		}
	}
	if err := sc.Err(); err != nil {
		return Diagram{}, err
	}

	switch {
	case activity != nil:
		return Diagram{}, p.errorf("unterminated activity, missing ';'")
	case inNote:
		return Diagram{}, p.errorf("unterminated note, missing 'end note'")
	case len(p.blocks) > 0:
		return Diagram{}, p.errorf("unclosed %s block", p.top().kind)
	}
	return p.d, nil
}

func (p *diagramParser) top() *block { return p.blocks[len(p.blocks)-1] }

func (p *diagramParser) openIf(stmt string) (*block, error) {
	if len(p.blocks) == 0 || p.top().kind != "if" {
		return nil, p.errorf("%s without if", stmt)
	}
	b := p.top()
	if b.hasElse && stmt != "endif" {
		return nil, p.errorf("%s after else", stmt)
	}
	return b, nil
}

func (p *diagramParser) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", p.line, fmt.Sprintf(format, args...))
}

// emit appends a node and connects every dangling edge to it.
func (p *diagramParser) emit(kind model.NodeKind, text string) string {
	p.seq++
	id := fmt.Sprintf("%s_%d", kind, p.seq)
	if kind == model.NodeStart && p.seq == 1 {
		id = "start"
	}
	p.d.Nodes = append(p.d.Nodes, model.NodeDefinition{ID: id, Kind: kind, Text: text})
	p.last = len(p.d.Nodes) - 1
	for _, f := range p.frontier {
		p.d.Edges = append(p.d.Edges, model.EdgeDefinition{From: f.from, To: id, Label: f.label})
	}
	p.frontier = []pending{{from: id}}
	if kind == model.NodeStop {
		p.frontier = nil
	}
	return id
}

func (p *diagramParser) activity(stmt string) {
	text := strings.TrimSuffix(strings.TrimPrefix(stmt, ":"), ";")
	p.emit(model.NodeActivity, strings.TrimSpace(text))
}

// note attaches an action reference to the preceding activity.
func (p *diagramParser) note(lines []string) error {
	if p.last < 0 || p.d.Nodes[p.last].Kind != model.NodeActivity {
		return p.errorf("note must follow an activity")
	}
	n := &p.d.Nodes[p.last]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		m := reParam.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		key, val := m[1], strings.TrimSpace(m[2])
		if key == "action" {
			if n.Action == nil {
				n.Action = &model.ActionRef{}
			}
			n.Action.Name = val
			continue
		}
		if n.Action == nil {
			n.Action = &model.ActionRef{}
		}
		if n.Action.Params == nil {
			n.Action.Params = make(map[string]string)
		}
		n.Action.Params[key] = val
	}
	return nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
