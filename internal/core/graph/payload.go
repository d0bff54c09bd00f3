package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Payload is the nodes/edges document a graph is built from.
type Payload struct {
	Nodes []Node     `json:"nodes"`
	Edges []EdgeData `json:"edges"`
}

// Dump is the document produced by Graph.Dump.
type Dump struct {
	Data         Payload `json:"data"`
	IsComponent  bool    `json:"is_component"`
	Name         string  `json:"name,omitempty"`
	Description  string  `json:"description,omitempty"`
	EndpointName string  `json:"endpoint_name"`
}

// Node is one vertex of a payload.
type Node struct {
	ID       string    `json:"id"`
	Type     string    `json:"type,omitempty"`
	Position *Position `json:"position,omitempty"`
	Data     NodeData  `json:"data"`
}

// Position is the editor position of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the type discriminator and the node body.
type NodeData struct {
	ID   string   `json:"id,omitempty"`
	Type string   `json:"type"`
	Node NodeBody `json:"node"`
}

// NodeBody is the component description. Template maps field names to
// field descriptors; a descriptor's "value" becomes a vertex param.
type NodeBody struct {
	DisplayName  string         `json:"display_name,omitempty"`
	Description  string         `json:"description,omitempty"`
	BaseClasses  []string       `json:"base_classes,omitempty"`
	Template     map[string]any `json:"template,omitempty"`
	Outputs      []Output       `json:"outputs,omitempty"`
	Frozen       bool           `json:"frozen,omitempty"`
	IsInput      *bool          `json:"is_input,omitempty"`
	IsOutput     *bool          `json:"is_output,omitempty"`
	IsState      *bool          `json:"is_state,omitempty"`
	IsLoop       *bool          `json:"is_loop,omitempty"`
	ParentNodeID string         `json:"parent_node_id,omitempty"`
}

// EdgeData is one edge of a payload.
type EdgeData struct {
	ID           string      `json:"id,omitempty"`
	Source       string      `json:"source"`
	Target       string      `json:"target"`
	SourceHandle string      `json:"sourceHandle,omitempty"`
	TargetHandle string      `json:"targetHandle,omitempty"`
	Data         EdgeHandles `json:"data"`
}

// EdgeHandles names the connected output and input.
type EdgeHandles struct {
	SourceHandle SourceHandle `json:"sourceHandle"`
	TargetHandle TargetHandle `json:"targetHandle"`
}

var (
	inputTypes  = []string{"ChatInput", "TextInput"}
	outputTypes = []string{"ChatOutput", "TextOutput"}
	stateTypes  = []string{"Listen", "Notify"}
)

// ParsePayload decodes either {"data": {"nodes", "edges"}} or the bare
// {"nodes", "edges"} form. Dump metadata is kept when present.
func ParsePayload(data []byte) (*Dump, error) {
	var probe struct {
		Data *Payload `json:"data"`
		Payload
		IsComponent  bool   `json:"is_component"`
		Name         string `json:"name"`
		Description  string `json:"description"`
		EndpointName string `json:"endpoint_name"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	d := &Dump{
		IsComponent:  probe.IsComponent,
		Name:         probe.Name,
		Description:  probe.Description,
		EndpointName: probe.EndpointName,
	}
	if probe.Data != nil {
		d.Data = *probe.Data
	} else {
		d.Data = probe.Payload
	}
	return d, nil
}

// Load parses a JSON payload and builds a graph from it. Dump metadata fills
// name, description and endpoint when cfg leaves them empty.
func Load(data []byte, cfg Config) (*Graph, error) {
	d, err := ParsePayload(data)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.Description == "" {
		cfg.Description = d.Description
	}
	if cfg.EndpointName == "" {
		cfg.EndpointName = d.EndpointName
	}
	return FromPayload(d.Data, cfg)
}

// FromPayload builds vertices and edges from p, resolving builders through
// cfg.Resolver, and flags cycle edges.
func FromPayload(p Payload, cfg Config) (*Graph, error) {
	g := New(cfg)
	for i := range p.Nodes {
		v, err := g.vertexFromNode(p.Nodes[i])
		if err != nil {
			return nil, err
		}
		if err := g.AddVertex(v); err != nil {
			return nil, fmt.Errorf("node %q: %w", p.Nodes[i].ID, err)
		}
	}
	for _, ed := range p.Edges {
		if _, err := g.AddEdge(edgeFromData(ed)); err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", ed.Source, ed.Target, err)
		}
	}
	g.cycleData()
	return g, nil
}

func (g *Graph) vertexFromNode(n Node) (*Vertex, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("%w: node without id", ErrInvalidPayload)
	}
	nodeType := n.Data.Type
	if nodeType == "" {
		nodeType = n.Type
	}
	body := n.Data.Node

	v := NewVertex(n.ID, nodeType, nil)
	if body.DisplayName != "" {
		v.DisplayName = body.DisplayName
	}
	v.Params = paramsFromTemplate(body.Template)
	v.Outputs = slices.Clone(body.Outputs)
	v.Frozen = body.Frozen
	v.ParentID = body.ParentNodeID
	for _, o := range v.Outputs {
		if o.AllowsLoop {
			v.IsLoop = true
		}
	}

	switch {
	case slices.Contains(inputTypes, nodeType):
		v.Kind, v.IsInput = KindInterface, true
	case slices.Contains(outputTypes, nodeType):
		v.Kind, v.IsOutput = KindInterface, true
	case slices.Contains(stateTypes, nodeType):
		v.Kind, v.IsState = KindState, true
	}
	if body.IsInput != nil {
		v.IsInput = *body.IsInput
	}
	if body.IsOutput != nil {
		v.IsOutput = *body.IsOutput
	}
	if body.IsState != nil && *body.IsState {
		v.Kind, v.IsState = KindState, true
	}
	if body.IsLoop != nil {
		v.IsLoop = *body.IsLoop
	}

	if g.cfg.Resolver != nil {
		b, err := g.cfg.Resolver.Resolve(nodeType)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		v.Builder = b
	}

	stored := n
	v.node = &stored
	return v, nil
}

func paramsFromTemplate(template map[string]any) map[string]any {
	params := make(map[string]any, len(template))
	for name, field := range template {
		if strings.HasPrefix(name, "_") {
			continue
		}
		desc, ok := field.(map[string]any)
		if !ok {
			continue
		}
		if val, ok := desc["value"]; ok {
			params[name] = val
		}
	}
	return params
}

func edgeFromData(ed EdgeData) *Edge {
	e := &Edge{
		ID:           ed.ID,
		Source:       ed.Source,
		Target:       ed.Target,
		SourceHandle: ed.Data.SourceHandle,
		TargetHandle: ed.Data.TargetHandle,
		rawSource:    ed.SourceHandle,
		rawTarget:    ed.TargetHandle,
	}
	if e.SourceHandle.ID == "" {
		e.SourceHandle.ID = ed.Source
	}
	if e.TargetHandle.ID == "" {
		e.TargetHandle.ID = ed.Target
	}
	return e
}

// Payload returns the nodes/edges document of the graph.
func (g *Graph) Payload() Payload {
	p := Payload{
		Nodes: make([]Node, 0, len(g.order)),
		Edges: make([]EdgeData, 0, len(g.edges)),
	}
	for _, id := range g.order {
		p.Nodes = append(p.Nodes, g.vertices[id].toNode())
	}
	for _, e := range g.edges {
		p.Edges = append(p.Edges, e.toData())
	}
	return p
}

// Dump returns the graph document. Empty arguments fall back to the values
// the graph was configured with.
func (g *Graph) Dump(name, description, endpointName string) Dump {
	if name == "" {
		name = g.cfg.Name
	}
	if description == "" {
		description = g.cfg.Description
	}
	if endpointName == "" {
		endpointName = g.cfg.EndpointName
	}
	return Dump{
		Data:         g.Payload(),
		IsComponent:  len(g.order) == 1 && len(g.edges) == 0,
		Name:         name,
		Description:  description,
		EndpointName: endpointName,
	}
}

// Dumps returns Dump encoded as JSON.
func (g *Graph) Dumps(name, description, endpointName string) ([]byte, error) {
	return json.Marshal(g.Dump(name, description, endpointName))
}

func (v *Vertex) toNode() Node {
	if v.node != nil {
		n := *v.node
		n.Data.Node.Template = maps.Clone(v.node.Data.Node.Template)
		n.Data.Node.Frozen = v.Frozen
		return n
	}
	template := make(map[string]any, len(v.Params))
	for k, val := range v.Params {
		template[k] = map[string]any{"value": val}
	}
	n := Node{
		ID:   v.ID,
		Type: "genericNode",
		Data: NodeData{
			ID:   v.ID,
			Type: v.Type,
			Node: NodeBody{
				DisplayName:  v.DisplayName,
				Template:     template,
				Outputs:      slices.Clone(v.Outputs),
				Frozen:       v.Frozen,
				ParentNodeID: v.ParentID,
			},
		},
	}
	if v.IsInput && !slices.Contains(inputTypes, v.Type) {
		n.Data.Node.IsInput = &v.IsInput
	}
	if v.IsOutput && !slices.Contains(outputTypes, v.Type) {
		n.Data.Node.IsOutput = &v.IsOutput
	}
	if v.IsState && !slices.Contains(stateTypes, v.Type) {
		n.Data.Node.IsState = &v.IsState
	}
	if v.IsLoop {
		n.Data.Node.IsLoop = &v.IsLoop
	}
	return n
}

func (e *Edge) toData() EdgeData {
	return EdgeData{
		ID:           e.ID,
		Source:       e.Source,
		Target:       e.Target,
		SourceHandle: e.rawSource,
		TargetHandle: e.rawTarget,
		Data: EdgeHandles{
			SourceHandle: e.SourceHandle,
			TargetHandle: e.TargetHandle,
		},
	}
}
