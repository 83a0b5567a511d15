package onnx

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detgraph/errdefs"
)

// Splice copies the nodes and initializers of another model into the builder.
//
// The model's single non-initializer input is rebound to input. Values whose names
// collide with reserved or with the builder prefix are renamed. Names referenced
// only from inside attribute subgraphs are not rewritten.
//
// Arguments:
//   - m: The decoded model to copy.
//   - input: The builder value that feeds the copied graph.
//   - reserved: Names the copied graph must not produce, such as public outputs.
//
// Returns:
//   - []string: The copied graph's outputs, in graph order, under their final names.
//   - error: ErrUnsupportedExportOperation when the model's opset differs from the
//     builder's or its interface is not a single input.
func (b *Builder) Splice(m *Model, input string, reserved ...string) ([]string, error) {
	if v := m.Opset(""); v != 0 && int(v) != b.opset {
		return nil, errors.Wrapf(errdefs.ErrUnsupportedExportOperation,
			"spliced model uses opset %d, graph uses %d", v, b.opset)
	}
	if len(m.Graph.Outputs) == 0 {
		return nil, errors.Wrap(errdefs.ErrUnsupportedExportOperation, "spliced model has no outputs")
	}

	inits := make(map[string]bool, len(m.Graph.Initializers))
	for _, t := range m.Graph.Initializers {
		inits[t.Name] = true
	}
	var src []string
	for _, in := range m.Graph.Inputs {
		if !inits[in.Name] {
			src = append(src, in.Name)
		}
	}
	if len(src) != 1 {
		return nil, errors.Wrapf(errdefs.ErrUnsupportedExportOperation,
			"spliced model must have one input, has %d", len(src))
	}

	for _, o := range m.Opsets {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			continue
		}
		if have, ok := b.domains[o.Domain]; ok && have != o.Version {
			return nil, errors.Wrapf(errdefs.ErrUnsupportedExportOperation,
				"domain %s imported at versions %d and %d", o.Domain, have, o.Version)
		}
		b.domains[o.Domain] = o.Version
	}

	taken := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		taken[r] = true
	}
	names := map[string]string{src[0]: input}
	rebind := func(n string) string {
		if n == "" {
			return ""
		}
		if r, ok := names[n]; ok {
			return r
		}
		r := n
		if taken[n] || (b.prefix != "" && strings.HasPrefix(n, b.prefix)) {
			r = b.Name("spliced")
		}
		names[n] = r
		return r
	}

	for _, t := range m.Graph.Initializers {
		t.Name = rebind(t.Name)
		b.inits = append(b.inits, t.marshal())
	}
	for _, n := range m.Graph.Nodes {
		c := n
		c.Inputs = make([]string, len(n.Inputs))
		for i, in := range n.Inputs {
			c.Inputs[i] = rebind(in)
		}
		c.Outputs = make([]string, len(n.Outputs))
		for i, out := range n.Outputs {
			c.Outputs[i] = rebind(out)
		}
		b.Add(c)
	}

	outs := make([]string, len(m.Graph.Outputs))
	for i, o := range m.Graph.Outputs {
		outs[i] = rebind(o.Name)
	}
	return outs, nil
}
