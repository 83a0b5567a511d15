package export

import (
	"bytes"
	"os"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/onnx"
)

// Info summarises an artifact of any target.
type Info struct {
	Target    Target            `json:"target"`
	ID        string            `json:"artifact_id,omitempty"`
	Strategy  string            `json:"strategy,omitempty"`
	Producer  string            `json:"producer,omitempty"`
	IRVersion int64             `json:"ir_version,omitempty"`
	Opsets    map[string]int64  `json:"opsets,omitempty"`
	Inputs    []onnx.ValueInfo  `json:"inputs,omitempty"`
	Outputs   []onnx.ValueInfo  `json:"outputs,omitempty"`
	Ops       []string          `json:"ops,omitempty"`
	Nodes     int               `json:"nodes"`
	Stages    []graph.Op        `json:"stages,omitempty"`
	Extractor string            `json:"extractor,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Inspect reads an artifact and reports its interface. Graph captures are told
// apart from ONNX models by their leading brace.
func Inspect(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", path)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		c, err := ReadCapture(path)
		if err != nil {
			return nil, err
		}
		info := &Info{
			Target:    GraphCapture,
			ID:        c.ID,
			Strategy:  string(c.Strategy),
			Producer:  c.Producer,
			Nodes:     len(c.Graph.Nodes),
			Extractor: c.Graph.Node(graph.OpExtract).Extractor.Name,
		}
		for _, n := range c.Graph.Nodes {
			info.Stages = append(info.Stages, n.Op)
		}
		return info, nil
	}

	m, err := onnx.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode artifact %s", path)
	}
	info := &Info{
		Target:    Target(m.Metadata["target"]),
		ID:        m.Metadata["artifact_id"],
		Strategy:  m.Metadata["nms_strategy"],
		Producer:  m.ProducerName,
		IRVersion: m.IRVersion,
		Opsets:    map[string]int64{},
		Inputs:    m.Graph.Inputs,
		Outputs:   m.Graph.Outputs,
		Ops:       m.OpTypes(),
		Nodes:     len(m.Graph.Nodes),
		Extractor: m.Metadata["extractor"],
		Metadata:  m.Metadata,
	}
	if info.Target == "" {
		info.Target = Interchange
	}
	for _, o := range m.Opsets {
		info.Opsets[o.Domain] = o.Version
	}
	return info, nil
}
