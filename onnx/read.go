package onnx

import (
	"encoding/binary"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Model is a decoded ModelProto.
type Model struct {
	IRVersion       int64             `json:"ir_version"`
	ProducerName    string            `json:"producer_name,omitempty"`
	ProducerVersion string            `json:"producer_version,omitempty"`
	Opsets          []OpsetID         `json:"opsets"`
	Graph           Graph             `json:"graph"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Graph is a decoded GraphProto.
type Graph struct {
	Name         string      `json:"name"`
	Nodes        []Node      `json:"-"`
	Initializers []Tensor    `json:"-"`
	Inputs       []ValueInfo `json:"inputs"`
	Outputs      []ValueInfo `json:"outputs"`
}

// ReadFile decodes the model stored at path.
func ReadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read model %s", path)
	}
	return Decode(data)
}

// Decode parses a serialized ModelProto.
//
// Arguments:
//   - data: The encoded model.
//
// Returns:
//   - *Model: The model, with node attributes kept verbatim for re-encoding.
//   - error: A wrapped parse error when data is not a valid ModelProto.
func Decode(data []byte) (*Model, error) {
	m := &Model{Metadata: map[string]string{}}
	err := walk(data, func(f field) error {
		switch f.num {
		case modelIRVersion:
			m.IRVersion = int64(f.v)
		case modelProducerName:
			m.ProducerName = string(f.payload)
		case modelProducerVer:
			m.ProducerVersion = string(f.payload)
		case modelGraph:
			g, err := decodeGraph(f.payload)
			if err != nil {
				return err
			}
			m.Graph = g
		case modelOpsetImport:
			var o OpsetID
			if err := walk(f.payload, func(f field) error {
				switch f.num {
				case opsetDomain:
					o.Domain = string(f.payload)
				case opsetVersion:
					o.Version = int64(f.v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Opsets = append(m.Opsets, o)
		case modelMetadataProps:
			var k, v string
			if err := walk(f.payload, func(f field) error {
				switch f.num {
				case stringEntryKey:
					k = string(f.payload)
				case stringEntryVal:
					v = string(f.payload)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode model")
	}
	return m, nil
}

// Opset returns the imported version of domain, or 0 when it is not imported. The
// default domain is "" (or its alias "ai.onnx").
func (m *Model) Opset(domain string) int64 {
	for _, o := range m.Opsets {
		if o.Domain == domain || (domain == "" && o.Domain == "ai.onnx") {
			return o.Version
		}
	}
	return 0
}

// OpTypes lists the distinct operators of the graph, sorted. Custom-domain ops
// are reported as "domain::op".
func (m *Model) OpTypes() []string {
	seen := map[string]bool{}
	for _, n := range m.Graph.Nodes {
		seen[n.key()] = true
	}
	out := make([]string, 0, len(seen))
	for op := range seen {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// NodesOf returns the nodes with the given operator type, in graph order.
func (g Graph) NodesOf(op string) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.OpType == op {
			out = append(out, n)
		}
	}
	return out
}

// Initializer looks up an initializer by name.
func (g Graph) Initializer(name string) (Tensor, bool) {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Attr looks up a decoded attribute by name.
func (n Node) Attr(name string) (Attribute, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

func (n Node) key() string {
	if n.Domain != "" && n.Domain != "ai.onnx" {
		return n.Domain + "::" + n.OpType
	}
	return n.OpType
}

func decodeGraph(b []byte) (Graph, error) {
	var g Graph
	err := walk(b, func(f field) error {
		switch f.num {
		case graphNode:
			n, err := decodeNode(f.payload)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case graphName:
			g.Name = string(f.payload)
		case graphInitializer:
			t, err := decodeTensor(f.payload)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case graphInput, graphOutput:
			v, err := decodeValueInfo(f.payload)
			if err != nil {
				return err
			}
			if f.num == graphInput {
				g.Inputs = append(g.Inputs, v)
			} else {
				g.Outputs = append(g.Outputs, v)
			}
		}
		return nil
	})
	return g, err
}

func decodeNode(b []byte) (Node, error) {
	n := Node{rawAttrs: [][]byte{}}
	err := walk(b, func(f field) error {
		switch f.num {
		case nodeInput:
			n.Inputs = append(n.Inputs, string(f.payload))
		case nodeOutput:
			n.Outputs = append(n.Outputs, string(f.payload))
		case nodeName:
			n.Name = string(f.payload)
		case nodeOpType:
			n.OpType = string(f.payload)
		case nodeDomain:
			n.Domain = string(f.payload)
		case nodeAttribute:
			a, err := decodeAttribute(f.payload)
			if err != nil {
				return err
			}
			n.Attrs = append(n.Attrs, a)
			n.rawAttrs = append(n.rawAttrs, f.payload)
		}
		return nil
	})
	return n, err
}

func decodeAttribute(b []byte) (Attribute, error) {
	var a Attribute
	err := walk(b, func(f field) error {
		switch f.num {
		case attrName:
			a.Name = string(f.payload)
		case attrType:
			a.Type = AttrType(f.v)
		case attrF:
			a.F = math.Float32frombits(uint32(f.v))
		case attrI:
			a.I = int64(f.v)
		case attrS:
			a.S = string(f.payload)
		case attrT:
			t, err := decodeTensor(f.payload)
			if err != nil {
				return err
			}
			a.T = &t
		case attrFloats:
			a.Floats = append(a.Floats, f.float32s()...)
		case attrInts:
			a.Ints = append(a.Ints, f.int64s()...)
		case attrStrings:
			a.Strings = append(a.Strings, string(f.payload))
		}
		return nil
	})
	return a, err
}

func decodeTensor(b []byte) (Tensor, error) {
	t := Tensor{encoded: b}
	var floats []float32
	var ints []int64
	err := walk(b, func(f field) error {
		switch f.num {
		case tensorDims:
			t.Dims = append(t.Dims, f.int64s()...)
		case tensorDataType:
			t.DataType = DataType(f.v)
		case tensorName:
			t.Name = string(f.payload)
		case tensorRawData:
			t.Raw = f.payload
		case tensorFloatData:
			floats = append(floats, f.float32s()...)
		case tensorInt64Data, tensorInt32Data:
			ints = append(ints, f.int64s()...)
		}
		return nil
	})
	if t.Raw == nil {
		switch {
		case floats != nil:
			t.Raw = FloatTensor("", floats).Raw
		case ints != nil && t.DataType == Int64:
			t.Raw = Int64Tensor("", ints).Raw
		}
	}
	return t, err
}

func decodeValueInfo(b []byte) (ValueInfo, error) {
	var v ValueInfo
	err := walk(b, func(f field) error {
		switch f.num {
		case valueName:
			v.Name = string(f.payload)
		case valueType:
			return walk(f.payload, func(f field) error {
				if f.num != typeTensor {
					return nil
				}
				return walk(f.payload, func(f field) error {
					switch f.num {
					case typeElemType:
						v.ElemType = DataType(f.v)
					case typeShape:
						return walk(f.payload, func(f field) error {
							if f.num != shapeDim {
								return nil
							}
							var d Dim
							err := walk(f.payload, func(f field) error {
								switch f.num {
								case dimValue:
									d.Value = int64(f.v)
								case dimParam:
									d.Param = string(f.payload)
								}
								return nil
							})
							v.Dims = append(v.Dims, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return v, err
}

// field is one decoded wire field. payload is set for length-delimited fields and
// v for varint and fixed32 fields.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	raw     []byte
	payload []byte
	v       uint64
}

// int64s decodes a repeated int64 field in either packed or unpacked form.
func (f field) int64s() []int64 {
	if f.typ != protowire.BytesType {
		return []int64{int64(f.v)}
	}
	var out []int64
	for b := f.payload; len(b) > 0; {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			break
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out
}

// float32s decodes a repeated float field in either packed or unpacked form.
func (f field) float32s() []float32 {
	if f.typ != protowire.BytesType {
		return []float32{math.Float32frombits(uint32(f.v))}
	}
	out := make([]float32, len(f.payload)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.payload[4*i:]))
	}
	return out
}

func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return protowire.ParseError(m)
		}
		f := field{num: num, typ: typ, raw: b[:n+m]}
		switch typ {
		case protowire.BytesType:
			f.payload, _ = protowire.ConsumeBytes(b[n:])
		case protowire.VarintType:
			f.v, _ = protowire.ConsumeVarint(b[n:])
		case protowire.Fixed32Type:
			v, _ := protowire.ConsumeFixed32(b[n:])
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, _ = protowire.ConsumeFixed64(b[n:])
		}
		if err := fn(f); err != nil {
			return err
		}
		b = b[n+m:]
	}
	return nil
}

// rename re-encodes msg with every occurrence of the string field num replaced by a
// single value.
func rename(msg []byte, num protowire.Number, value string) []byte {
	out := make([]byte, 0, len(msg)+len(value))
	_ = walk(msg, func(f field) error {
		if f.num != num {
			out = append(out, f.raw...)
		}
		return nil
	})
	return appendString(out, num, value)
}
