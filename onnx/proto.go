// Package onnx - Minimal ONNX ModelProto encoding and decoding.
//
// Only the messages and fields an exported detection graph needs are modelled.
// Field numbers follow onnx.proto; messages are encoded with protowire so that the
// module carries no generated code.
package onnx

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataType is TensorProto.DataType.
type DataType int32

const (
	Float DataType = 1
	Int32 DataType = 6
	Int64 DataType = 7
	Bool  DataType = 9
)

func (d DataType) String() string {
	switch d {
	case Float:
		return "float32"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	}
	return "unknown"
}

// AttrType is AttributeProto.AttributeType.
type AttrType int32

const (
	AttrTypeFloat   AttrType = 1
	AttrTypeInt     AttrType = 2
	AttrTypeString  AttrType = 3
	AttrTypeTensor  AttrType = 4
	AttrTypeFloats  AttrType = 6
	AttrTypeInts    AttrType = 7
	AttrTypeStrings AttrType = 8
)

// Dim is one tensor dimension: a fixed size, or a named symbolic size when Param is set.
type Dim struct {
	Value int64  `json:"value,omitempty"`
	Param string `json:"param,omitempty"`
}

// Dynamic reports whether the dimension is resolved at run time.
func (d Dim) Dynamic() bool { return d.Param != "" || d.Value <= 0 }

// Sym returns a symbolic dimension.
func Sym(name string) Dim { return Dim{Param: name} }

// Fixed returns a static dimension.
func Fixed(v int64) Dim { return Dim{Value: v} }

// ValueInfo is a named, typed graph boundary value.
type ValueInfo struct {
	Name     string   `json:"name"`
	ElemType DataType `json:"elem_type"`
	Dims     []Dim    `json:"dims"`
}

// Tensor is an initializer or constant.
type Tensor struct {
	Name     string
	DataType DataType
	Dims     []int64
	Raw      []byte

	// encoded is the TensorProto as read from a model, kept so that copies preserve
	// fields this package does not model.
	encoded []byte
}

// FloatTensor builds a float32 tensor.
func FloatTensor(name string, vals []float32, dims ...int64) Tensor {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return Tensor{Name: name, DataType: Float, Dims: dims, Raw: raw}
}

// Int64Tensor builds an int64 tensor.
func Int64Tensor(name string, vals []int64, dims ...int64) Tensor {
	raw := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return Tensor{Name: name, DataType: Int64, Dims: dims, Raw: raw}
}

// BoolTensor builds a bool tensor.
func BoolTensor(name string, vals []bool, dims ...int64) Tensor {
	raw := make([]byte, len(vals))
	for i, v := range vals {
		if v {
			raw[i] = 1
		}
	}
	return Tensor{Name: name, DataType: Bool, Dims: dims, Raw: raw}
}

// Floats decodes a float32 tensor's raw data.
func (t Tensor) Floats() []float32 {
	out := make([]float32, len(t.Raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Raw[4*i:]))
	}
	return out
}

// Int64s decodes an int64 tensor's raw data.
func (t Tensor) Int64s() []int64 {
	out := make([]int64, len(t.Raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.Raw[8*i:]))
	}
	return out
}

// Attribute is a node attribute. Exactly one value field is meaningful, chosen by Type.
type Attribute struct {
	Name    string
	Type    AttrType
	F       float32
	I       int64
	S       string
	T       *Tensor
	Floats  []float32
	Ints    []int64
	Strings []string
}

// AttrF builds a float attribute.
func AttrF(name string, v float32) Attribute { return Attribute{Name: name, Type: AttrTypeFloat, F: v} }

// AttrI builds an int attribute.
func AttrI(name string, v int64) Attribute { return Attribute{Name: name, Type: AttrTypeInt, I: v} }

// AttrS builds a string attribute.
func AttrS(name, v string) Attribute { return Attribute{Name: name, Type: AttrTypeString, S: v} }

// AttrT builds a tensor attribute.
func AttrT(name string, t Tensor) Attribute { return Attribute{Name: name, Type: AttrTypeTensor, T: &t} }

// AttrInts builds an ints attribute.
func AttrInts(name string, v ...int64) Attribute { return Attribute{Name: name, Type: AttrTypeInts, Ints: v} }

// AttrFloats builds a floats attribute.
func AttrFloats(name string, v ...float32) Attribute {
	return Attribute{Name: name, Type: AttrTypeFloats, Floats: v}
}

// Node is a NodeProto.
type Node struct {
	Name    string
	OpType  string
	Domain  string
	Inputs  []string
	Outputs []string
	Attrs   []Attribute

	// rawAttrs holds attributes copied verbatim from a decoded model.
	rawAttrs [][]byte
}

// OpsetID is an OperatorSetIdProto.
type OpsetID struct {
	Domain  string
	Version int64
}

// Field numbers from onnx.proto.
const (
	modelIRVersion     = 1
	modelProducerName  = 2
	modelProducerVer   = 3
	modelGraph         = 7
	modelOpsetImport   = 8
	modelMetadataProps = 14

	opsetDomain  = 1
	opsetVersion = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12
	graphValueInfo   = 13

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5
	nodeDomain    = 7

	attrName    = 1
	attrF       = 2
	attrI       = 3
	attrS       = 4
	attrT       = 5
	attrFloats  = 7
	attrInts    = 8
	attrStrings = 9
	attrType    = 20

	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorInt32Data = 5
	tensorInt64Data = 7
	tensorName      = 8
	tensorRawData   = 9

	valueName = 1
	valueType = 2

	typeTensor     = 1
	typeElemType   = 1
	typeShape      = 2
	shapeDim       = 1
	dimValue       = 1
	dimParam       = 2
	stringEntryKey = 1
	stringEntryVal = 2
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func (t Tensor) marshal() []byte {
	if t.encoded != nil {
		return rename(t.encoded, tensorName, t.Name)
	}
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, tensorDims, d)
	}
	b = appendVarint(b, tensorDataType, int64(t.DataType))
	if t.Name != "" {
		b = appendString(b, tensorName, t.Name)
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	return protowire.AppendBytes(b, t.Raw)
}

func (a Attribute) marshal() []byte {
	b := appendString(nil, attrName, a.Name)
	switch a.Type {
	case AttrTypeFloat:
		b = appendFloat(b, attrF, a.F)
	case AttrTypeInt:
		b = appendVarint(b, attrI, a.I)
	case AttrTypeString:
		b = appendString(b, attrS, a.S)
	case AttrTypeTensor:
		b = appendMessage(b, attrT, a.T.marshal())
	case AttrTypeFloats:
		for _, f := range a.Floats {
			b = appendFloat(b, attrFloats, f)
		}
	case AttrTypeInts:
		for _, i := range a.Ints {
			b = appendVarint(b, attrInts, i)
		}
	case AttrTypeStrings:
		for _, s := range a.Strings {
			b = appendString(b, attrStrings, s)
		}
	}
	return appendVarint(b, attrType, int64(a.Type))
}

func (n Node) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.Outputs {
		b = appendString(b, nodeOutput, out)
	}
	if n.Name != "" {
		b = appendString(b, nodeName, n.Name)
	}
	b = appendString(b, nodeOpType, n.OpType)
	if n.rawAttrs != nil {
		for _, a := range n.rawAttrs {
			b = appendMessage(b, nodeAttribute, a)
		}
	} else {
		for _, a := range n.Attrs {
			b = appendMessage(b, nodeAttribute, a.marshal())
		}
	}
	if n.Domain != "" {
		b = appendString(b, nodeDomain, n.Domain)
	}
	return b
}

func (v ValueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		if d.Param != "" {
			dim = appendString(nil, dimParam, d.Param)
		} else {
			dim = appendVarint(nil, dimValue, d.Value)
		}
		shape = appendMessage(shape, shapeDim, dim)
	}
	tt := appendVarint(nil, typeElemType, int64(v.ElemType))
	tt = appendMessage(tt, typeShape, shape)
	typ := appendMessage(nil, typeTensor, tt)

	b := appendString(nil, valueName, v.Name)
	return appendMessage(b, valueType, typ)
}

func (o OpsetID) marshal() []byte {
	var b []byte
	if o.Domain != "" {
		b = appendString(b, opsetDomain, o.Domain)
	}
	return appendVarint(b, opsetVersion, o.Version)
}

// IRVersionFor returns the IR version matching a default-domain opset.
func IRVersionFor(opset int) int64 {
	switch {
	case opset <= 10:
		return 5
	case opset <= 12:
		return 6
	case opset == 13:
		return 7
	default:
		return 8
	}
}
