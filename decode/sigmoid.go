package decode

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Sigmoid applies the logistic function to every element of t.
//
// A fresh expression graph is built from t's runtime shape on each call, so
// differently sized feature maps share no state.
//
// Arguments:
//   - t: A float32 tensor of any shape.
//
// Returns:
//   - []float32: The activations, in t's element order.
//   - error: An error if the graph fails to build or run.
func Sigmoid(t *tensor.Dense) ([]float32, error) {
	g := gorgonia.NewGraph()
	x := gorgonia.NewTensor(g, tensor.Float32, t.Dims(), gorgonia.WithShape(t.Shape()...), gorgonia.WithName("raw"))

	y, err := gorgonia.Sigmoid(x)
	if err != nil {
		return nil, errors.Wrap(err, "build sigmoid graph")
	}
	if err := gorgonia.Let(x, t); err != nil {
		return nil, errors.Wrap(err, "bind raw tensor")
	}

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run sigmoid graph")
	}

	data, ok := y.Value().Data().([]float32)
	if !ok {
		return nil, errors.Errorf("sigmoid produced %T", y.Value().Data())
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
