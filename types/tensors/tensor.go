// Package tensors implements the minimal multi-dimensional value type moved
// between data loaders, training loops and models.
//
// A Tensor here is a dense array of int32 values (token ids, segment ids,
// labels) plus a shape and a device tag. The numeric state of a model (its
// parameters, activations and gradients) is owned by the model implementation
// and is not represented by this package.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DeviceNum identifies an accelerator device assigned to a worker.
// Host means no accelerator: data stays in host memory.
type DeviceNum int

// Host is the device tag of tensors not assigned to any accelerator.
const Host DeviceNum = -1

// Tensor is a dense, row-major array of int32 values with a shape and a
// device assignment. The zero value is not usable; create tensors with
// FromFlatData or Zeros.
type Tensor struct {
	shape  []int
	data   []int32
	device DeviceNum
}

// Zeros returns a zero-initialized tensor of the given shape, on the host.
func Zeros(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		shape:  slices.Clone(shape),
		data:   make([]int32, size),
		device: Host,
	}
}

// FromFlatData creates a tensor that takes ownership of data, interpreted
// row-major with the given shape. It returns an error if the data length
// does not match the shape.
func FromFlatData(data []int32, shape ...int) (*Tensor, error) {
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			return nil, errors.Errorf("invalid dimension %d at axis %d, dimensions must be positive", dim, i)
		}
		size *= dim
	}
	if len(data) != size {
		return nil, errors.Errorf("data has %d values, but shape %v requires %d", len(data), shape, size)
	}
	return &Tensor{shape: slices.Clone(shape), data: data, device: Host}, nil
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of the given axis.
func (t *Tensor) Dim(axis int) int { return t.shape[axis] }

// Size returns the total number of values.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying flat values. The caller must not resize it.
func (t *Tensor) Data() []int32 { return t.data }

// Value returns the value at the given per-axis indices.
func (t *Tensor) Value(indices ...int) int32 {
	return t.data[t.flatIndex(indices)]
}

// SetValue sets the value at the given per-axis indices.
func (t *Tensor) SetValue(value int32, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor of rank %d indexed with %d indices", len(t.shape), len(indices)))
	}
	flat := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= t.shape[axis] {
			panic(fmt.Sprintf("index %d out of range for axis %d with dimension %d", idx, axis, t.shape[axis]))
		}
		flat = flat*t.shape[axis] + idx
	}
	return flat
}

// Device returns the device the tensor is assigned to.
func (t *Tensor) Device() DeviceNum { return t.device }

// ToDevice returns a tensor assigned to the given device. Values are shared:
// there is no physical accelerator memory behind DeviceNum, the tag records
// the placement decision of the worker that owns the tensor.
func (t *Tensor) ToDevice(device DeviceNum) *Tensor {
	if device == t.device {
		return t
	}
	return &Tensor{shape: t.shape, data: t.data, device: device}
}

// Equal reports whether two tensors have the same shape and values. The
// device assignment is not compared.
func (t *Tensor) Equal(other *Tensor) bool {
	return slices.Equal(t.shape, other.shape) && slices.Equal(t.data, other.data)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor(shape=%v", t.shape)
	if t.device != Host {
		_, _ = fmt.Fprintf(&sb, ", device=%d", t.device)
	}
	if t.Size() <= 16 {
		_, _ = fmt.Fprintf(&sb, ", values=%v", t.data)
	}
	sb.WriteString(")")
	return sb.String()
}
