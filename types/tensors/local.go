package tensors

import (
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) (t *Tensor) {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	return &Tensor{
		shape: shape.Clone(),
		flat:  makeFlat(shape.DType, shape.Size()),
	}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) (t *Tensor) {
	shape := shapes.Make(dtypeOf[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	return &Tensor{
		shape: shape,
		flat:  slices.Clone(data),
	}
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T Supported](value T, dimensions ...int) (t *Tensor) {
	t = FromShape(shapes.Make(dtypeOf[T](), dimensions...))
	MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return
}

// Clone creates a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	t.mu.RLock()
	defer t.mu.RUnlock()
	clone := &Tensor{shape: t.shape.Clone()}
	flatV := reflect.ValueOf(t.flat)
	cloneFlatV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneFlatV, flatV)
	clone.flat = cloneFlatV.Interface()
	return clone
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
// It read-locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), and it should not be changed.
// See Tensor.MutableFlatData to access a mutable version of the flat data.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.RLock()
	defer t.mu.RUnlock()
	accessFn(t.flat)
}

// ConstFlatData is the "generics" version of Tensor.ConstFlatData().
//
// It panics if the generic type doesn't match the Tensor's dtype.
func ConstFlatData[T Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypeOf[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypeOf[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The contents of the slice itself
// can be changed until accessFn returns. During this time the Tensor is locked.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// MutableFlatData is the "generics" version of Tensor.MutableFlatData().
//
// It panics if the generic type doesn't match the Tensor's dtype.
func MutableFlatData[T Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypeOf[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It will panic if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = slices.Clone(flat)
	})
	return flatCopy
}

// ToScalar returns the scalar value of the Tensor.
func ToScalar[T Supported](t *Tensor) T {
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	return CopyFlatData[T](t)[0]
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from with FromValue.
type MultiDimensionSlice interface {
	float32 | float64 | int32 | int64 |
		[]float32 | []float64 | []int32 | []int64 |
		[][]float32 | [][]float64 | [][]int32 | [][]int64 |
		[][][]float32 | [][][]float64 | [][][]int32 | [][][]int64
}

// LayoutStrides return the strides for each axis. This can be handy when manipulating the flat data.
func (t *Tensor) LayoutStrides() (strides []int) {
	return layoutStrides(t.shape.Dimensions)
}

func layoutStrides(dimensions []int) (strides []int) {
	rank := len(dimensions)
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for dim := rank - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= dimensions[dim]
	}
	return
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values stored
// in the tensor.
// This is expensive, and usually only used for smaller tensors in tests and to print results.
func (t *Tensor) Value() any {
	var mdSlice any
	t.ConstFlatData(func(flat any) {
		srcV := reflect.ValueOf(flat)
		if t.shape.IsScalar() {
			mdSlice = srcV.Index(0).Interface()
			return
		}
		flatCopyV := reflect.MakeSlice(srcV.Type(), srcV.Len(), srcV.Len())
		reflect.Copy(flatCopyV, srcV)
		mdSlice = convertDataToSlices(flatCopyV, t.shape.Dimensions...).Interface()
	})
	return mdSlice
}

// FromValue returns a Tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	t.MutableFlatData(func(flatAny any) {
		flatV := reflect.ValueOf(flatAny)
		if shape.IsScalar() {
			flatV.Index(0).Set(reflect.ValueOf(value))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), t.LayoutStrides())
	})
	return t
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := 0; ii < mdSlice.Len(); ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

// convertDataToSlices takes data as a flat slice, and creates a multidimensional slices with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return createSlicesRecursively(resultT, dataV, dimensions, layoutStrides(dimensions))
}

// createSlicesRecursively recursively creates slices pointing to the flat data slice.
func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() != reflect.Slice {
		shape.DType = dtypeForGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a tensor type", t)
		}
		return nil
	}
	shape.Dimensions = append(shape.Dimensions, v.Len())
	shapePrefix := shape.Clone()
	if v.Len() == 0 {
		// Empty slices are allowed (zero rows): we still need the element type.
		inner := t.Elem()
		for inner.Kind() == reflect.Slice {
			shape.Dimensions = append(shape.Dimensions, 0)
			inner = inner.Elem()
		}
		shape.DType = dtypeForGoType(inner)
		return nil
	}
	if err := shapeForValueRecursive(shape, v.Index(0), t.Elem()); err != nil {
		return err
	}
	for ii := 1; ii < v.Len(); ii++ {
		shapeTest := shapePrefix.Clone()
		if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t.Elem()); err != nil {
			return err
		}
		if !shape.Equal(shapeTest) {
			return errors.Errorf("sub-slices have irregular shapes, found shapes %s, and %s", shape, shapeTest)
		}
	}
	return nil
}

func dtypeForGoType(t reflect.Type) dtypes.DType {
	switch t {
	case reflect.TypeOf(float32(0)):
		return dtypes.Float32
	case reflect.TypeOf(float64(0)):
		return dtypes.Float64
	case reflect.TypeOf(int32(0)):
		return dtypes.Int32
	case reflect.TypeOf(int64(0)):
		return dtypes.Int64
	case reflect.TypeOf(float16.Float16(0)):
		return dtypes.Float16
	}
	return dtypes.InvalidDType
}

// Equal checks weather t == otherTensor.
// If they are the same pointer they are considered equal.
// If the shapes are different it returns false.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := true
	t.ConstFlatData(func(flat0 any) {
		otherTensor.ConstFlatData(func(flat1 any) {
			equal = reflect.DeepEqual(flat0, flat1)
		})
	})
	return equal
}

// InDelta checks weather Abs(t - otherTensor) < delta for every element.
// If the shapes (including dtype) are different it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	values0, values1 := AsFloat64s(t), AsFloat64s(otherTensor)
	for ii := range values0 {
		if math.Abs(values0[ii]-values1[ii]) > delta {
			return false
		}
	}
	return true
}

// AsFloat64s returns a copy of the tensor values converted to float64.
func AsFloat64s(t *Tensor) (values []float64) {
	values = make([]float64, t.Size())
	t.ConstFlatData(func(flat any) {
		switch f := flat.(type) {
		case []float32:
			for ii, v := range f {
				values[ii] = float64(v)
			}
		case []float64:
			copy(values, f)
		case []int32:
			for ii, v := range f {
				values[ii] = float64(v)
			}
		case []int64:
			for ii, v := range f {
				values[ii] = float64(v)
			}
		case []float16.Float16:
			for ii, v := range f {
				values[ii] = float64(v.Float32())
			}
		}
	})
	return
}

// ConvertToFloat32 returns t converted to a Float32 tensor.
// If t is already Float32 it is returned as is (no copy).
//
// Workers may send half-precision (Float16) gradients to save bandwidth: the parameter server converts them
// before applying.
func ConvertToFloat32(t *Tensor) *Tensor {
	if t.DType() == dtypes.Float32 {
		return t
	}
	if t.DType() != dtypes.Float16 && t.DType() != dtypes.Float64 {
		exceptions.Panicf("ConvertToFloat32: cannot convert tensor of dtype %s", t.DType())
	}
	values := AsFloat64s(t)
	converted := FromShape(shapes.Make(dtypes.Float32, t.shape.Dimensions...))
	MutableFlatData(converted, func(flat []float32) {
		for ii, v := range values {
			flat[ii] = float32(v)
		}
	})
	return converted
}

// ConvertToFloat16 returns a Float16 copy of a Float32 tensor.
func ConvertToFloat16(t *Tensor) *Tensor {
	converted := FromShape(shapes.Make(dtypes.Float16, t.shape.Dimensions...))
	ConstFlatData(t, func(src []float32) {
		MutableFlatData(converted, func(dst []float16.Float16) {
			for ii, v := range src {
				dst[ii] = float16.Fromfloat32(v)
			}
		})
	})
	return converted
}
