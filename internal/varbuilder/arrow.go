package varbuilder

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/metrics"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// ShapeKey is the field metadata key holding a parameter's shape as
// comma-separated dimensions. Scalars use the empty string.
const ShapeKey = "shape"

// ArrowSource serves float32 parameters read from an Arrow IPC stream. Each
// schema field is a list<float32> column named after a parameter; the
// values of all its rows, across all record batches, are the parameter's
// elements in row-major order.
type ArrowSource struct {
	params map[string]arrowParam
}

type arrowParam struct {
	shape tensor.Shape
	data  []float32
}

// OpenArrow reads the Arrow IPC stream file at path.
func OpenArrow(path string) (*ArrowSource, error) {
	f, err := os.Open(path) //nolint:gosec // G304: caller-supplied model path.
	if err != nil {
		return nil, fmt.Errorf("arrow: %w", err)
	}
	defer func() { _ = f.Close() }()
	return NewArrowSource(f)
}

// NewArrowSource reads every parameter from the IPC stream r.
func NewArrowSource(r io.Reader) (*ArrowSource, error) {
	params, err := readArrow(r)
	if err != nil {
		return nil, tensor.WrapError(tensor.KindFormat, "arrow", err)
	}
	metrics.RecordTensorsLoaded("arrow", len(params))
	logger.Log.Debug("read arrow parameters", "count", len(params))
	return &ArrowSource{params: params}, nil
}

func readArrow(r io.Reader) (map[string]arrowParam, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, err
	}
	defer rd.Release()

	fields := rd.Schema().Fields()
	shapes := make([]tensor.Shape, len(fields))
	for i, f := range fields {
		lt, ok := f.Type.(*arrow.ListType)
		if !ok || lt.Elem().ID() != arrow.FLOAT32 {
			return nil, fmt.Errorf("field %q: type %s, want list<float32>", f.Name, f.Type)
		}
		idx := f.Metadata.FindKey(ShapeKey)
		if idx < 0 {
			return nil, fmt.Errorf("field %q: missing %q metadata", f.Name, ShapeKey)
		}
		shape, err := parseShape(f.Metadata.Values()[idx])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		shapes[i] = shape
	}

	data := make([][]float32, len(fields))
	for rd.Next() {
		rec := rd.Record()
		for i := range fields {
			col, ok := rec.Column(i).(*array.List)
			if !ok {
				return nil, fmt.Errorf("field %q: column is %T", fields[i].Name, rec.Column(i))
			}
			values, ok := col.ListValues().(*array.Float32)
			if !ok {
				return nil, fmt.Errorf("field %q: list values are %T", fields[i].Name, col.ListValues())
			}
			raw := values.Float32Values()
			for row := range col.Len() {
				if col.IsNull(row) {
					continue
				}
				start, end := col.ValueOffsets(row)
				data[i] = append(data[i], raw[start:end]...)
			}
		}
	}
	if err := rd.Err(); err != nil {
		return nil, err
	}

	params := make(map[string]arrowParam, len(fields))
	for i, f := range fields {
		if _, dup := params[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		if want := shapes[i].NumElements(); len(data[i]) != want {
			return nil, fmt.Errorf("field %q: %d values for shape %v", f.Name, len(data[i]), shapes[i])
		}
		params[f.Name] = arrowParam{shape: shapes[i], data: data[i]}
	}
	return params, nil
}

func parseShape(s string) (tensor.Shape, error) {
	if s == "" {
		return tensor.Shape{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make(tensor.Shape, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}

func formatShape(shape tensor.Shape) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// Get implements Source. init is ignored.
func (s *ArrowSource) Get(shape tensor.Shape, name string, _ Init, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	t, err := s.GetUnchecked(name, dtype, b)
	return checked(shape, name, t, err)
}

// GetUnchecked implements Source.
func (s *ArrowSource) GetUnchecked(name string, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	p, ok := s.params[name]
	if !ok {
		return nil, notFound(name)
	}
	t, err := tensor.FromSlice(p.data, p.shape.Clone(), b)
	if err != nil {
		return nil, err
	}
	return t.ToDType(dtype)
}

// Contains implements Source.
func (s *ArrowSource) Contains(name string) bool {
	_, ok := s.params[name]
	return ok
}

// Names returns the parameter names in sorted order.
func (s *ArrowSource) Names() []string {
	return slices.Sorted(maps.Keys(s.params))
}

// WriteArrow encodes tensors as an Arrow IPC stream readable by
// NewArrowSource. Values are converted to float32.
func WriteArrow(w io.Writer, tensors map[string]*tensor.Tensor) error {
	if err := writeArrow(w, tensors); err != nil {
		return fmt.Errorf("arrow: write: %w", err)
	}
	return nil
}

func writeArrow(w io.Writer, tensors map[string]*tensor.Tensor) error {
	mem := memory.NewGoAllocator()
	names := slices.Sorted(maps.Keys(tensors))
	fields := make([]arrow.Field, len(names))
	cols := make([]arrow.Array, 0, len(names))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for i, name := range names {
		t := tensors[name]
		vals, err := t.ToFloat32s()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		fields[i] = arrow.Field{
			Name:     name,
			Type:     arrow.ListOf(arrow.PrimitiveTypes.Float32),
			Metadata: arrow.NewMetadata([]string{ShapeKey}, []string{formatShape(t.Shape())}),
		}
		lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		lb.Append(true)
		vb.AppendValues(vals, nil)
		cols = append(cols, lb.NewArray())
		lb.Release()
	}

	schema := arrow.NewSchema(fields, nil)
	iw := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if len(cols) > 0 {
		rec := array.NewRecord(schema, cols, 1)
		defer rec.Release()
		if err := iw.Write(rec); err != nil {
			_ = iw.Close()
			return err
		}
	}
	return iw.Close()
}
