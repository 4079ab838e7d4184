package webgpu

import (
	"strings"
	"testing"

	"github.com/born-ml/tensorcore/internal/config"
	"github.com/born-ml/tensorcore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReportsUnavailableAsDeviceError(t *testing.T) {
	b, err := New(DefaultOptions())
	if err != nil {
		assert.ErrorIs(t, err, tensor.ErrDevice)
		assert.Nil(t, b)
		return
	}
	defer func() { _ = b.Close() }()
	assert.Equal(t, tensor.WebGPU, b.Kind())
}

func TestOptions(t *testing.T) {
	cfg := config.Default()
	cfg.WebGPUPowerPreference = "low-power"
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "low-power", opts.PowerPreference)
	require.NoError(t, opts.validate())

	_, err := New(Options{PowerPreference: "fastest"})
	assert.ErrorIs(t, err, tensor.ErrDevice)
}

func TestSupportedDTypes(t *testing.T) {
	for _, dt := range []tensor.DType{tensor.F32, tensor.U8, tensor.U32} {
		assert.True(t, Supported(dt), dt.String())
		assert.NoError(t, checkDType("alloc", dt))
	}
	for _, dt := range []tensor.DType{tensor.F64, tensor.F16, tensor.BF16, tensor.I64} {
		assert.False(t, Supported(dt), dt.String())
		assert.ErrorIs(t, checkDType("alloc", dt), tensor.ErrDtype)
	}
}

func TestGrid(t *testing.T) {
	x, y, row := grid(0)
	assert.Equal(t, [3]uint32{1, 1, workgroupSize}, [3]uint32{x, y, row})

	x, y, _ = grid(1000)
	assert.Equal(t, uint32(4), x)
	assert.Equal(t, uint32(1), y)

	n := maxGroups*workgroupSize + 1
	x, y, row = grid(n)
	assert.Equal(t, uint32(maxGroups), x)
	assert.Equal(t, uint32(2), y)
	assert.GreaterOrEqual(t, int(x)*int(y)*workgroupSize, n)
	assert.Equal(t, uint32(maxGroups*workgroupSize), row)
}

func TestGatherInfo(t *testing.T) {
	l, err := tensor.Contiguous(tensor.Shape{2, 3}).Transpose(0, 1)
	require.NoError(t, err)
	info, ok := gatherInfo(l, 256)
	require.True(t, ok)
	assert.Equal(t, []int32{6, 256, 2, 0}, info[:gatherShape])
	assert.Equal(t, []int32{3, 2}, info[gatherShape:gatherShape+2])
	assert.Equal(t, []int32{1, 3}, info[gatherShape+maxRank:gatherShape+maxRank+2])

	deep := tensor.Contiguous(tensor.Shape{1, 1, 1, 1, 1, 1, 1, 1, 2})
	_, ok = gatherInfo(deep, 256)
	assert.False(t, ok, "rank above the kernel limit runs on the host")
}

func TestShadersCoverEveryOp(t *testing.T) {
	for op := tensor.UnaryNeg; op <= tensor.UnaryRecip; op++ {
		code := unaryShader(op)
		assert.Contains(t, code, unaryExprs[op], op.String())
		assert.Contains(t, code, "fn main")
	}
	for op := tensor.BinaryAdd; op <= tensor.BinaryMinimum; op++ {
		assert.Contains(t, binaryShader(op), binaryExprs[op], op.String())
	}
	for op := tensor.CmpEq; op <= tensor.CmpGe; op++ {
		assert.Contains(t, compareShader(op), "lhs[e] "+cmpOperators[op]+" rhs[e]", op.String())
	}
	for _, code := range []string{gatherShader, affineShader, matmulShader} {
		assert.Equal(t, 1, strings.Count(code, "fn main"))
	}
}
