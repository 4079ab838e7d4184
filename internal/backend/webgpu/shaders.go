package webgpu

import (
	"fmt"

	"github.com/born-ml/tensorcore/internal/tensor"
)

const (
	workgroupSize = 256
	// maxGroups is the per-dimension dispatch limit WebGPU guarantees.
	maxGroups = 65535
	// maxRank bounds the layouts the gather kernel can walk.
	maxRank     = 8
	matmulTile  = 16
	gatherShape = 4
)

// Every element-wise kernel binds its operands first, then dst, then an
// info array whose first two words are the element count and the row pitch
// of a two-dimensional dispatch.
const invocation = `
	let i = gid.x + gid.y * info[1];
	if (i >= info[0]) { return; }`

// gatherShader copies a strided f32 view into a contiguous buffer. info
// holds [n, row, rank, offset, shape[8], strides[8]] as i32.
const gatherShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<storage, read> info: array<i32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let i = i32(gid.x + gid.y * u32(info[1]));
	if (i >= info[0]) { return; }
	var rem = i;
	var off = info[3];
	for (var d = info[2] - 1; d >= 0; d = d - 1) {
		let dim = info[4 + d];
		off = off + (rem % dim) * info[12 + d];
		rem = rem / dim;
	}
	dst[i] = src[off];
}
`

var unaryExprs = [...]string{
	tensor.UnaryNeg:     "-x",
	tensor.UnaryExp:     "exp(x)",
	tensor.UnaryLog:     "log(x)",
	tensor.UnarySqrt:    "sqrt(x)",
	tensor.UnarySqr:     "x * x",
	tensor.UnaryAbs:     "abs(x)",
	tensor.UnarySign:    "sign(x)",
	tensor.UnaryTanh:    "tanh(x)",
	tensor.UnarySigmoid: "1.0 / (1.0 + exp(-x))",
	tensor.UnaryRelu:    "max(x, 0.0)",
	tensor.UnarySilu:    "x / (1.0 + exp(-x))",
	tensor.UnaryGelu:    "0.5 * x * (1.0 + tanh(0.7978845608028654 * (x + 0.044715 * x * x * x)))",
	tensor.UnarySin:     "sin(x)",
	tensor.UnaryCos:     "cos(x)",
	tensor.UnaryRecip:   "1.0 / x",
}

var binaryExprs = [...]string{
	tensor.BinaryAdd:     "a + b",
	tensor.BinarySub:     "a - b",
	tensor.BinaryMul:     "a * b",
	tensor.BinaryDiv:     "a / b",
	tensor.BinaryMaximum: "max(a, b)",
	tensor.BinaryMinimum: "min(a, b)",
}

var cmpOperators = [...]string{
	tensor.CmpEq: "==",
	tensor.CmpNe: "!=",
	tensor.CmpLt: "<",
	tensor.CmpLe: "<=",
	tensor.CmpGt: ">",
	tensor.CmpGe: ">=",
}

func unaryShader(op tensor.UnaryOp) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<storage, read> info: array<u32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {%s
	let x = src[i];
	dst[i] = %s;
}
`, invocation, unaryExprs[op])
}

// affineShader reads mul and add as f32 bits from info[2] and info[3].
const affineShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<storage, read> info: array<u32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {` + invocation + `
	dst[i] = src[i] * bitcast<f32>(info[2]) + bitcast<f32>(info[3]);
}
`

func binaryShader(op tensor.BinaryOp) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> lhs: array<f32>;
@group(0) @binding(1) var<storage, read> rhs: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<f32>;
@group(0) @binding(3) var<storage, read> info: array<u32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {%s
	let a = lhs[i];
	let b = rhs[i];
	dst[i] = %s;
}
`, invocation, binaryExprs[op])
}

// compareShader packs four u8 results into each output word. info[0] is the
// word count and info[2] the element count.
func compareShader(op tensor.CmpOp) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> lhs: array<f32>;
@group(0) @binding(1) var<storage, read> rhs: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<u32>;
@group(0) @binding(3) var<storage, read> info: array<u32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {%s
	var packed = 0u;
	for (var j = 0u; j < 4u; j = j + 1u) {
		let e = i * 4u + j;
		if (e < info[2]) {
			if (lhs[e] %s rhs[e]) {
				packed = packed | (1u << (8u * j));
			}
		}
	}
	dst[i] = packed;
}
`, invocation, cmpOperators[op])
}

// matmulShader multiplies contiguous [batch, m, k] by [batch, k, n]. info
// holds [batch, m, k, n]; the batch index is gid.z.
const matmulShader = `
@group(0) @binding(0) var<storage, read> lhs: array<f32>;
@group(0) @binding(1) var<storage, read> rhs: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<f32>;
@group(0) @binding(3) var<storage, read> info: array<u32>;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let m = info[1];
	let k = info[2];
	let n = info[3];
	let row = gid.y;
	let col = gid.x;
	if (row >= m || col >= n) { return; }
	let a0 = gid.z * m * k + row * k;
	let b0 = gid.z * k * n + col;
	var acc = 0.0;
	for (var p = 0u; p < k; p = p + 1u) {
		acc = acc + lhs[a0 + p] * rhs[b0 + p * n];
	}
	dst[gid.z * m * n + row * n + col] = acc;
}
`

// grid splits threads invocations into a two-dimensional dispatch and
// returns the group counts and the row pitch in invocations.
func grid(threads int) (x, y, row uint32) {
	groups := (threads + workgroupSize - 1) / workgroupSize
	gx := min(max(groups, 1), maxGroups)
	gy := (groups + gx - 1) / gx
	//nolint:gosec // G115: bounded by maxGroups and the element count.
	return uint32(gx), uint32(max(gy, 1)), uint32(gx * workgroupSize)
}

// gatherInfo encodes l for gatherShader. ok is false when the layout cannot
// be walked on the device.
func gatherInfo(l tensor.Layout, row uint32) (info []int32, ok bool) {
	n := l.NumElements()
	if l.Rank() > maxRank || n > 1<<31-1 {
		return nil, false
	}
	info = make([]int32, gatherShape+2*maxRank)
	//nolint:gosec // G115: checked against the i32 range above.
	info[0], info[1], info[2], info[3] = int32(n), int32(row), int32(l.Rank()), int32(l.Offset())
	for d, dim := range l.Shape() {
		info[gatherShape+d] = int32(dim)                  //nolint:gosec // G115: dims are bounded by n.
		info[gatherShape+maxRank+d] = int32(l.Strides()[d]) //nolint:gosec // G115: strides index a buffer of at most 2^31 words.
	}
	return info, true
}
