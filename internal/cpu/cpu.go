package cpu

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelThreshold is the smallest rows*cols product worth fanning out.
const parallelThreshold = 1 << 14

// Context carries the degree of parallelism for the kernels below.
type Context struct {
	threads int
}

// NewContext returns a kernel context using n goroutines; n <= 0 means
// one per CPU.
func NewContext(threads int) *Context {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &Context{threads: threads}
}

func (c *Context) Threads() int {
	return c.threads
}

// MatVec computes out = W x where W is rows x cols, row-major.
func (c *Context) MatVec(out, w, x []float32, rows, cols int) {
	if c.threads == 1 || rows*cols < parallelThreshold {
		matVecRows(out, w, x, 0, rows, cols)
		return
	}
	chunk := (rows + c.threads - 1) / c.threads
	var g errgroup.Group
	g.SetLimit(c.threads)
	for start := 0; start < rows; start += chunk {
		start, end := start, min(start+chunk, rows)
		g.Go(func() error {
			matVecRows(out, w, x, start, end, cols)
			return nil
		})
	}
	_ = g.Wait()
}

// MatVecBias is MatVec followed by out += b when b is non-nil.
func (c *Context) MatVecBias(out, w, b, x []float32, rows, cols int) {
	c.MatVec(out, w, x, rows, cols)
	if b != nil {
		Add(out, b)
	}
}

func matVecRows(out, w, x []float32, start, end, cols int) {
	for r := start; r < end; r++ {
		row := w[r*cols : r*cols+cols]
		var sum float32
		for j, v := range row {
			sum += v * x[j]
		}
		out[r] = sum
	}
}

func RMSNorm(out, x, weight []float32, eps float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	scale := float32(1.0 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for i, v := range x {
		out[i] = weight[i] * (v * scale)
	}
}

// LayerNorm normalizes x to zero mean and unit variance, then applies
// weight and bias (bias may be nil).
func LayerNorm(out, x, weight, bias []float32, eps float32) {
	n := float64(len(x))
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range x {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1.0 / math.Sqrt(variance+float64(eps))
	for i, v := range x {
		y := float32((float64(v) - mean) * inv)
		y *= weight[i]
		if bias != nil {
			y += bias[i]
		}
		out[i] = y
	}
}

func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// SwiGLU writes silu(gate) * up into gate.
func SwiGLU(gate, up []float32) {
	for i, g := range gate {
		gate[i] = g / (1 + float32(math.Exp(float64(-g)))) * up[i]
	}
}

// GeLU applies the tanh approximation used by GPT-2, in place.
func GeLU(x []float32) {
	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, v := range x {
		u := float64(v)
		x[i] = float32(0.5 * u * (1 + math.Tanh(c*(u+0.044715*u*u*u))))
	}
}

// Rope rotates consecutive pairs of each head in vec by position pos.
func Rope(vec []float32, pos, headDim int, theta float32) {
	for h := 0; h+headDim <= len(vec); h += headDim {
		for i := 0; i < headDim; i += 2 {
			freq := 1.0 / math.Pow(float64(theta), float64(i)/float64(headDim))
			angle := float64(pos) * freq
			cos, sin := float32(math.Cos(angle)), float32(math.Sin(angle))
			x0, x1 := vec[h+i], vec[h+i+1]
			vec[h+i] = x0*cos - x1*sin
			vec[h+i+1] = x0*sin + x1*cos
		}
	}
}

func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func Dot(a, b []float32) float32 {
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

// Axpy computes y += a*x.
func Axpy(y []float32, a float32, x []float32) {
	for i, v := range x {
		y[i] += a * v
	}
}
