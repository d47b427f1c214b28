package autograd

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-joint/tensor"
)

func lastDim(v *Variable) int {
	s := v.Shape()
	return s[len(s)-1]
}

// Add sums two variables of identical shape.
func Add(a, b *Variable) (*Variable, error) {
	if !tensor.SameShape(a.Shape(), b.Shape()) {
		return nil, errors.Errorf("add: shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	ad, bd := a.Data(), b.Data()
	out := make([]float32, len(ad))
	for i := range out {
		out[i] = ad[i] + bd[i]
	}
	return NewResult(tensor.FromFloat32(a.Shape(), out), []*Variable{a, b}, func(g []float32) {
		for _, in := range []*Variable{a, b} {
			if !in.RequiresGrad() {
				continue
			}
			buf := in.GradBuffer()
			for i := range g {
				buf[i] += g[i]
			}
		}
	}), nil
}

// Scale multiplies every element by s.
func Scale(a *Variable, s float64) *Variable {
	ad := a.Data()
	f := float32(s)
	out := make([]float32, len(ad))
	for i := range out {
		out[i] = ad[i] * f
	}
	return NewResult(tensor.FromFloat32(a.Shape(), out), []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for i := range g {
			buf[i] += g[i] * f
		}
	})
}

// Sum reduces all elements into a single-element variable.
func Sum(a *Variable) *Variable {
	var s float64
	for _, v := range a.Data() {
		s += float64(v)
	}
	return NewResult(tensor.FromFloat32([]int{1}, []float32{float32(s)}), []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for i := range buf {
			buf[i] += g[0]
		}
	})
}

// Reshape returns a view with a new shape over the same elements.
func Reshape(a *Variable, shape []int) (*Variable, error) {
	r, err := a.Value.Reshape(shape)
	if err != nil {
		return nil, errors.Wrap(err, "reshape")
	}
	data := make([]float32, r.NumElems)
	copy(data, a.Data())
	r.Data = data
	return NewResult(r, []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for i := range g {
			buf[i] += g[i]
		}
	}), nil
}

func ReLU(a *Variable) *Variable {
	ad := a.Data()
	out := make([]float32, len(ad))
	for i, v := range ad {
		if v > 0 {
			out[i] = v
		}
	}
	return NewResult(tensor.FromFloat32(a.Shape(), out), []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for i := range g {
			if ad[i] > 0 {
				buf[i] += g[i]
			}
		}
	})
}

// Dropout zeroes elements with probability p and rescales the survivors.
func Dropout(a *Variable, p float64, rng *rand.Rand) *Variable {
	if p <= 0 {
		return a
	}
	ad := a.Data()
	keep := make([]float32, len(ad))
	scale := float32(1 / (1 - p))
	out := make([]float32, len(ad))
	for i := range ad {
		if rng.Float64() >= p {
			keep[i] = scale
			out[i] = ad[i] * scale
		}
	}
	return NewResult(tensor.FromFloat32(a.Shape(), out), []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for i := range g {
			buf[i] += g[i] * keep[i]
		}
	})
}

// MaskRows multiplies each row (all but the last dimension) by mask[row].
func MaskRows(a *Variable, mask []float32) (*Variable, error) {
	d := lastDim(a)
	rows := a.Value.NumElems / d
	if len(mask) != rows {
		return nil, errors.Errorf("mask rows: mask has %d entries, variable has %d rows", len(mask), rows)
	}
	ad := a.Data()
	out := make([]float32, len(ad))
	for r := 0; r < rows; r++ {
		m := mask[r]
		for j := 0; j < d; j++ {
			out[r*d+j] = ad[r*d+j] * m
		}
	}
	return NewResult(tensor.FromFloat32(a.Shape(), out), []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for r := 0; r < rows; r++ {
			m := mask[r]
			for j := 0; j < d; j++ {
				buf[r*d+j] += g[r*d+j] * m
			}
		}
	}), nil
}

// Linear computes x·wᵀ + b over the last dimension of x. w has shape
// [out, in]; b may be nil.
func Linear(x, w, b *Variable) (*Variable, error) {
	ws := w.Shape()
	if len(ws) != 2 {
		return nil, errors.Errorf("linear: weight must be 2-D, got %v", ws)
	}
	out, in := ws[0], ws[1]
	xs := x.Shape()
	if xs[len(xs)-1] != in {
		return nil, errors.Errorf("linear: input dim %d does not match weight input dim %d", xs[len(xs)-1], in)
	}
	if b != nil && b.Value.NumElems != out {
		return nil, errors.Errorf("linear: bias has %d elements, expected %d", b.Value.NumElems, out)
	}
	n := x.Value.NumElems / in
	yShape := append(append([]int{}, xs[:len(xs)-1]...), out)
	y := make([]float32, n*out)

	X := blas32.General{Rows: n, Cols: in, Stride: in, Data: x.Data()}
	W := blas32.General{Rows: out, Cols: in, Stride: in, Data: w.Data()}
	Y := blas32.General{Rows: n, Cols: out, Stride: out, Data: y}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, X, W, 0, Y)
	if b != nil {
		bd := b.Data()
		for i := 0; i < n; i++ {
			for j := 0; j < out; j++ {
				y[i*out+j] += bd[j]
			}
		}
	}

	return NewResult(tensor.FromFloat32(yShape, y), []*Variable{x, w, b}, func(g []float32) {
		G := blas32.General{Rows: n, Cols: out, Stride: out, Data: g}
		if x.RequiresGrad() {
			dX := blas32.General{Rows: n, Cols: in, Stride: in, Data: x.GradBuffer()}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, G, W, 1, dX)
		}
		if w.RequiresGrad() {
			dW := blas32.General{Rows: out, Cols: in, Stride: in, Data: w.GradBuffer()}
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, G, X, 1, dW)
		}
		if b != nil && b.RequiresGrad() {
			db := b.GradBuffer()
			for i := 0; i < n; i++ {
				for j := 0; j < out; j++ {
					db[j] += g[i*out+j]
				}
			}
		}
	}), nil
}

// Embedding looks up rows of table [V, D] for every id; the result has the
// shape of ids with D appended.
func Embedding(ids *tensor.Tensor, table *Variable) (*Variable, error) {
	ts := table.Shape()
	if len(ts) != 2 {
		return nil, errors.Errorf("embedding: table must be 2-D, got %v", ts)
	}
	vocab, d := ts[0], ts[1]
	idx := ids.Int32s()
	if idx == nil {
		return nil, errors.New("embedding: ids must be an Int32 tensor")
	}
	td := table.Data()
	out := make([]float32, len(idx)*d)
	for i, id := range idx {
		if id < 0 || int(id) >= vocab {
			return nil, errors.Errorf("embedding: id %d out of range [0, %d)", id, vocab)
		}
		copy(out[i*d:(i+1)*d], td[int(id)*d:(int(id)+1)*d])
	}
	shape := append(append([]int{}, ids.Shape...), d)
	return NewResult(tensor.FromFloat32(shape, out), []*Variable{table}, func(g []float32) {
		buf := table.GradBuffer()
		for i, id := range idx {
			row := buf[int(id)*d : (int(id)+1)*d]
			for j := range row {
				row[j] += g[i*d+j]
			}
		}
	}), nil
}

// LogSoftmax normalizes the last dimension.
func LogSoftmax(a *Variable) *Variable {
	d := lastDim(a)
	rows := a.Value.NumElems / d
	ad := a.Data()
	out := make([]float32, len(ad))
	for r := 0; r < rows; r++ {
		row := ad[r*d : (r+1)*d]
		m := row[0]
		for _, v := range row {
			if v > m {
				m = v
			}
		}
		var s float64
		for _, v := range row {
			s += math.Exp(float64(v - m))
		}
		lse := float32(math.Log(s)) + m
		for j, v := range row {
			out[r*d+j] = v - lse
		}
	}
	return NewResult(tensor.FromFloat32(a.Shape(), out), []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for r := 0; r < rows; r++ {
			var gs float32
			for j := 0; j < d; j++ {
				gs += g[r*d+j]
			}
			for j := 0; j < d; j++ {
				p := float32(math.Exp(float64(out[r*d+j])))
				buf[r*d+j] += g[r*d+j] - p*gs
			}
		}
	})
}

// NLL returns -sum(logp[i, targets[i]]) over rows whose target differs from
// ignore. logp is viewed as [rows, classes].
func NLL(logp *Variable, targets []int32, ignore int32) (*Variable, error) {
	c := lastDim(logp)
	rows := logp.Value.NumElems / c
	if len(targets) != rows {
		return nil, errors.Errorf("nll: %d targets for %d rows", len(targets), rows)
	}
	ld := logp.Data()
	var s float64
	for i, t := range targets {
		if t == ignore {
			continue
		}
		if t < 0 || int(t) >= c {
			return nil, errors.Errorf("nll: target %d out of range [0, %d)", t, c)
		}
		s -= float64(ld[i*c+int(t)])
	}
	return NewResult(tensor.FromFloat32([]int{1}, []float32{float32(s)}), []*Variable{logp}, func(g []float32) {
		buf := logp.GradBuffer()
		for i, t := range targets {
			if t == ignore {
				continue
			}
			buf[i*c+int(t)] -= g[0]
		}
	}), nil
}

// SelectRows gathers rows of a (viewed as [rows, lastDim]).
func SelectRows(a *Variable, rows []int) (*Variable, error) {
	d := lastDim(a)
	n := a.Value.NumElems / d
	ad := a.Data()
	out := make([]float32, len(rows)*d)
	for i, r := range rows {
		if r < 0 || r >= n {
			return nil, errors.Errorf("select rows: row %d out of range [0, %d)", r, n)
		}
		copy(out[i*d:(i+1)*d], ad[r*d:(r+1)*d])
	}
	return NewResult(tensor.FromFloat32([]int{len(rows), d}, out), []*Variable{a}, func(g []float32) {
		buf := a.GradBuffer()
		for i, r := range rows {
			for j := 0; j < d; j++ {
				buf[r*d+j] += g[i*d+j]
			}
		}
	}), nil
}

// MaskedMeanResidual adds to every frame of x [B, T, D] the mean of the
// frames whose mask entry is nonzero. A nil mask treats all frames as valid.
func MaskedMeanResidual(x *Variable, mask []float32) (*Variable, error) {
	s := x.Shape()
	if len(s) != 3 {
		return nil, errors.Errorf("masked mean: expected [B, T, D], got %v", s)
	}
	bsz, tlen, d := s[0], s[1], s[2]
	if mask == nil {
		mask = make([]float32, bsz*tlen)
		for i := range mask {
			mask[i] = 1
		}
	}
	if len(mask) != bsz*tlen {
		return nil, errors.Errorf("masked mean: mask has %d entries, expected %d", len(mask), bsz*tlen)
	}
	xd := x.Data()
	out := make([]float32, len(xd))
	copy(out, xd)
	counts := make([]float32, bsz)
	for b := 0; b < bsz; b++ {
		mean := make([]float32, d)
		for t := 0; t < tlen; t++ {
			if m := mask[b*tlen+t]; m != 0 {
				counts[b] += m
				for j := 0; j < d; j++ {
					mean[j] += m * xd[(b*tlen+t)*d+j]
				}
			}
		}
		if counts[b] == 0 {
			continue
		}
		for t := 0; t < tlen; t++ {
			for j := 0; j < d; j++ {
				out[(b*tlen+t)*d+j] += mean[j] / counts[b]
			}
		}
	}
	return NewResult(tensor.FromFloat32(s, out), []*Variable{x}, func(g []float32) {
		buf := x.GradBuffer()
		for i := range g {
			buf[i] += g[i]
		}
		for b := 0; b < bsz; b++ {
			if counts[b] == 0 {
				continue
			}
			total := make([]float32, d)
			for t := 0; t < tlen; t++ {
				for j := 0; j < d; j++ {
					total[j] += g[(b*tlen+t)*d+j]
				}
			}
			for t := 0; t < tlen; t++ {
				m := mask[b*tlen+t]
				if m == 0 {
					continue
				}
				for j := 0; j < d; j++ {
					buf[(b*tlen+t)*d+j] += m * total[j] / counts[b]
				}
			}
		}
	}), nil
}
