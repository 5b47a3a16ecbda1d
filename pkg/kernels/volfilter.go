package kernels

import (
	"fmt"
	"math"
	"sort"
)

// The auxiliary 3D filters below operate on generic (N1, N2, N3) data
// with index (i1*N2 + i2)*N3 + i3. They are independent of the
// projection chunking machinery; the session stages them to the primary
// device as whole buffers.

func checkDims(f []float32, n1, n2, n3 int) error {
	if n1 <= 0 || n2 <= 0 || n3 <= 0 {
		return fmt.Errorf("kernels: dimensions must be positive, got %dx%dx%d", n1, n2, n3)
	}
	if len(f) != n1*n2*n3 {
		return fmt.Errorf("kernels: buffer has %d samples, want %d", len(f), n1*n2*n3)
	}
	return nil
}

// Blur applies a separable Gaussian low-pass filter with the given full
// width at half maximum, measured in samples. A FWHM of zero or less
// leaves the data untouched.
func Blur(f []float32, n1, n2, n3 int, fwhm float64) error {
	if err := checkDims(f, n1, n2, n3); err != nil {
		return err
	}
	if fwhm <= 0 {
		return nil
	}
	sigma := fwhm / (2 * math.Sqrt(2*math.Log(2)))
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	weights := make([]float64, 2*radius+1)
	var wsum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		weights[i+radius] = w
		wsum += w
	}
	for i := range weights {
		weights[i] /= wsum
	}

	scratch := make([]float32, len(f))
	dims := [3]int{n1, n2, n3}
	strides := [3]int{n2 * n3, n3, 1}
	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		stride := strides[axis]
		for i1 := 0; i1 < n1; i1++ {
			for i2 := 0; i2 < n2; i2++ {
				for i3 := 0; i3 < n3; i3++ {
					idx := (i1*n2+i2)*n3 + i3
					pos := [3]int{i1, i2, i3}[axis]
					var sum float64
					for o := -radius; o <= radius; o++ {
						p := pos + o
						// Clamp at the boundary so edges keep their level.
						if p < 0 {
							p = 0
						} else if p >= n {
							p = n - 1
						}
						sum += weights[o+radius] * float64(f[idx+(p-pos)*stride])
					}
					scratch[idx] = float32(sum)
				}
			}
		}
		copy(f, scratch)
	}
	return nil
}

// Median applies a thresholded 3x3x3 median filter: a sample is replaced
// by its neighborhood median only when the relative difference exceeds
// the threshold. A threshold of zero always replaces.
func Median(f []float32, n1, n2, n3 int, threshold float64) error {
	if err := checkDims(f, n1, n2, n3); err != nil {
		return err
	}
	out := make([]float32, len(f))
	copy(out, f)
	window := make([]float64, 0, 27)
	for i1 := 0; i1 < n1; i1++ {
		for i2 := 0; i2 < n2; i2++ {
			for i3 := 0; i3 < n3; i3++ {
				window = window[:0]
				for d1 := -1; d1 <= 1; d1++ {
					for d2 := -1; d2 <= 1; d2++ {
						for d3 := -1; d3 <= 1; d3++ {
							j1, j2, j3 := i1+d1, i2+d2, i3+d3
							if j1 < 0 || j1 >= n1 || j2 < 0 || j2 >= n2 || j3 < 0 || j3 >= n3 {
								continue
							}
							window = append(window, float64(f[(j1*n2+j2)*n3+j3]))
						}
					}
				}
				sort.Float64s(window)
				med := window[len(window)/2]
				idx := (i1*n2+i2)*n3 + i3
				cur := float64(f[idx])
				diff := math.Abs(med - cur)
				if threshold <= 0 || diff > threshold*math.Abs(cur) {
					out[idx] = float32(med)
				}
			}
		}
	}
	copy(f, out)
	return nil
}

// huber is the Huber-like loss used by the anisotropic TV functional.
func huber(t, delta float64) float64 {
	if math.Abs(t) <= delta {
		return t * t / 2
	}
	return delta*math.Abs(t) - delta*delta/2
}

// huberD is its derivative.
func huberD(t, delta float64) float64 {
	if math.Abs(t) <= delta {
		return t
	}
	if t > 0 {
		return delta
	}
	return -delta
}

// huberDD is its second derivative (0/1 indicator of the quadratic region).
func huberDD(t, delta float64) float64 {
	if math.Abs(t) < delta {
		return 1
	}
	return 0
}

// forEachPair visits every adjacent sample pair along each of the three
// axes exactly once.
func forEachPair(n1, n2, n3 int, visit func(i, j int)) {
	for i1 := 0; i1 < n1; i1++ {
		for i2 := 0; i2 < n2; i2++ {
			for i3 := 0; i3 < n3; i3++ {
				idx := (i1*n2+i2)*n3 + i3
				if i1+1 < n1 {
					visit(idx, ((i1+1)*n2+i2)*n3+i3)
				}
				if i2+1 < n2 {
					visit(idx, (i1*n2+(i2+1))*n3+i3)
				}
				if i3+1 < n3 {
					visit(idx, (i1*n2+i2)*n3+(i3+1))
				}
			}
		}
	}
}

// TVCost evaluates the anisotropic total variation functional with
// Huber transition delta and strength beta.
func TVCost(f []float32, n1, n2, n3 int, delta, beta float64) (float64, error) {
	if err := checkDims(f, n1, n2, n3); err != nil {
		return 0, err
	}
	var cost float64
	forEachPair(n1, n2, n3, func(i, j int) {
		cost += huber(float64(f[i])-float64(f[j]), delta)
	})
	return beta * cost, nil
}

// TVGradient writes the gradient of the anisotropic TV functional into df.
func TVGradient(f, df []float32, n1, n2, n3 int, delta, beta float64) error {
	if err := checkDims(f, n1, n2, n3); err != nil {
		return err
	}
	if len(df) != len(f) {
		return fmt.Errorf("kernels: gradient buffer has %d samples, want %d", len(df), len(f))
	}
	for i := range df {
		df[i] = 0
	}
	forEachPair(n1, n2, n3, func(i, j int) {
		d := huberD(float64(f[i])-float64(f[j]), delta)
		df[i] += float32(beta * d)
		df[j] -= float32(beta * d)
	})
	return nil
}

// TVQuadForm evaluates <d, R''(f) d>, the quadratic form of the TV
// functional's second derivative at f in direction d.
func TVQuadForm(f, d []float32, n1, n2, n3 int, delta, beta float64) (float64, error) {
	if err := checkDims(f, n1, n2, n3); err != nil {
		return 0, err
	}
	if len(d) != len(f) {
		return 0, fmt.Errorf("kernels: direction buffer has %d samples, want %d", len(d), len(f))
	}
	var q float64
	forEachPair(n1, n2, n3, func(i, j int) {
		w := huberDD(float64(f[i])-float64(f[j]), delta)
		dd := float64(d[i]) - float64(d[j])
		q += w * dd * dd
	})
	return beta * q, nil
}

// diffuseStep is the relaxation factor for one TV diffusion iteration.
const diffuseStep = 0.1

// Diffuse runs numIter iterations of anisotropic TV diffusion (gradient
// descent on the TV functional with unit strength).
func Diffuse(f []float32, n1, n2, n3 int, delta float64, numIter int) error {
	if err := checkDims(f, n1, n2, n3); err != nil {
		return err
	}
	if numIter <= 0 {
		return nil
	}
	df := make([]float32, len(f))
	for it := 0; it < numIter; it++ {
		if err := TVGradient(f, df, n1, n2, n3, delta, 1); err != nil {
			return err
		}
		for i := range f {
			f[i] -= float32(diffuseStep) * df[i]
		}
	}
	return nil
}
