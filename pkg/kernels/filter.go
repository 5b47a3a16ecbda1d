package kernels

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
)

// response maps a real-FFT frequency bin to its filter multiplier.
// n is the padded transform length and k runs over 0..n/2.
type response func(k, n int, pixelWidth float64, rampID int) complex128

// rampResponse is the band-limited ramp |f|, optionally smoothed with a
// Shepp-Logan style sinc window for the softer rampID settings.
func rampResponse(k, n int, pixelWidth float64, rampID int) complex128 {
	f := float64(k) / (float64(n) * pixelWidth)
	w := f
	if rampID <= 1 && k > 0 {
		x := math.Pi * float64(k) / float64(n)
		w *= math.Sin(x) / x
	}
	return complex(w, 0)
}

// hilbertResponse is the frequency response of the Hilbert transform:
// -i*sign(f), with the DC and Nyquist bins zeroed.
func hilbertResponse(k, n int, _ float64, _ int) complex128 {
	if k == 0 || k == n/2 {
		return 0
	}
	return complex(0, -1)
}

// filterRows applies a 1D frequency-domain filter independently to every
// staged detector row of every projection angle. Rows are zero-padded to
// twice the detector width (next power of two) so the circular
// convolution cannot wrap detector content.
func filterRows(req *engine.InvokeRequest, resp response) error {
	proj, err := newProjGrid(req.Proj, req.ProjRows, req.Geom)
	if err != nil {
		return err
	}
	g := req.Geom
	numCols := g.Detector.NumCols
	n := nextPow2(2 * numCols)
	fft := fourier.NewFFT(n)
	seq := make([]float64, n)
	coeff := make([]complex128, n/2+1)

	scalar := req.Scalar
	if scalar == 0 {
		scalar = 1
	}
	norm := scalar / float64(n)

	for a := 0; a < g.NumAngles; a++ {
		for r := req.ProjRows.Start; r < req.ProjRows.End; r++ {
			for c := 0; c < numCols; c++ {
				seq[c] = proj.at(a, r, c)
			}
			for c := numCols; c < n; c++ {
				seq[c] = 0
			}
			fft.Coefficients(coeff, seq)
			for k := range coeff {
				coeff[k] *= resp(k, n, g.Detector.PixelWidth, req.RampID)
			}
			fft.Sequence(seq, coeff)
			for c := 0; c < numCols; c++ {
				proj.set(a, r, c, seq[c]*norm)
			}
		}
	}
	return nil
}

// filterProjections applies the FBP filter chain: per-pixel ray weights
// for divergent beams followed by the ramp filter. Parallel and modular
// beams carry unit weights.
func filterProjections(req *engine.InvokeRequest) error {
	g := req.Geom
	if g.Kind == geometry.BeamCone || g.Kind == geometry.BeamFan {
		proj, err := newProjGrid(req.Proj, req.ProjRows, g)
		if err != nil {
			return err
		}
		det := g.Detector
		for a := 0; a < g.NumAngles; a++ {
			for r := req.ProjRows.Start; r < req.ProjRows.End; r++ {
				zr := 0.0
				if g.Kind == geometry.BeamCone {
					zr = (float64(r) - det.CenterRow) * det.PixelHeight
				}
				for c := 0; c < det.NumCols; c++ {
					u := (float64(c) - det.CenterCol) * det.PixelWidth
					w := g.SDD / math.Sqrt(g.SDD*g.SDD+u*u+zr*zr)
					proj.set(a, r, c, proj.at(a, r, c)*w)
				}
			}
		}
	}
	return filterRows(req, rampResponse)
}

// rampFilterVolume applies a 2D radial ramp filter to each staged
// z-slice, padded to power-of-two extents along x and y.
func rampFilterVolume(req *engine.InvokeRequest) error {
	slab, err := newVolSlab(req.VolBuf, req.VolSlices, req.Vol)
	if err != nil {
		return err
	}
	v := req.Vol
	nx := nextPow2(2 * v.NumX)
	ny := nextPow2(2 * v.NumY)
	fftX := fourier.NewCmplxFFT(nx)
	fftY := fourier.NewCmplxFFT(ny)

	grid := make([]complex128, nx*ny)
	rowBuf := make([]complex128, nx)
	colBuf := make([]complex128, ny)
	colOut := make([]complex128, ny)

	scalar := req.Scalar
	if scalar == 0 {
		scalar = 1
	}
	norm := scalar / float64(nx*ny)

	for z := req.VolSlices.Start; z < req.VolSlices.End; z++ {
		for i := range grid {
			grid[i] = 0
		}
		for y := 0; y < v.NumY; y++ {
			for x := 0; x < v.NumX; x++ {
				grid[y*nx+x] = complex(slab.at(x, y, z), 0)
			}
		}
		// Forward transform: rows then columns.
		for y := 0; y < ny; y++ {
			fftX.Coefficients(rowBuf, grid[y*nx:(y+1)*nx])
			copy(grid[y*nx:(y+1)*nx], rowBuf)
		}
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				colBuf[y] = grid[y*nx+x]
			}
			fftY.Coefficients(colOut, colBuf)
			for y := 0; y < ny; y++ {
				grid[y*nx+x] = colOut[y]
			}
		}
		// Radial ramp in frequency space.
		for y := 0; y < ny; y++ {
			fy := freqAt(y, ny) / v.VoxelWidth
			for x := 0; x < nx; x++ {
				fx := freqAt(x, nx) / v.VoxelWidth
				grid[y*nx+x] *= complex(math.Hypot(fx, fy), 0)
			}
		}
		// Inverse transform: columns then rows.
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				colBuf[y] = grid[y*nx+x]
			}
			fftY.Sequence(colOut, colBuf)
			for y := 0; y < ny; y++ {
				grid[y*nx+x] = colOut[y]
			}
		}
		for y := 0; y < ny; y++ {
			fftX.Sequence(rowBuf, grid[y*nx:(y+1)*nx])
			copy(grid[y*nx:(y+1)*nx], rowBuf)
		}
		for y := 0; y < v.NumY; y++ {
			for x := 0; x < v.NumX; x++ {
				slab.set(x, y, z, real(grid[y*nx+x])*norm)
			}
		}
	}
	return nil
}

// freqAt returns the signed normalized frequency of bin i in an n-point
// transform, in cycles per sample.
func freqAt(i, n int) float64 {
	if i > n/2 {
		i -= n
	}
	return float64(i) / float64(n)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
