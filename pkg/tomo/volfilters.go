package tomo

import (
	"fmt"

	"ctrecon/pkg/geometry"
	"ctrecon/pkg/kernels"
)

// Volume-domain denoising filters and regularizer terms. These operate
// on host buffers with the dimensions of the configured volume.

// volDims returns the volume dimensions ordered to match the memory
// layout, slowest axis first.
func (s *Session) volDims() (n1, n2, n3 int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vol == nil {
		return 0, 0, 0, fmt.Errorf("%w: volume", ErrState)
	}
	if s.vol.Order == geometry.OrderZYX {
		return s.vol.NumX, s.vol.NumY, s.vol.NumZ, nil
	}
	return s.vol.NumZ, s.vol.NumY, s.vol.NumX, nil
}

// BlurFilter applies an isotropic Gaussian blur of the given FWHM (in
// voxels) to f in place.
func (s *Session) BlurFilter(f []float32, fwhm float64) error {
	n1, n2, n3, err := s.volDims()
	if err != nil {
		return err
	}
	if err := kernels.Blur(f, n1, n2, n3, fwhm); err != nil {
		return configErr(err)
	}
	return nil
}

// MedianFilter applies a 3x3x3 median filter to f in place. With a
// positive threshold only voxels deviating from the local median by
// more than the relative threshold are replaced.
func (s *Session) MedianFilter(f []float32, threshold float64) error {
	n1, n2, n3, err := s.volDims()
	if err != nil {
		return err
	}
	if err := kernels.Median(f, n1, n2, n3, threshold); err != nil {
		return configErr(err)
	}
	return nil
}

// TVCost returns the anisotropic total-variation cost of f with Huber
// transition delta and weight beta.
func (s *Session) TVCost(f []float32, delta, beta float64) (float64, error) {
	n1, n2, n3, err := s.volDims()
	if err != nil {
		return 0, err
	}
	c, err := kernels.TVCost(f, n1, n2, n3, delta, beta)
	if err != nil {
		return 0, configErr(err)
	}
	return c, nil
}

// TVGradient writes the gradient of the total-variation cost of f into
// df.
func (s *Session) TVGradient(f, df []float32, delta, beta float64) error {
	n1, n2, n3, err := s.volDims()
	if err != nil {
		return err
	}
	if err := kernels.TVGradient(f, df, n1, n2, n3, delta, beta); err != nil {
		return configErr(err)
	}
	return nil
}

// TVQuadForm returns the quadratic form d'*H*d of the total-variation
// Hessian of f applied to the direction d, as used by preconditioned
// descent steps.
func (s *Session) TVQuadForm(f, d []float32, delta, beta float64) (float64, error) {
	n1, n2, n3, err := s.volDims()
	if err != nil {
		return 0, err
	}
	q, err := kernels.TVQuadForm(f, d, n1, n2, n3, delta, beta)
	if err != nil {
		return 0, configErr(err)
	}
	return q, nil
}

// Diffuse runs numIter steps of anisotropic diffusion (gradient
// descent on the total-variation cost) on f in place.
func (s *Session) Diffuse(f []float32, delta float64, numIter int) error {
	n1, n2, n3, err := s.volDims()
	if err != nil {
		return err
	}
	if err := kernels.Diffuse(f, n1, n2, n3, delta, numIter); err != nil {
		return configErr(err)
	}
	return nil
}
