package tomo

import (
	"context"
	"fmt"

	"ctrecon/pkg/device"
	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

// opConfig checks the configuration an operation needs, before any
// device work. Projection-space filters run without a configured
// volume; a default one is derived for the planner in that case.
func (s *Session) opConfig(needVol bool) (*geometry.Geometry, *geometry.Volume, error) {
	if s.geom == nil {
		return nil, nil, fmt.Errorf("%w: geometry", ErrState)
	}
	v := s.vol
	if v == nil {
		if needVol {
			return nil, nil, fmt.Errorf("%w: volume", ErrState)
		}
		def, err := geometry.DefaultVolume(s.geom, 1)
		if err != nil {
			return nil, nil, configErr(err)
		}
		def.Order = s.order
		v = def
	}
	return s.geom, v, nil
}

func needsVolume(op plan.Op) bool {
	switch op {
	case plan.OpRampFilterRows, plan.OpHilbertFilterRows, plan.OpFilterProjections:
		return false
	}
	return true
}

// run executes one operation end to end while holding the session
// lock, so the configuration cannot change under in-flight chunks.
func (s *Session) run(ctx context.Context, req *engine.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, v, err := s.opConfig(needsVolume(req.Op))
	if err != nil {
		return err
	}
	if req.Op == plan.OpProject && s.atten.Active() {
		req.Atten = &s.atten
	}
	req.RampID = s.rampID
	return classify(s.disp.Dispatch(ctx, g, v, s.roster, req))
}

// Project computes forward projections of vol into proj. With an
// attenuation model configured, parallel-beam projection computes the
// attenuated transform instead of the plain line integral.
func (s *Session) Project(ctx context.Context, proj, vol []float32) error {
	return s.run(ctx, &engine.Request{Op: plan.OpProject, Proj: proj, Vol: vol})
}

// Backproject smears proj back into vol, overwriting it.
func (s *Session) Backproject(ctx context.Context, proj, vol []float32) error {
	return s.run(ctx, &engine.Request{Op: plan.OpBackproject, Proj: proj, Vol: vol})
}

// WeightedBackproject backprojects with the ray weighting and scaling
// of the FBP reconstruction formula. Combined with FilterProjections it
// reproduces FBP.
func (s *Session) WeightedBackproject(ctx context.Context, proj, vol []float32) error {
	return s.run(ctx, &engine.Request{Op: plan.OpWeightedBackproject, Proj: proj, Vol: vol})
}

// Sensitivity computes the backprojection of an all-ones projection
// into vol, without materializing the ones.
func (s *Session) Sensitivity(ctx context.Context, vol []float32) error {
	return s.run(ctx, &engine.Request{Op: plan.OpSensitivity, Vol: vol})
}

// RampFilterProjections applies the ramp filter to each detector row
// of proj in place, multiplied by scalar (zero means one).
func (s *Session) RampFilterProjections(ctx context.Context, proj []float32, scalar float64) error {
	return s.run(ctx, &engine.Request{Op: plan.OpRampFilterRows, Proj: proj, Scalar: scalar})
}

// HilbertFilterProjections applies the Hilbert transform to each
// detector row of proj in place, multiplied by scalar (zero means one).
func (s *Session) HilbertFilterProjections(ctx context.Context, proj []float32, scalar float64) error {
	return s.run(ctx, &engine.Request{Op: plan.OpHilbertFilterRows, Proj: proj, Scalar: scalar})
}

// FilterProjections applies the full FBP filter chain (ray weighting
// plus ramp) to proj in place.
func (s *Session) FilterProjections(ctx context.Context, proj []float32) error {
	return s.run(ctx, &engine.Request{Op: plan.OpFilterProjections, Proj: proj})
}

// RampFilterVolume applies a 2D ramp filter to each z-slice of vol in
// place.
func (s *Session) RampFilterVolume(ctx context.Context, vol []float32) error {
	return s.run(ctx, &engine.Request{Op: plan.OpRampFilterVolume, Vol: vol})
}

// FBP reconstructs vol from proj by filtered backprojection. proj is
// left unmodified; filtering happens on an internal copy.
func (s *Session) FBP(ctx context.Context, proj, vol []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, v, err := s.opConfig(true)
	if err != nil {
		return err
	}
	req := &engine.Request{Op: plan.OpWeightedBackproject, Proj: proj, Vol: vol, RampID: s.rampID}
	return classify(s.disp.FBP(ctx, g, v, s.roster, req))
}

// Device-resident variants. The buffers must live on the primary
// device of the roster; the engine computes subrange views instead of
// staging copies.

// ProjectOnDevice is Project for device-resident buffers.
func (s *Session) ProjectOnDevice(ctx context.Context, proj, vol device.Buffer) error {
	return s.run(ctx, &engine.Request{Op: plan.OpProject, DeviceResident: true, ProjBuf: proj, VolBuf: vol})
}

// BackprojectOnDevice is Backproject for device-resident buffers.
func (s *Session) BackprojectOnDevice(ctx context.Context, proj, vol device.Buffer) error {
	return s.run(ctx, &engine.Request{Op: plan.OpBackproject, DeviceResident: true, ProjBuf: proj, VolBuf: vol})
}

// WeightedBackprojectOnDevice is WeightedBackproject for
// device-resident buffers.
func (s *Session) WeightedBackprojectOnDevice(ctx context.Context, proj, vol device.Buffer) error {
	return s.run(ctx, &engine.Request{Op: plan.OpWeightedBackproject, DeviceResident: true, ProjBuf: proj, VolBuf: vol})
}

// SensitivityOnDevice is Sensitivity for a device-resident volume.
func (s *Session) SensitivityOnDevice(ctx context.Context, vol device.Buffer) error {
	return s.run(ctx, &engine.Request{Op: plan.OpSensitivity, DeviceResident: true, VolBuf: vol})
}

// RampFilterProjectionsOnDevice is RampFilterProjections for a
// device-resident projection buffer.
func (s *Session) RampFilterProjectionsOnDevice(ctx context.Context, proj device.Buffer, scalar float64) error {
	return s.run(ctx, &engine.Request{Op: plan.OpRampFilterRows, DeviceResident: true, ProjBuf: proj, Scalar: scalar})
}

// HilbertFilterProjectionsOnDevice is HilbertFilterProjections for a
// device-resident projection buffer.
func (s *Session) HilbertFilterProjectionsOnDevice(ctx context.Context, proj device.Buffer, scalar float64) error {
	return s.run(ctx, &engine.Request{Op: plan.OpHilbertFilterRows, DeviceResident: true, ProjBuf: proj, Scalar: scalar})
}

// FilterProjectionsOnDevice is FilterProjections for a device-resident
// projection buffer.
func (s *Session) FilterProjectionsOnDevice(ctx context.Context, proj device.Buffer) error {
	return s.run(ctx, &engine.Request{Op: plan.OpFilterProjections, DeviceResident: true, ProjBuf: proj})
}

// RampFilterVolumeOnDevice is RampFilterVolume for a device-resident
// volume buffer.
func (s *Session) RampFilterVolumeOnDevice(ctx context.Context, vol device.Buffer) error {
	return s.run(ctx, &engine.Request{Op: plan.OpRampFilterVolume, DeviceResident: true, VolBuf: vol})
}

// FBPOnDevice is FBP for device-resident buffers. The projection
// buffer is preserved; filtering happens in device scratch memory.
func (s *Session) FBPOnDevice(ctx context.Context, proj, vol device.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, v, err := s.opConfig(true)
	if err != nil {
		return err
	}
	req := &engine.Request{
		Op: plan.OpWeightedBackproject, DeviceResident: true,
		ProjBuf: proj, VolBuf: vol, RampID: s.rampID,
	}
	return classify(s.disp.FBP(ctx, g, v, s.roster, req))
}
