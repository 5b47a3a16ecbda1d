package tomo

import (
	"context"

	"ctrecon/pkg/geometry"
)

// One-shot wrappers that configure the session and run a single
// operation in one call. They overwrite the session's geometry and
// volume; subsequent operations see the new configuration.

// VolumeSpec bundles the volume parameters of the one-shot wrappers.
type VolumeSpec struct {
	NumX, NumY, NumZ          int
	VoxelWidth, VoxelHeight   float64
	OffsetX, OffsetY, OffsetZ float64
}

func (s *Session) applyVolume(v VolumeSpec) error {
	return s.SetVolume(v.NumX, v.NumY, v.NumZ, v.VoxelWidth, v.VoxelHeight, v.OffsetX, v.OffsetY, v.OffsetZ)
}

// ProjectParallelBeam configures a parallel-beam geometry and volume,
// then forward projects vol into proj.
func (s *Session) ProjectParallelBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, spec VolumeSpec) error {
	if err := s.SetParallelBeam(numAngles, det, phis); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.Project(ctx, proj, vol)
}

// BackprojectParallelBeam configures a parallel-beam geometry and
// volume, then backprojects proj into vol.
func (s *Session) BackprojectParallelBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, spec VolumeSpec) error {
	if err := s.SetParallelBeam(numAngles, det, phis); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.Backproject(ctx, proj, vol)
}

// ProjectFanBeam configures a fan-beam geometry and volume, then
// forward projects vol into proj.
func (s *Session) ProjectFanBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, sod, sdd float64, spec VolumeSpec) error {
	if err := s.SetFanBeam(numAngles, det, phis, sod, sdd); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.Project(ctx, proj, vol)
}

// BackprojectFanBeam configures a fan-beam geometry and volume, then
// backprojects proj into vol.
func (s *Session) BackprojectFanBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, sod, sdd float64, spec VolumeSpec) error {
	if err := s.SetFanBeam(numAngles, det, phis, sod, sdd); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.Backproject(ctx, proj, vol)
}

// ProjectConeBeam configures a cone-beam geometry and volume, then
// forward projects vol into proj.
func (s *Session) ProjectConeBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, sod, sdd float64, spec VolumeSpec) error {
	if err := s.SetConeBeam(numAngles, det, phis, sod, sdd); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.Project(ctx, proj, vol)
}

// BackprojectConeBeam configures a cone-beam geometry and volume, then
// backprojects proj into vol.
func (s *Session) BackprojectConeBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, sod, sdd float64, spec VolumeSpec) error {
	if err := s.SetConeBeam(numAngles, det, phis, sod, sdd); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.Backproject(ctx, proj, vol)
}

// FBPParallelBeam configures a parallel-beam geometry and volume, then
// reconstructs vol from proj by filtered backprojection.
func (s *Session) FBPParallelBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, spec VolumeSpec) error {
	if err := s.SetParallelBeam(numAngles, det, phis); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.FBP(ctx, proj, vol)
}

// FBPConeBeam configures a cone-beam geometry and volume, then
// reconstructs vol from proj by filtered backprojection (FDK).
func (s *Session) FBPConeBeam(ctx context.Context, proj, vol []float32, numAngles int, det geometry.Detector, phis []float64, sod, sdd float64, spec VolumeSpec) error {
	if err := s.SetConeBeam(numAngles, det, phis, sod, sdd); err != nil {
		return err
	}
	if err := s.applyVolume(spec); err != nil {
		return err
	}
	return s.FBP(ctx, proj, vol)
}
