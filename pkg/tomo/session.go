// Package tomo is the user-facing entry point for tomographic
// reconstruction: a Session holds the scan geometry, volume description
// and device roster, and exposes forward projection, backprojection,
// filtered backprojection and the supporting filters on top of the
// chunked execution engine.
package tomo

import (
	"fmt"
	"sync"

	"ctrecon/pkg/device"
	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/kernels"
)

// ProjectorType names the forward-projection discretization. The field
// is retained for compatibility with older configuration files; the
// engine always uses the Joseph projector for parallel beams and ray
// marching for divergent beams.
type ProjectorType int

const (
	ProjectorJoseph ProjectorType = iota
	ProjectorSiddon
	ProjectorSeparableFootprint
)

// defaultRampID is the ramp filter sharpness used when none is set.
const defaultRampID = 2

// defaultGPUMemory is the staging budget assumed for a GPU selected by
// bare index, without an explicit roster entry.
const defaultGPUMemory = 8 << 30

// Session holds one reconstruction configuration and runs operations
// against it. A Session is safe for concurrent use; operations are
// serialized and the configuration cannot change while one is in
// flight. The zero Session is not usable, call NewSession.
type Session struct {
	mu sync.Mutex

	geom   *geometry.Geometry
	vol    *geometry.Volume
	atten  geometry.Attenuation
	roster device.Roster
	order  geometry.DimensionOrder

	rampID    int
	projector ProjectorType

	// Stored separately from the geometry so they survive a beam
	// change and may be set in any order.
	rfov    float64
	pitch   float64
	axis    float64
	hasAxis bool

	disp *engine.Dispatcher
}

// NewSession returns a Session with default settings: no geometry or
// volume, the host as the only device, XYZ dimension order, and the
// smooth ramp filter.
func NewSession() *Session {
	return NewSessionWithInvoker(kernels.CPU{})
}

// NewSessionWithInvoker is NewSession with a caller-supplied kernel
// implementation, used to substitute instrumented kernels in tests.
func NewSessionWithInvoker(inv engine.Invoker) *Session {
	s := &Session{disp: engine.NewDispatcher(inv)}
	s.resetLocked()
	return s
}

// Reset restores the session to its initial state, dropping the
// geometry, volume, attenuation model and device selection. Reset is
// idempotent.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.geom = nil
	s.vol = nil
	s.atten.Clear()
	s.roster = defaultRoster()
	s.order = geometry.OrderXYZ
	s.rampID = defaultRampID
	s.projector = ProjectorJoseph
	s.rfov = 0
	s.pitch = 0
	s.axis = 0
	s.hasAxis = false
}

func defaultRoster() device.Roster {
	devs, err := device.ActiveBackend().Devices()
	if err != nil || len(devs) == 0 {
		devs = []device.Descriptor{{Kind: device.CPU, Memory: 4 << 30}}
	}
	return device.NewRoster(devs[0])
}

// setBeam installs a freshly constructed geometry and re-stamps the
// session-level options onto it.
func (s *Session) setBeam(g *geometry.Geometry, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return configErr(err)
	}
	s.geom = g
	s.stampLocked()
	return nil
}

func (s *Session) stampLocked() {
	if s.geom == nil {
		return
	}
	s.geom.RFOV = s.rfov
	s.geom.HelicalPitch = s.pitch
	s.geom.AxisOfSymmetry = s.axis
	s.geom.HasAxisOfSymmetry = s.hasAxis
}

// SetConeBeam configures a cone-beam acquisition. Angles are in
// degrees, distances in mm.
func (s *Session) SetConeBeam(numAngles int, det geometry.Detector, phis []float64, sod, sdd float64) error {
	g, err := geometry.NewConeBeam(numAngles, det, phis, sod, sdd)
	return s.setBeam(g, err)
}

// SetFanBeam configures a fan-beam acquisition.
func (s *Session) SetFanBeam(numAngles int, det geometry.Detector, phis []float64, sod, sdd float64) error {
	g, err := geometry.NewFanBeam(numAngles, det, phis, sod, sdd)
	return s.setBeam(g, err)
}

// SetParallelBeam configures a parallel-beam acquisition.
func (s *Session) SetParallelBeam(numAngles int, det geometry.Detector, phis []float64) error {
	g, err := geometry.NewParallelBeam(numAngles, det, phis)
	return s.setBeam(g, err)
}

// SetModularBeam configures an arbitrary-pose acquisition from per-view
// source positions, module centers and detector basis vectors.
func (s *Session) SetModularBeam(numAngles int, det geometry.Detector, sourcePositions, moduleCenters, rowVectors, colVectors []geometry.Vec3) error {
	g, err := geometry.NewModularBeam(numAngles, det, sourcePositions, moduleCenters, rowVectors, colVectors)
	return s.setBeam(g, err)
}

// SetVolume configures the reconstruction volume. A previously set
// attenuation map is dropped if its length no longer matches.
func (s *Session) SetVolume(numX, numY, numZ int, voxelWidth, voxelHeight, offsetX, offsetY, offsetZ float64) error {
	v, err := geometry.NewVolume(numX, numY, numZ, voxelWidth, voxelHeight, offsetX, offsetY, offsetZ)
	if err != nil {
		return configErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Order = s.order
	s.vol = v
	if m := s.atten.Map(); m != nil && len(m) != v.Len() {
		s.atten.Clear()
	}
	return nil
}

// SetDefaultVolume derives the volume from the current geometry: voxel
// pitch equal to the demagnified detector pitch divided by scale, and
// counts that cover the detector extent.
func (s *Session) SetDefaultVolume(scale float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geom == nil {
		return fmt.Errorf("%w: geometry", ErrState)
	}
	v, err := geometry.DefaultVolume(s.geom, scale)
	if err != nil {
		return configErr(err)
	}
	v.Order = s.order
	s.vol = v
	if m := s.atten.Map(); m != nil && len(m) != v.Len() {
		s.atten.Clear()
	}
	return nil
}

// SetVolumeDimensionOrder selects the memory layout of volume buffers.
func (s *Session) SetVolumeDimensionOrder(o geometry.DimensionOrder) error {
	if o != geometry.OrderXYZ && o != geometry.OrderZYX {
		return fmt.Errorf("%w: unknown dimension order %d", ErrConfiguration, o)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = o
	if s.vol != nil {
		s.vol.Order = o
	}
	return nil
}

// VolumeDimensionOrder returns the configured volume memory layout.
func (s *Session) VolumeDimensionOrder() geometry.DimensionOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order
}

// SetDevice selects a single device by GPU index. A negative index
// selects the host.
func (s *Session) SetDevice(index int) error {
	if index < 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.roster = defaultRoster()
		return nil
	}
	return s.SetDevices([]int{index})
}

// SetDevices selects a multi-GPU roster by index, with a default
// per-device staging budget. Use SetRoster for explicit budgets.
func (s *Session) SetDevices(indices []int) error {
	if len(indices) == 0 {
		return fmt.Errorf("%w: empty device list", ErrConfiguration)
	}
	devs := make([]device.Descriptor, len(indices))
	for i, idx := range indices {
		if idx < 0 {
			return fmt.Errorf("%w: negative device index %d", ErrConfiguration, idx)
		}
		devs[i] = device.Descriptor{Kind: device.GPU, Index: idx, Memory: defaultGPUMemory}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = device.NewRoster(devs...)
	return nil
}

// SetRoster installs an explicit device roster with per-device memory
// budgets.
func (s *Session) SetRoster(r device.Roster) error {
	if r.Len() == 0 {
		return fmt.Errorf("%w: empty roster", ErrConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = r
	return nil
}

// Device returns the primary device's GPU index, or -1 when the
// primary device is the host.
func (s *Session) Device() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.roster.Primary()
	if err != nil || d.Kind == device.CPU {
		return -1
	}
	return d.Index
}

// Roster returns the current device roster.
func (s *Session) Roster() device.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster
}

// SetAxisOfSymmetry declares the scanned object cylindrically
// symmetric about an axis tilted by the given angle in degrees.
// Supported for parallel and cone beams.
func (s *Session) SetAxisOfSymmetry(deg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geom != nil && s.geom.Kind != geometry.BeamParallel && s.geom.Kind != geometry.BeamCone {
		return fmt.Errorf("%w: axis of symmetry requires a parallel or cone beam", ErrConfiguration)
	}
	s.axis = deg
	s.hasAxis = true
	s.stampLocked()
	return nil
}

// ClearAxisOfSymmetry removes the axis-of-symmetry declaration.
func (s *Session) ClearAxisOfSymmetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axis = 0
	s.hasAxis = false
	s.stampLocked()
}

// SetHelicalPitch sets the source translation along z per full
// rotation, in mm. Only meaningful for cone beams; zero restores an
// axial scan.
func (s *Session) SetHelicalPitch(pitch float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pitch != 0 && s.geom != nil && s.geom.Kind != geometry.BeamCone {
		return fmt.Errorf("%w: helical pitch requires a cone beam", ErrConfiguration)
	}
	s.pitch = pitch
	s.stampLocked()
	return nil
}

// SetRFOV restricts reconstruction to a cylindrical field of view of
// the given radius in mm. Zero removes the restriction.
func (s *Session) SetRFOV(radius float64) error {
	if radius < 0 {
		return fmt.Errorf("%w: negative field-of-view radius", ErrConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rfov = radius
	s.stampLocked()
	return nil
}

// SetProjector records the requested projector discretization. The
// value is retained for configuration compatibility only.
func (s *Session) SetProjector(p ProjectorType) error {
	switch p {
	case ProjectorJoseph, ProjectorSiddon, ProjectorSeparableFootprint:
	default:
		return fmt.Errorf("%w: unknown projector %d", ErrConfiguration, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projector = p
	return nil
}

// Projector returns the recorded projector discretization.
func (s *Session) Projector() ProjectorType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projector
}

// SetRampID selects the ramp filter sharpness used by the filtering
// operations and FBP.
func (s *Session) SetRampID(id int) error {
	if id < 0 {
		return fmt.Errorf("%w: negative ramp id", ErrConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rampID = id
	return nil
}

// RampID returns the configured ramp filter sharpness.
func (s *Session) RampID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rampID
}

// SetAttenuationMap installs a voxelized attenuation map for the
// attenuated forward transform. The map must match the configured
// volume length and is used by parallel-beam projection.
func (s *Session) SetAttenuationMap(mu []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vol == nil {
		return fmt.Errorf("%w: volume", ErrState)
	}
	if err := s.atten.SetMap(mu, s.vol); err != nil {
		return configErr(err)
	}
	return nil
}

// SetCylindricalAttenuationMap installs an analytic attenuation model:
// uniform coefficient muCoeff inside a centered cylinder of radius
// muRadius.
func (s *Session) SetCylindricalAttenuationMap(muCoeff, muRadius float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.atten.SetCylindrical(muCoeff, muRadius); err != nil {
		return configErr(err)
	}
	return nil
}

// ClearAttenuationMap removes any configured attenuation model.
func (s *Session) ClearAttenuationMap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atten.Clear()
}

// Geometry returns a snapshot of the configured geometry, or nil when
// none is set. Later setter calls do not affect the returned value; the
// angle and pose slices are shared and must not be modified.
func (s *Session) Geometry() *geometry.Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geom == nil {
		return nil
	}
	g := *s.geom
	return &g
}

// Volume returns a snapshot of the configured volume, or nil when none
// is set. Later setter calls do not affect the returned value.
func (s *Session) Volume() *geometry.Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vol == nil {
		return nil
	}
	v := *s.vol
	return &v
}

// ProjectionLen returns the number of samples in a full projection
// buffer for the configured geometry.
func (s *Session) ProjectionLen() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geom == nil {
		return 0, fmt.Errorf("%w: geometry", ErrState)
	}
	return s.geom.ProjectionLen(), nil
}

// VolumeLen returns the number of samples in a full volume buffer for
// the configured volume.
func (s *Session) VolumeLen() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vol == nil {
		return 0, fmt.Errorf("%w: volume", ErrState)
	}
	return s.vol.Len(), nil
}

// FBPScalar returns the scaling constant the weighted backprojection
// stage of FBP applies.
func (s *Session) FBPScalar() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geom == nil {
		return 0, fmt.Errorf("%w: geometry", ErrState)
	}
	return s.geom.FBPScalar(), nil
}
