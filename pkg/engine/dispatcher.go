package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

// State is the dispatcher's observable execution phase. Chunked runs
// merge each chunk eagerly inside its worker, so StateMerging is
// observed only on the single-chunk fast path, which has a dedicated
// write-back phase after the kernel.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateStaging
	StateExecuting
	StateMerging
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateStaging:
		return "staging"
	case StateExecuting:
		return "executing"
	case StateMerging:
		return "merging"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Dispatcher drives one operation at a time through the pipeline:
// plan chunks, stage each chunk to its device, invoke the kernel, merge
// results. Operations are sequential from the caller's perspective; a
// second Dispatch while one is in flight returns ErrBusy.
type Dispatcher struct {
	planner *plan.Planner
	mover   Mover
	invoker Invoker
	backend device.Backend

	mu    sync.Mutex
	state State
}

// NewDispatcher builds a dispatcher around the given kernel invoker,
// using the currently registered device backend.
func NewDispatcher(invoker Invoker) *Dispatcher {
	return &Dispatcher{
		planner: plan.NewPlanner(),
		invoker: invoker,
		backend: device.ActiveBackend(),
	}
}

// State returns the current execution phase.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// begin transitions Idle (or Failed, which is retryable by a fresh
// operation) to Planning.
func (d *Dispatcher) begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle && d.state != StateFailed {
		return ErrBusy
	}
	d.state = StatePlanning
	return nil
}

// finish records the operation outcome in the state machine.
func (d *Dispatcher) finish(err error) {
	if err != nil {
		d.setState(StateFailed)
	} else {
		d.setState(StateIdle)
	}
}

// Dispatch runs one single-stage operation. On failure the destination
// buffer contents are undefined: completed chunks are not rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, g *geometry.Geometry, v *geometry.Volume, roster device.Roster, req *Request) (err error) {
	if err := d.begin(); err != nil {
		return err
	}
	defer func() { d.finish(err) }()

	if err = d.checkBuffers(g, v, req); err != nil {
		return err
	}

	if req.DeviceResident {
		return d.dispatchResident(ctx, g, v, roster, req)
	}

	chunks, err := d.planner.Plan(req.Op, g, v, roster)
	if err != nil {
		return err
	}
	extent := g.Detector.NumRows
	if req.Op.Axis() == plan.VolumeSlices {
		extent = v.NumZ
	}
	if err = plan.Verify(chunks, extent); err != nil {
		return err
	}

	if len(chunks) == 1 {
		return d.runSingle(ctx, g, v, req, chunks[0])
	}
	return d.runChunked(ctx, g, v, req, chunks)
}

// FBP runs filtered backprojection: the FBP projection filter followed by
// weighted backprojection. The two stages have different halo and memory
// profiles, so each is planned independently. The caller's projection
// buffer is not modified; filtering happens on an internal copy.
func (d *Dispatcher) FBP(ctx context.Context, g *geometry.Geometry, v *geometry.Volume, roster device.Roster, req *Request) error {
	if req.DeviceResident {
		return d.fbpResident(ctx, g, v, roster, req)
	}
	// Both stage buffers are validated before any work so a bad volume
	// buffer cannot surface after the filter stage already ran.
	check := &Request{Op: plan.OpWeightedBackproject, Proj: req.Proj, Vol: req.Vol}
	if err := d.checkBuffers(g, v, check); err != nil {
		return err
	}
	filtered := make([]float32, len(req.Proj))
	copy(filtered, req.Proj)

	filterReq := &Request{Op: plan.OpFilterProjections, Proj: filtered, Scalar: req.Scalar, RampID: req.RampID}
	if err := d.Dispatch(ctx, g, v, roster, filterReq); err != nil {
		return fmt.Errorf("fbp filter stage: %w", err)
	}
	bpReq := &Request{Op: plan.OpWeightedBackproject, Proj: filtered, Vol: req.Vol}
	if err := d.Dispatch(ctx, g, v, roster, bpReq); err != nil {
		return fmt.Errorf("fbp backprojection stage: %w", err)
	}
	return nil
}

// fbpResident runs FBP on device-resident data. The projection data is
// copied to a device scratch buffer so the caller's input survives.
func (d *Dispatcher) fbpResident(ctx context.Context, g *geometry.Geometry, v *geometry.Volume, roster device.Roster, req *Request) error {
	check := &Request{Op: plan.OpWeightedBackproject, DeviceResident: true, ProjBuf: req.ProjBuf, VolBuf: req.VolBuf}
	if err := d.checkBuffers(g, v, check); err != nil {
		return err
	}
	primary, err := roster.Primary()
	if err != nil {
		return err
	}
	dctx, err := d.backend.NewContext(primary)
	if err != nil {
		return err
	}
	defer dctx.Close()

	scratch, err := dctx.NewBuffer(req.ProjBuf.Len())
	if err != nil {
		return err
	}
	defer scratch.Close()
	tmp := make([]float32, req.ProjBuf.Len())
	if err := req.ProjBuf.Download(tmp); err != nil {
		return fmt.Errorf("%w: fbp scratch copy: %v", ErrTransfer, err)
	}
	if err := scratch.Upload(tmp); err != nil {
		return fmt.Errorf("%w: fbp scratch copy: %v", ErrTransfer, err)
	}

	filterReq := &Request{Op: plan.OpFilterProjections, DeviceResident: true, ProjBuf: scratch, Scalar: req.Scalar, RampID: req.RampID}
	if err := d.Dispatch(ctx, g, v, roster, filterReq); err != nil {
		return fmt.Errorf("fbp filter stage: %w", err)
	}
	bpReq := &Request{Op: plan.OpWeightedBackproject, DeviceResident: true, ProjBuf: scratch, VolBuf: req.VolBuf}
	if err := d.Dispatch(ctx, g, v, roster, bpReq); err != nil {
		return fmt.Errorf("fbp backprojection stage: %w", err)
	}
	return nil
}

// checkBuffers validates caller buffer extents against the configuration
// before any device work begins.
func (d *Dispatcher) checkBuffers(g *geometry.Geometry, v *geometry.Volume, req *Request) error {
	// Sensitivity synthesizes its own ones input and the volume-space
	// ramp filter works in place on the volume; neither carries
	// projection data.
	needProj := req.Op != plan.OpSensitivity && req.Op != plan.OpRampFilterVolume
	needVol := req.Op.Axis() == plan.VolumeSlices || req.Op == plan.OpProject
	if req.DeviceResident {
		if needProj && req.ProjBuf == nil {
			return fmt.Errorf("%w: missing resident projection buffer", ErrBufferSize)
		}
		if needVol && req.VolBuf == nil {
			return fmt.Errorf("%w: missing resident volume buffer", ErrBufferSize)
		}
		if needProj && req.ProjBuf.Len() != g.ProjectionLen() {
			return fmt.Errorf("%w: resident projection buffer has %d samples, want %d", ErrBufferSize, req.ProjBuf.Len(), g.ProjectionLen())
		}
		if needVol && req.VolBuf.Len() != v.Len() {
			return fmt.Errorf("%w: resident volume buffer has %d samples, want %d", ErrBufferSize, req.VolBuf.Len(), v.Len())
		}
		return nil
	}
	if needProj && len(req.Proj) != g.ProjectionLen() {
		return fmt.Errorf("%w: projection buffer has %d samples, want %d", ErrBufferSize, len(req.Proj), g.ProjectionLen())
	}
	if needVol && len(req.Vol) != v.Len() {
		return fmt.Errorf("%w: volume buffer has %d samples, want %d", ErrBufferSize, len(req.Vol), v.Len())
	}
	return nil
}

// dispatchResident executes on data already resident on the primary
// device: no copies, the kernel sees the full extent directly. Multi-
// device splitting is not attempted because the data lives on one device.
func (d *Dispatcher) dispatchResident(ctx context.Context, g *geometry.Geometry, v *geometry.Volume, roster device.Roster, req *Request) error {
	primary, err := roster.Primary()
	if err != nil {
		return err
	}
	d.setState(StateExecuting)
	extent := g.Detector.NumRows
	if req.Op.Axis() == plan.VolumeSlices {
		extent = v.NumZ
	}
	inv := &InvokeRequest{
		Chunk: plan.Chunk{
			Op:        req.Op,
			Axis:      req.Op.Axis(),
			Core:      plan.Range{Start: 0, End: extent},
			Device:    primary,
			Companion: fullCompanion(req.Op, g, v),
		},
		Geom:      g,
		Vol:       v,
		Atten:     req.Atten,
		Proj:      req.ProjBuf,
		ProjRows:  plan.Range{Start: 0, End: g.Detector.NumRows},
		VolBuf:    req.VolBuf,
		VolSlices: plan.Range{Start: 0, End: v.NumZ},
		Scalar:    req.Scalar,
		RampID:    req.RampID,
	}
	if err := d.invoker.Invoke(ctx, inv); err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrKernel, req.Op, primary, err)
	}
	return nil
}

func fullCompanion(op plan.Op, g *geometry.Geometry, v *geometry.Volume) plan.Range {
	switch op {
	case plan.OpProject:
		return plan.Range{Start: 0, End: v.NumZ}
	case plan.OpBackproject, plan.OpWeightedBackproject, plan.OpSensitivity:
		return plan.Range{Start: 0, End: g.Detector.NumRows}
	default:
		return plan.Range{}
	}
}

// runSingle is the single-chunk fast path: one stage, one kernel, one
// write-back, no assembler indirection.
func (d *Dispatcher) runSingle(ctx context.Context, g *geometry.Geometry, v *geometry.Volume, req *Request, c plan.Chunk) error {
	d.setState(StateStaging)
	dctx, err := d.backend.NewContext(c.Device)
	if err != nil {
		return err
	}
	defer dctx.Close()

	staged, err := d.stageChunk(dctx, g, v, req, c)
	if err != nil {
		return err
	}
	defer staged.close()

	d.setState(StateExecuting)
	if err := d.invoker.Invoke(ctx, staged.request(g, v, req, c)); err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrKernel, c.Op, c.Device, err)
	}

	d.setState(StateMerging)
	return d.writeBack(staged, g, v, req, c, nil)
}

// runChunked is the full multi-chunk path: one worker per device, each
// staging, executing, and merging its chunks to completion independently.
// The first failure cancels chunks that have not started.
func (d *Dispatcher) runChunked(ctx context.Context, g *geometry.Geometry, v *geometry.Volume, req *Request, chunks []plan.Chunk) error {
	d.setState(StateStaging)

	byDevice := make(map[string][]plan.Chunk)
	var order []string
	for _, c := range chunks {
		key := c.Device.String()
		if _, seen := byDevice[key]; !seen {
			order = append(order, key)
		}
		byDevice[key] = append(byDevice[key], c)
	}

	assembler := NewAssembler()
	grp, gctx := errgroup.WithContext(ctx)
	d.setState(StateExecuting)
	for _, key := range order {
		devChunks := byDevice[key]
		grp.Go(func() error {
			dctx, err := d.backend.NewContext(devChunks[0].Device)
			if err != nil {
				return err
			}
			defer dctx.Close()
			for _, c := range devChunks {
				// Best-effort short-circuit once another chunk failed.
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := d.runChunk(gctx, dctx, g, v, req, c, assembler); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return grp.Wait()
}

// runChunk processes one chunk on an already-open device context. Scratch
// buffers are released on every exit path.
func (d *Dispatcher) runChunk(ctx context.Context, dctx device.Context, g *geometry.Geometry, v *geometry.Volume, req *Request, c plan.Chunk, assembler *Assembler) error {
	staged, err := d.stageChunk(dctx, g, v, req, c)
	if err != nil {
		return err
	}
	defer staged.close()

	if err := d.invoker.Invoke(ctx, staged.request(g, v, req, c)); err != nil {
		return fmt.Errorf("%w: %s chunk [%d,%d) on %s: %v", ErrKernel, c.Op, c.Core.Start, c.Core.End, c.Device, err)
	}
	return d.writeBack(staged, g, v, req, c, assembler)
}

// stagedBuffers holds the device buffers for one chunk.
type stagedBuffers struct {
	proj device.Buffer
	vol  device.Buffer

	projRows  plan.Range
	volSlices plan.Range
}

func (s *stagedBuffers) close() {
	if s.proj != nil {
		s.proj.Close()
	}
	if s.vol != nil {
		s.vol.Close()
	}
}

func (s *stagedBuffers) request(g *geometry.Geometry, v *geometry.Volume, req *Request, c plan.Chunk) *InvokeRequest {
	return &InvokeRequest{
		Chunk:     c,
		Geom:      g,
		Vol:       v,
		Atten:     req.Atten,
		Proj:      s.proj,
		ProjRows:  s.projRows,
		VolBuf:    s.vol,
		VolSlices: s.volSlices,
		Scalar:    req.Scalar,
		RampID:    req.RampID,
	}
}

// stageChunk copies the chunk's halo-extended input ranges to the device
// and allocates zeroed output buffers.
func (d *Dispatcher) stageChunk(dctx device.Context, g *geometry.Geometry, v *geometry.Volume, req *Request, c plan.Chunk) (*stagedBuffers, error) {
	s := &stagedBuffers{}
	var err error
	switch c.Op {
	case plan.OpProject:
		s.volSlices = c.Companion
		if s.vol, err = d.mover.StageVolume(dctx, req.Vol, v, s.volSlices, true); err != nil {
			return nil, err
		}
		s.projRows = c.Extended()
		if s.proj, err = d.mover.StageProjections(dctx, nil, g, s.projRows, false); err != nil {
			s.close()
			return nil, err
		}
	case plan.OpBackproject, plan.OpWeightedBackproject, plan.OpSensitivity:
		if c.Op != plan.OpSensitivity {
			s.projRows = c.Companion
			if s.proj, err = d.mover.StageProjections(dctx, req.Proj, g, s.projRows, true); err != nil {
				return nil, err
			}
		} else {
			s.projRows = c.Companion
		}
		s.volSlices = c.Extended()
		if s.vol, err = d.mover.StageVolume(dctx, nil, v, s.volSlices, false); err != nil {
			s.close()
			return nil, err
		}
	case plan.OpRampFilterVolume:
		s.volSlices = c.Extended()
		if s.vol, err = d.mover.StageVolume(dctx, req.Vol, v, s.volSlices, true); err != nil {
			return nil, err
		}
	default: // projection-row filters
		s.projRows = c.Extended()
		if s.proj, err = d.mover.StageProjections(dctx, req.Proj, g, s.projRows, true); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// writeBack merges a finished chunk into the host destination buffer,
// through the assembler when one is shared across chunks, or directly on
// the fast path.
func (d *Dispatcher) writeBack(s *stagedBuffers, g *geometry.Geometry, v *geometry.Volume, req *Request, c plan.Chunk, assembler *Assembler) error {
	if c.Axis == plan.VolumeSlices {
		if assembler != nil {
			return assembler.MergeVolume(s.vol, req.Vol, v, c)
		}
		return d.mover.UnstageVolume(s.vol, req.Vol, v, c.Extended(), c.Core)
	}
	if assembler != nil {
		return assembler.MergeProjections(s.proj, req.Proj, g, c)
	}
	return d.mover.UnstageProjections(s.proj, req.Proj, g, c.Extended(), c.Core)
}
