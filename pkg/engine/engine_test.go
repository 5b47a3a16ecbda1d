package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

func testGeometry(t *testing.T) *geometry.Geometry {
	t.Helper()
	phis := make([]float64, 12)
	for i := range phis {
		phis[i] = 180 * float64(i) / 12
	}
	g, err := geometry.NewParallelBeam(12, geometry.Detector{
		NumRows: 16, NumCols: 16,
		PixelHeight: 1, PixelWidth: 1,
		CenterRow: 7.5, CenterCol: 7.5,
	}, phis)
	if err != nil {
		t.Fatalf("NewParallelBeam failed: %v", err)
	}
	return g
}

func testVolume(t *testing.T, order geometry.DimensionOrder) *geometry.Volume {
	t.Helper()
	v, err := geometry.NewVolume(16, 16, 16, 1, 1, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewVolume failed: %v", err)
	}
	v.Order = order
	return v
}

func hostContext(t *testing.T) device.Context {
	t.Helper()
	ctx, err := device.NewCPUBackend().NewContext(device.Descriptor{Kind: device.CPU, Memory: 1 << 30})
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

// ramp fills a buffer with distinct values so copy bugs show up as
// mismatches rather than zeros
func ramp(n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = float32(i%251) + 0.5
	}
	return f
}

// TestStageProjectionsRoundTrip verifies staging a row range and
// unstaging its core reproduces the host data exactly
func TestStageProjectionsRoundTrip(t *testing.T) {
	g := testGeometry(t)
	dctx := hostContext(t)
	var m Mover

	host := ramp(g.ProjectionLen())
	staged := plan.Range{Start: 3, End: 9}
	buf, err := m.StageProjections(dctx, host, g, staged, true)
	if err != nil {
		t.Fatalf("StageProjections failed: %v", err)
	}
	defer buf.Close()
	if buf.Len() != g.NumAngles*staged.Len()*g.Detector.NumCols {
		t.Errorf("Expected compact staging of %d samples, got %d",
			g.NumAngles*staged.Len()*g.Detector.NumCols, buf.Len())
	}

	// Unstage the interior core into a fresh buffer; only those rows
	// may be written
	out := make([]float32, len(host))
	core := plan.Range{Start: 4, End: 8}
	if err := m.UnstageProjections(buf, out, g, staged, core); err != nil {
		t.Fatalf("UnstageProjections failed: %v", err)
	}
	for a := 0; a < g.NumAngles; a++ {
		for r := 0; r < g.Detector.NumRows; r++ {
			for c := 0; c < g.Detector.NumCols; c++ {
				i := (a*g.Detector.NumRows+r)*g.Detector.NumCols + c
				want := float32(0)
				if core.Contains(r) {
					want = host[i]
				}
				if out[i] != want {
					t.Fatalf("angle %d row %d col %d: expected %f, got %f", a, r, c, want, out[i])
				}
			}
		}
	}
}

// TestStageVolumeRoundTrip verifies slab staging for both memory
// layouts
func TestStageVolumeRoundTrip(t *testing.T) {
	for _, order := range []geometry.DimensionOrder{geometry.OrderXYZ, geometry.OrderZYX} {
		t.Run(order.String(), func(t *testing.T) {
			v := testVolume(t, order)
			dctx := hostContext(t)
			var m Mover

			host := ramp(v.Len())
			staged := plan.Range{Start: 5, End: 12}
			buf, err := m.StageVolume(dctx, host, v, staged, true)
			if err != nil {
				t.Fatalf("StageVolume failed: %v", err)
			}
			defer buf.Close()
			if buf.Len() != staged.Len()*v.SliceLen() {
				t.Errorf("Expected %d staged samples, got %d", staged.Len()*v.SliceLen(), buf.Len())
			}

			out := make([]float32, len(host))
			core := plan.Range{Start: 6, End: 11}
			if err := m.UnstageVolume(buf, out, v, staged, core); err != nil {
				t.Fatalf("UnstageVolume failed: %v", err)
			}
			for x := 0; x < v.NumX; x++ {
				for y := 0; y < v.NumY; y++ {
					for z := 0; z < v.NumZ; z++ {
						i := v.Index(x, y, z)
						want := float32(0)
						if core.Contains(z) {
							want = host[i]
						}
						if out[i] != want {
							t.Fatalf("voxel (%d,%d,%d): expected %f, got %f", x, y, z, want, out[i])
						}
					}
				}
			}
		})
	}
}

// TestAssemblerRejectsOverlap verifies the double-merge guard
func TestAssemblerRejectsOverlap(t *testing.T) {
	g := testGeometry(t)
	dctx := hostContext(t)
	var m Mover
	host := ramp(g.ProjectionLen())
	buf, err := m.StageProjections(dctx, host, g, plan.Range{Start: 0, End: 8}, true)
	if err != nil {
		t.Fatalf("StageProjections failed: %v", err)
	}
	defer buf.Close()

	as := NewAssembler()
	out := make([]float32, len(host))
	c := plan.Chunk{Op: plan.OpProject, Core: plan.Range{Start: 0, End: 8}}
	if err := as.MergeProjections(buf, out, g, c); err != nil {
		t.Fatalf("First merge failed: %v", err)
	}
	overlapping := plan.Chunk{Op: plan.OpProject, Core: plan.Range{Start: 7, End: 8}}
	if err := as.MergeProjections(buf, out, g, overlapping); err == nil {
		t.Errorf("Expected overlap rejection on second merge")
	}
}

// countingInvoker wraps an invoker and records per-device invocation
// counts
type countingInvoker struct {
	inner Invoker

	mu    sync.Mutex
	calls map[string]int
}

func newCountingInvoker(inner Invoker) *countingInvoker {
	return &countingInvoker{inner: inner, calls: make(map[string]int)}
}

func (ci *countingInvoker) Invoke(ctx context.Context, req *InvokeRequest) error {
	ci.mu.Lock()
	ci.calls[req.Chunk.Device.String()]++
	ci.mu.Unlock()
	return ci.inner.Invoke(ctx, req)
}

func (ci *countingInvoker) total() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	n := 0
	for _, c := range ci.calls {
		n += c
	}
	return n
}

// copyInvoker is a trivial kernel stand-in: forward projection writes a
// constant derived from the staged row, backprojection from the staged
// slice. Boundary mistakes in staging or merging shift its output.
type copyInvoker struct{}

func (copyInvoker) Invoke(ctx context.Context, req *InvokeRequest) error {
	switch req.Chunk.Op {
	case plan.OpProject:
		data := req.Proj.(device.HostVisible).Data()
		rows := req.ProjRows
		g := req.Geom
		for a := 0; a < g.NumAngles; a++ {
			for r := rows.Start; r < rows.End; r++ {
				for c := 0; c < g.Detector.NumCols; c++ {
					data[(a*rows.Len()+(r-rows.Start))*g.Detector.NumCols+c] = float32(r*1000 + a)
				}
			}
		}
		return nil
	case plan.OpBackproject:
		data := req.VolBuf.(device.HostVisible).Data()
		slices := req.VolSlices
		v := req.Vol
		for z := slices.Start; z < slices.End; z++ {
			for y := 0; y < v.NumY; y++ {
				for x := 0; x < v.NumX; x++ {
					var i int
					if v.Order == geometry.OrderZYX {
						i = (x*v.NumY+y)*slices.Len() + (z - slices.Start)
					} else {
						i = ((z-slices.Start)*v.NumY+y)*v.NumX + x
					}
					data[i] = float32(z*1000 + x)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unexpected op %s", req.Chunk.Op)
	}
}

func singleCPU() device.Roster {
	return device.NewRoster(device.Descriptor{Kind: device.CPU, Memory: 1 << 30})
}

// smallGPUs returns a roster whose budgets force multi-chunk plans for
// the test geometry
func smallGPUs(n int) device.Roster {
	devs := make([]device.Descriptor, n)
	for i := range devs {
		devs[i] = device.Descriptor{Kind: device.GPU, Index: i, Memory: 96 << 10}
	}
	return device.NewRoster(devs...)
}

// TestDispatchEquivalence verifies the central correctness property:
// a multi-chunk multi-device run produces bit-identical output to the
// single-chunk run
func TestDispatchEquivalence(t *testing.T) {
	g := testGeometry(t)
	for _, order := range []geometry.DimensionOrder{geometry.OrderXYZ, geometry.OrderZYX} {
		for _, op := range []plan.Op{plan.OpProject, plan.OpBackproject} {
			t.Run(fmt.Sprintf("%s/%s", op, order), func(t *testing.T) {
				v := testVolume(t, order)
				vol := ramp(v.Len())
				proj := ramp(g.ProjectionLen())

				run := func(roster device.Roster) []float32 {
					d := NewDispatcher(copyInvoker{})
					p := append([]float32(nil), proj...)
					f := append([]float32(nil), vol...)
					req := &Request{Op: op, Proj: p, Vol: f}
					if err := d.Dispatch(context.Background(), g, v, roster, req); err != nil {
						t.Fatalf("Dispatch failed: %v", err)
					}
					if op == plan.OpProject {
						return p
					}
					return f
				}

				single := run(singleCPU())
				chunked := run(smallGPUs(3))
				if diff := cmp.Diff(single, chunked); diff != "" {
					t.Errorf("Chunked result differs from single-device result (-single +chunked):\n%s", diff)
				}
			})
		}
	}
}

// TestDispatchMultiDeviceUsesAllDevices verifies chunks actually land
// on every roster device
func TestDispatchMultiDeviceUsesAllDevices(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t, geometry.OrderXYZ)
	ci := newCountingInvoker(copyInvoker{})
	d := NewDispatcher(ci)
	req := &Request{Op: plan.OpProject, Proj: make([]float32, g.ProjectionLen()), Vol: ramp(v.Len())}
	if err := d.Dispatch(context.Background(), g, v, smallGPUs(3), req); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		name := device.Descriptor{Kind: device.GPU, Index: i}.String()
		if ci.calls[name] == 0 {
			t.Errorf("Expected chunks on %s, got none", name)
		}
	}
	// Workers merge eagerly; the machine settles straight back to idle.
	if d.State() != StateIdle {
		t.Errorf("Expected idle state after a chunked run, got %s", d.State())
	}
}

// residentCheckInvoker asserts the staged buffers alias the resident
// input buffers instead of copies
type residentCheckInvoker struct {
	proj, vol []float32
	t         *testing.T
}

func (ri residentCheckInvoker) Invoke(ctx context.Context, req *InvokeRequest) error {
	projData := req.Proj.(device.HostVisible).Data()
	volData := req.VolBuf.(device.HostVisible).Data()
	if &projData[0] != &ri.proj[0] {
		ri.t.Errorf("Expected resident projection buffer to be used without copying")
	}
	if &volData[0] != &ri.vol[0] {
		ri.t.Errorf("Expected resident volume buffer to be used without copying")
	}
	return nil
}

// TestDispatchDeviceResident verifies the no-copy path for data already
// on the primary device
func TestDispatchDeviceResident(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t, geometry.OrderXYZ)
	proj := make([]float32, g.ProjectionLen())
	vol := make([]float32, v.Len())
	d := NewDispatcher(residentCheckInvoker{proj: proj, vol: vol, t: t})
	req := &Request{
		Op: plan.OpProject, DeviceResident: true,
		ProjBuf: device.WrapHost(proj), VolBuf: device.WrapHost(vol),
	}
	if err := d.Dispatch(context.Background(), g, v, singleCPU(), req); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
}

// TestDispatchBufferSize verifies mismatched caller buffers are caught
// before any staging
func TestDispatchBufferSize(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t, geometry.OrderXYZ)
	ci := newCountingInvoker(copyInvoker{})
	d := NewDispatcher(ci)
	req := &Request{Op: plan.OpProject, Proj: make([]float32, 7), Vol: make([]float32, v.Len())}
	err := d.Dispatch(context.Background(), g, v, singleCPU(), req)
	if !errors.Is(err, ErrBufferSize) {
		t.Fatalf("Expected ErrBufferSize, got %v", err)
	}
	if ci.total() != 0 {
		t.Errorf("Expected no kernel invocations after a rejected request, got %d", ci.total())
	}
}

// TestFBPBufferSize verifies both stage buffers are validated before
// the filter stage runs, so a bad volume buffer costs no kernel work
func TestFBPBufferSize(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t, geometry.OrderXYZ)

	t.Run("host", func(t *testing.T) {
		ci := newCountingInvoker(copyInvoker{})
		d := NewDispatcher(ci)
		req := &Request{Op: plan.OpWeightedBackproject, Proj: ramp(g.ProjectionLen()), Vol: make([]float32, 5)}
		err := d.FBP(context.Background(), g, v, singleCPU(), req)
		if !errors.Is(err, ErrBufferSize) {
			t.Fatalf("Expected ErrBufferSize, got %v", err)
		}
		if ci.total() != 0 {
			t.Errorf("Expected no kernel invocations before the rejection, got %d", ci.total())
		}
	})

	t.Run("resident", func(t *testing.T) {
		ci := newCountingInvoker(copyInvoker{})
		d := NewDispatcher(ci)
		req := &Request{
			Op: plan.OpWeightedBackproject, DeviceResident: true,
			ProjBuf: device.WrapHost(make([]float32, g.ProjectionLen())),
			VolBuf:  device.WrapHost(make([]float32, 5)),
		}
		err := d.FBP(context.Background(), g, v, singleCPU(), req)
		if !errors.Is(err, ErrBufferSize) {
			t.Fatalf("Expected ErrBufferSize, got %v", err)
		}
		if ci.total() != 0 {
			t.Errorf("Expected no kernel invocations before the rejection, got %d", ci.total())
		}
	})
}

// failingInvoker fails every invocation
type failingInvoker struct{}

func (failingInvoker) Invoke(ctx context.Context, req *InvokeRequest) error {
	return errors.New("boom")
}

// TestDispatchKernelFailure verifies kernel errors carry the kernel
// sentinel and leave the dispatcher recoverable
func TestDispatchKernelFailure(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t, geometry.OrderXYZ)
	d := NewDispatcher(failingInvoker{})
	req := &Request{Op: plan.OpProject, Proj: make([]float32, g.ProjectionLen()), Vol: ramp(v.Len())}
	err := d.Dispatch(context.Background(), g, v, singleCPU(), req)
	if !errors.Is(err, ErrKernel) {
		t.Fatalf("Expected ErrKernel, got %v", err)
	}
	if d.State() != StateFailed {
		t.Errorf("Expected failed state after kernel error, got %s", d.State())
	}

	// A failed dispatcher must accept the next request
	d2req := &Request{Op: plan.OpProject, Proj: make([]float32, g.ProjectionLen()), Vol: ramp(v.Len())}
	d.invoker = copyInvoker{}
	if err := d.Dispatch(context.Background(), g, v, singleCPU(), d2req); err != nil {
		t.Errorf("Expected retry after failure to succeed, got %v", err)
	}
	if d.State() != StateIdle {
		t.Errorf("Expected idle state after recovery, got %s", d.State())
	}
}

// TestDispatchCancellation verifies context cancellation aborts the run
func TestDispatchCancellation(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t, geometry.OrderXYZ)
	d := NewDispatcher(copyInvoker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := &Request{Op: plan.OpProject, Proj: make([]float32, g.ProjectionLen()), Vol: ramp(v.Len())}
	err := d.Dispatch(ctx, g, v, smallGPUs(2), req)
	if err == nil {
		t.Fatalf("Expected error from canceled context")
	}
}
