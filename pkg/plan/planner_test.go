package plan

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
)

func testGeometry(t *testing.T) *geometry.Geometry {
	t.Helper()
	phis := make([]float64, 180)
	for i := range phis {
		phis[i] = float64(i)
	}
	g, err := geometry.NewParallelBeam(180, geometry.Detector{
		NumRows: 64, NumCols: 64,
		PixelHeight: 1, PixelWidth: 1,
		CenterRow: 31.5, CenterCol: 31.5,
	}, phis)
	if err != nil {
		t.Fatalf("NewParallelBeam failed: %v", err)
	}
	return g
}

func testVolume(t *testing.T) *geometry.Volume {
	t.Helper()
	v, err := geometry.NewVolume(64, 64, 64, 1, 1, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewVolume failed: %v", err)
	}
	return v
}

func gpus(memories ...uint64) device.Roster {
	devs := make([]device.Descriptor, len(memories))
	for i, m := range memories {
		devs[i] = device.Descriptor{Kind: device.GPU, Index: i, Memory: m}
	}
	return device.NewRoster(devs...)
}

// TestPlanSingleDevice verifies the fast path: one device with a
// sufficient budget gets one full-extent chunk
func TestPlanSingleDevice(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t)
	chunks, err := NewPlanner().Plan(OpProject, g, v, gpus(1<<30))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected a single chunk, got %d", len(chunks))
	}
	want := Range{Start: 0, End: 64}
	if diff := cmp.Diff(want, chunks[0].Core); diff != "" {
		t.Errorf("Unexpected core range (-want +got):\n%s", diff)
	}
	if chunks[0].HaloLo != 0 || chunks[0].HaloHi != 0 {
		t.Errorf("Expected halos clamped at the extent boundary, got lo=%d hi=%d",
			chunks[0].HaloLo, chunks[0].HaloHi)
	}
	if chunks[0].Companion != (Range{Start: 0, End: 64}) {
		t.Errorf("Expected full companion slab, got %+v", chunks[0].Companion)
	}
}

// TestPlanCoverage verifies the core invariant across operations,
// budgets and roster sizes: cores tile the extent exactly
func TestPlanCoverage(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t)
	ops := []Op{OpProject, OpBackproject, OpWeightedBackproject, OpSensitivity,
		OpRampFilterRows, OpHilbertFilterRows, OpFilterProjections, OpRampFilterVolume}
	rosters := map[string]device.Roster{
		"one-large":   gpus(1 << 30),
		"one-small":   gpus(2 << 20),
		"two-equal":   gpus(128<<20, 128<<20),
		"two-uneven":  gpus(128<<20, 8<<20),
		"three-small": gpus(4<<20, 4<<20, 4<<20),
	}
	p := NewPlanner()
	for name, roster := range rosters {
		for _, op := range ops {
			chunks, err := p.Plan(op, g, v, roster)
			if err != nil {
				t.Errorf("%s/%s: Plan failed: %v", name, op, err)
				continue
			}
			extent := v.NumZ
			if op.Axis() == DetectorRows {
				extent = g.Detector.NumRows
			}
			if err := Verify(chunks, extent); err != nil {
				t.Errorf("%s/%s: %v", name, op, err)
			}
			for i, c := range chunks {
				if c.Op != op || c.Axis != op.Axis() {
					t.Errorf("%s/%s: chunk %d carries wrong op/axis", name, op, i)
				}
				ext := c.Extended()
				if ext.Start < 0 || ext.End > extent {
					t.Errorf("%s/%s: chunk %d halo [%d,%d) escapes the extent", name, op, i, ext.Start, ext.End)
				}
				if c.HaloLo > op.Halo() || c.HaloHi > op.Halo() {
					t.Errorf("%s/%s: chunk %d halo exceeds the operation requirement", name, op, i)
				}
			}
		}
	}
}

// TestPlanMultiDevice verifies that several devices are all used even
// when the data would fit one, and that uneven splits favor earlier
// devices
func TestPlanMultiDevice(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t)
	chunks, err := NewPlanner().Plan(OpBackproject, g, v, gpus(1<<30, 1<<30, 1<<30))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks for a 3-device roster, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Device.Index != i {
			t.Errorf("Expected chunk %d on gpu%d, got %s", i, i, c.Device)
		}
	}

	// 64 slices over 3 chunks: 22, 21, 21
	if chunks[0].Core.Len() != 22 || chunks[1].Core.Len() != 21 || chunks[2].Core.Len() != 21 {
		t.Errorf("Expected sizes 22/21/21, got %d/%d/%d",
			chunks[0].Core.Len(), chunks[1].Core.Len(), chunks[2].Core.Len())
	}
}

// TestPlanDeterministic verifies planning is a pure function of its
// inputs
func TestPlanDeterministic(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t)
	roster := gpus(16<<20, 8<<20)
	p := NewPlanner()
	a, err := p.Plan(OpProject, g, v, roster)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	b, err := p.Plan(OpProject, g, v, roster)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Plans differ across runs (-first +second):\n%s", diff)
	}
}

// TestPlanBudgetError verifies the unrecoverable too-small-budget case
// is reported rather than retried
func TestPlanBudgetError(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t)
	_, err := NewPlanner().Plan(OpProject, g, v, gpus(1<<10))
	if !errors.Is(err, ErrBudget) {
		t.Errorf("Expected ErrBudget, got %v", err)
	}
}

// TestPlanNoDevice verifies an empty roster is rejected
func TestPlanNoDevice(t *testing.T) {
	g := testGeometry(t)
	v := testVolume(t)
	_, err := NewPlanner().Plan(OpProject, g, v, device.Roster{})
	if !errors.Is(err, device.ErrNoDevice) {
		t.Errorf("Expected ErrNoDevice, got %v", err)
	}
}

// TestHaloRequirements verifies halos only where interpolation reaches
// across a boundary
func TestHaloRequirements(t *testing.T) {
	interpolating := []Op{OpProject, OpBackproject, OpWeightedBackproject, OpSensitivity}
	local := []Op{OpRampFilterRows, OpHilbertFilterRows, OpFilterProjections, OpRampFilterVolume}
	for _, op := range interpolating {
		if op.Halo() != 1 {
			t.Errorf("Expected halo 1 for %s, got %d", op, op.Halo())
		}
	}
	for _, op := range local {
		if op.Halo() != 0 {
			t.Errorf("Expected halo 0 for %s, got %d", op, op.Halo())
		}
	}
}

// TestRange verifies the range helpers used throughout planning
func TestRange(t *testing.T) {
	r := Range{Start: 2, End: 5}
	if r.Len() != 3 {
		t.Errorf("Expected length 3, got %d", r.Len())
	}
	if !r.Contains(2) || r.Contains(5) {
		t.Errorf("Expected half-open containment")
	}
	if !r.Overlaps(Range{Start: 4, End: 6}) || r.Overlaps(Range{Start: 5, End: 7}) {
		t.Errorf("Expected half-open overlap semantics")
	}

	c := Chunk{Core: Range{Start: 4, End: 8}, HaloLo: 1, HaloHi: 2}
	if got := c.Extended(); got != (Range{Start: 3, End: 10}) {
		t.Errorf("Expected extended range [3,10), got %+v", got)
	}
}

// TestVerify verifies the plan invariant checker itself
func TestVerify(t *testing.T) {
	good := []Chunk{
		{Core: Range{Start: 0, End: 3}},
		{Core: Range{Start: 3, End: 6}},
	}
	if err := Verify(good, 6); err != nil {
		t.Errorf("Expected valid plan, got %v", err)
	}
	if err := Verify(good, 7); err == nil {
		t.Errorf("Expected error for incomplete cover")
	}
	gap := []Chunk{
		{Core: Range{Start: 0, End: 3}},
		{Core: Range{Start: 4, End: 6}},
	}
	if err := Verify(gap, 6); err == nil {
		t.Errorf("Expected error for gap between cores")
	}
	if err := Verify(nil, 0); err == nil {
		t.Errorf("Expected error for empty plan")
	}
}
