package kernels

import (
	"context"
	"math"
	"testing"

	"ctrecon/pkg/device"
	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

// impulseGeometry places the detector center on integer indices so the
// origin voxel of impulseVolume projects onto exactly one detector cell
// per view.
func impulseGeometry(t *testing.T, numAngles int) *geometry.Geometry {
	t.Helper()
	phis := make([]float64, numAngles)
	for i := range phis {
		phis[i] = 180 * float64(i) / float64(numAngles)
	}
	g, err := geometry.NewParallelBeam(numAngles, geometry.Detector{
		NumRows: 64, NumCols: 64,
		PixelHeight: 1, PixelWidth: 1,
		CenterRow: 32, CenterCol: 32,
	}, phis)
	if err != nil {
		t.Fatalf("NewParallelBeam failed: %v", err)
	}
	return g
}

// impulseVolume shifts the 64-cube grid by half a voxel so voxel
// (32,32,32) sits exactly at the origin.
func impulseVolume(t *testing.T) *geometry.Volume {
	t.Helper()
	v, err := geometry.NewVolume(64, 64, 64, 1, 1, -0.5, -0.5, -0.5)
	if err != nil {
		t.Fatalf("NewVolume failed: %v", err)
	}
	return v
}

// fullRequest stages complete host buffers as one full-extent chunk.
func fullRequest(op plan.Op, g *geometry.Geometry, v *geometry.Volume, proj, vol []float32) *engine.InvokeRequest {
	extent := g.Detector.NumRows
	if op.Axis() == plan.VolumeSlices {
		extent = v.NumZ
	}
	req := &engine.InvokeRequest{
		Chunk: plan.Chunk{Op: op, Axis: op.Axis(), Core: plan.Range{Start: 0, End: extent}},
		Geom:  g,
		Vol:   v,
	}
	if proj != nil {
		req.Proj = device.WrapHost(proj)
		req.ProjRows = plan.Range{Start: 0, End: g.Detector.NumRows}
	}
	if vol != nil {
		req.VolBuf = device.WrapHost(vol)
		req.VolSlices = plan.Range{Start: 0, End: v.NumZ}
	}
	return req
}

// TestForwardProjectImpulse verifies the projector against the one
// closed-form case that must be exact: a unit impulse at the origin
// yields, for every view, a single non-zero detector cell at the
// central row and column with value 1/max(|cos phi|,|sin phi|).
func TestForwardProjectImpulse(t *testing.T) {
	g := impulseGeometry(t, 180)
	v := impulseVolume(t)

	vol := make([]float32, v.Len())
	vol[v.Index(32, 32, 32)] = 1
	proj := make([]float32, g.ProjectionLen())

	req := fullRequest(plan.OpProject, g, v, proj, vol)
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	for a := 0; a < g.NumAngles; a++ {
		s, c := math.Sincos(g.Phis[a] * math.Pi / 180)
		want := 1 / math.Max(math.Abs(c), math.Abs(s))
		for r := 0; r < g.Detector.NumRows; r++ {
			for col := 0; col < g.Detector.NumCols; col++ {
				got := float64(proj[(a*g.Detector.NumRows+r)*g.Detector.NumCols+col])
				if r == 32 && col == 32 {
					if math.Abs(got-want) > 1e-6*want {
						t.Fatalf("angle %d: expected central sample %g, got %g", a, want, got)
					}
				} else if math.Abs(got) > 1e-7 {
					t.Fatalf("angle %d row %d col %d: expected zero, got %g", a, r, col, got)
				}
			}
		}
	}
}

// TestBackprojectImpulse verifies voxel-driven backprojection gathers
// each view's central sample exactly once
func TestBackprojectImpulse(t *testing.T) {
	g := impulseGeometry(t, 180)
	v := impulseVolume(t)

	proj := make([]float32, g.ProjectionLen())
	for a := 0; a < g.NumAngles; a++ {
		proj[(a*g.Detector.NumRows+32)*g.Detector.NumCols+32] = 1
	}
	vol := make([]float32, v.Len())

	req := fullRequest(plan.OpBackproject, g, v, proj, vol)
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	got := float64(vol[v.Index(32, 32, 32)])
	if math.Abs(got-180) > 1e-3 {
		t.Errorf("Expected origin voxel to accumulate 180, got %g", got)
	}
}

// TestSensitivityMatchesOnesBackprojection verifies the synthesized
// all-ones path is bit-identical to backprojecting explicit ones
func TestSensitivityMatchesOnesBackprojection(t *testing.T) {
	g := impulseGeometry(t, 24)
	v := impulseVolume(t)

	ones := make([]float32, g.ProjectionLen())
	for i := range ones {
		ones[i] = 1
	}
	explicit := make([]float32, v.Len())
	req := fullRequest(plan.OpBackproject, g, v, ones, explicit)
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Backproject failed: %v", err)
	}

	synthesized := make([]float32, v.Len())
	req = fullRequest(plan.OpSensitivity, g, v, nil, synthesized)
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Sensitivity failed: %v", err)
	}

	for i := range explicit {
		if explicit[i] != synthesized[i] {
			t.Fatalf("Voxel %d: backproject(ones)=%g, sensitivity=%g", i, explicit[i], synthesized[i])
		}
	}
}

// TestWeightedBackprojectScaling verifies the weighted variant is the
// plain backprojection scaled by the angular coefficient
func TestWeightedBackprojectScaling(t *testing.T) {
	g := impulseGeometry(t, 24)
	v := impulseVolume(t)

	proj := make([]float32, g.ProjectionLen())
	for a := 0; a < g.NumAngles; a++ {
		proj[(a*g.Detector.NumRows+32)*g.Detector.NumCols+32] = 1
	}

	plain := make([]float32, v.Len())
	if err := (CPU{}).Invoke(context.Background(), fullRequest(plan.OpBackproject, g, v, proj, plain)); err != nil {
		t.Fatalf("Backproject failed: %v", err)
	}
	weighted := make([]float32, v.Len())
	if err := (CPU{}).Invoke(context.Background(), fullRequest(plan.OpWeightedBackproject, g, v, proj, weighted)); err != nil {
		t.Fatalf("WeightedBackproject failed: %v", err)
	}

	scalar := g.FBPScalar()
	for i := range plain {
		want := float64(plain[i]) * scalar
		if math.Abs(float64(weighted[i])-want) > 1e-9+1e-6*math.Abs(want) {
			t.Fatalf("Voxel %d: expected %g, got %g", i, want, weighted[i])
		}
	}
}

// TestAttenuatedProjection verifies the attenuated transform reduces
// the impulse projection by the accumulated attenuation factor and
// never increases it
func TestAttenuatedProjection(t *testing.T) {
	g := impulseGeometry(t, 8)
	v := impulseVolume(t)

	vol := make([]float32, v.Len())
	vol[v.Index(32, 32, 32)] = 1

	var atten geometry.Attenuation
	if err := atten.SetCylindrical(0.05, 20); err != nil {
		t.Fatalf("SetCylindrical failed: %v", err)
	}

	plain := make([]float32, g.ProjectionLen())
	if err := (CPU{}).Invoke(context.Background(), fullRequest(plan.OpProject, g, v, plain, vol)); err != nil {
		t.Fatalf("Plain projection failed: %v", err)
	}
	attenuated := make([]float32, g.ProjectionLen())
	req := fullRequest(plan.OpProject, g, v, attenuated, vol)
	req.Atten = &atten
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Attenuated projection failed: %v", err)
	}

	for i := range plain {
		if plain[i] == 0 {
			if attenuated[i] != 0 {
				t.Fatalf("Sample %d: attenuation created signal %g from zero", i, attenuated[i])
			}
			continue
		}
		ratio := float64(attenuated[i]) / float64(plain[i])
		if ratio >= 1 || ratio <= 0 {
			t.Fatalf("Sample %d: expected attenuation factor in (0,1), got %g", i, ratio)
		}
	}
}

// TestConeBeamImpulse is a smoke test for the divergent ray marcher:
// the origin voxel must contribute near the detector center and not
// far from it
func TestConeBeamImpulse(t *testing.T) {
	phis := make([]float64, 8)
	for i := range phis {
		phis[i] = 360 * float64(i) / 8
	}
	g, err := geometry.NewConeBeam(8, geometry.Detector{
		NumRows: 32, NumCols: 32,
		PixelHeight: 1, PixelWidth: 1,
		CenterRow: 15.5, CenterCol: 15.5,
	}, phis, 250, 500)
	if err != nil {
		t.Fatalf("NewConeBeam failed: %v", err)
	}
	v, err := geometry.NewVolume(32, 32, 32, 0.5, 0.5, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewVolume failed: %v", err)
	}

	vol := make([]float32, v.Len())
	center := v.Index(v.NumX/2, v.NumY/2, v.NumZ/2)
	vol[center] = 1
	proj := make([]float32, g.ProjectionLen())
	if err := (CPU{}).Invoke(context.Background(), fullRequest(plan.OpProject, g, v, proj, vol)); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	for a := 0; a < g.NumAngles; a++ {
		var total, nearCenter float64
		for r := 0; r < g.Detector.NumRows; r++ {
			for c := 0; c < g.Detector.NumCols; c++ {
				val := float64(proj[(a*g.Detector.NumRows+r)*g.Detector.NumCols+c])
				total += val
				if r >= 14 && r <= 17 && c >= 14 && c <= 17 {
					nearCenter += val
				}
			}
		}
		if total <= 0 {
			t.Fatalf("angle %d: expected the impulse to project, got empty view", a)
		}
		if nearCenter < 0.9*total {
			t.Errorf("angle %d: expected projection concentrated at the detector center", a)
		}
	}
}

// TestRampFilterImpulse verifies the classic ramp filter shape on an
// impulse row: positive center, negative immediate neighbors, and a
// symmetric response
func TestRampFilterImpulse(t *testing.T) {
	g := impulseGeometry(t, 1)
	v := impulseVolume(t)

	proj := make([]float32, g.ProjectionLen())
	kc := 32
	proj[32*g.Detector.NumCols+kc] = 1

	req := fullRequest(plan.OpRampFilterRows, g, v, proj, nil)
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	row := proj[32*g.Detector.NumCols : 33*g.Detector.NumCols]
	if row[kc] <= 0 {
		t.Errorf("Expected positive central response, got %g", row[kc])
	}
	if row[kc-1] >= 0 || row[kc+1] >= 0 {
		t.Errorf("Expected negative response next to the impulse, got %g / %g", row[kc-1], row[kc+1])
	}
	for d := 1; d < 16; d++ {
		if math.Abs(float64(row[kc-d]-row[kc+d])) > 1e-5 {
			t.Errorf("Expected symmetric response at offset %d, got %g vs %g", d, row[kc-d], row[kc+d])
		}
	}

	// Rows without signal stay zero
	for c := 0; c < g.Detector.NumCols; c++ {
		if proj[10*g.Detector.NumCols+c] != 0 {
			t.Fatalf("Expected untouched row to stay zero, got %g at col %d", proj[10*g.Detector.NumCols+c], c)
		}
	}
}

// TestHilbertFilterImpulse verifies the Hilbert kernel is odd with a
// vanishing center
func TestHilbertFilterImpulse(t *testing.T) {
	g := impulseGeometry(t, 1)
	v := impulseVolume(t)

	proj := make([]float32, g.ProjectionLen())
	kc := 32
	proj[32*g.Detector.NumCols+kc] = 1

	req := fullRequest(plan.OpHilbertFilterRows, g, v, proj, nil)
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	row := proj[32*g.Detector.NumCols : 33*g.Detector.NumCols]
	if math.Abs(float64(row[kc])) > 1e-5 {
		t.Errorf("Expected vanishing central response, got %g", row[kc])
	}
	for d := 1; d < 16; d++ {
		if math.Abs(float64(row[kc-d]+row[kc+d])) > 1e-5 {
			t.Errorf("Expected odd response at offset %d, got %g vs %g", d, row[kc-d], row[kc+d])
		}
	}
}

// TestFilterScalar verifies the optional scalar multiplies the filter
// output
func TestFilterScalar(t *testing.T) {
	g := impulseGeometry(t, 1)
	v := impulseVolume(t)

	base := make([]float32, g.ProjectionLen())
	base[32*g.Detector.NumCols+32] = 1
	scaled := append([]float32(nil), base...)

	if err := (CPU{}).Invoke(context.Background(), fullRequest(plan.OpRampFilterRows, g, v, base, nil)); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	req := fullRequest(plan.OpRampFilterRows, g, v, scaled, nil)
	req.Scalar = 2
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	for i := range base {
		want := 2 * float64(base[i])
		if math.Abs(float64(scaled[i])-want) > 1e-6+1e-5*math.Abs(want) {
			t.Fatalf("Sample %d: expected %g, got %g", i, want, scaled[i])
		}
	}
}

// TestRampFilterVolumeImpulse is a smoke test for the 2D slice filter
func TestRampFilterVolumeImpulse(t *testing.T) {
	v, err := geometry.NewVolume(16, 16, 4, 1, 1, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewVolume failed: %v", err)
	}
	phis := []float64{0}
	g, err := geometry.NewParallelBeam(1, geometry.Detector{
		NumRows: 4, NumCols: 16, PixelHeight: 1, PixelWidth: 1, CenterRow: 1.5, CenterCol: 7.5,
	}, phis)
	if err != nil {
		t.Fatalf("NewParallelBeam failed: %v", err)
	}

	vol := make([]float32, v.Len())
	vol[v.Index(8, 8, 2)] = 1
	req := fullRequest(plan.OpRampFilterVolume, g, v, nil, vol)
	if err := (CPU{}).Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if vol[v.Index(8, 8, 2)] <= 0 {
		t.Errorf("Expected positive central response, got %g", vol[v.Index(8, 8, 2)])
	}
	// Untouched slices stay zero
	for y := 0; y < v.NumY; y++ {
		for x := 0; x < v.NumX; x++ {
			if vol[v.Index(x, y, 0)] != 0 {
				t.Fatalf("Expected empty slice to stay zero, got %g at (%d,%d,0)", vol[v.Index(x, y, 0)], x, y)
			}
		}
	}
}

// TestBlurConservesMass verifies the Gaussian blur is normalized
func TestBlurConservesMass(t *testing.T) {
	n := 8
	f := make([]float32, n*n*n)
	f[(4*n+4)*n+4] = 1
	if err := Blur(f, n, n, n, 2); err != nil {
		t.Fatalf("Blur failed: %v", err)
	}
	var sum float64
	for _, s := range f {
		if s < 0 {
			t.Fatalf("Expected non-negative blurred values, got %g", s)
		}
		sum += float64(s)
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Errorf("Expected blur to conserve mass, got total %g", sum)
	}
	if f[(4*n+4)*n+4] >= 1 {
		t.Errorf("Expected the impulse to spread")
	}
}

// TestMedianRemovesOutlier verifies outlier suppression in a constant
// region
func TestMedianRemovesOutlier(t *testing.T) {
	n := 6
	f := make([]float32, n*n*n)
	for i := range f {
		f[i] = 1
	}
	f[(3*n+3)*n+3] = 100
	if err := Median(f, n, n, n, 0); err != nil {
		t.Fatalf("Median failed: %v", err)
	}
	if f[(3*n+3)*n+3] != 1 {
		t.Errorf("Expected outlier replaced by the local median, got %g", f[(3*n+3)*n+3])
	}
}

// TestTVGradientDescends verifies one descent step along the gradient
// reduces the cost
func TestTVGradientDescends(t *testing.T) {
	n := 6
	f := make([]float32, n*n*n)
	for i := range f {
		f[i] = float32(i % 7)
	}
	before, err := TVCost(f, n, n, n, 0.1, 1)
	if err != nil {
		t.Fatalf("TVCost failed: %v", err)
	}
	df := make([]float32, len(f))
	if err := TVGradient(f, df, n, n, n, 0.1, 1); err != nil {
		t.Fatalf("TVGradient failed: %v", err)
	}
	for i := range f {
		f[i] -= 0.01 * df[i]
	}
	after, err := TVCost(f, n, n, n, 0.1, 1)
	if err != nil {
		t.Fatalf("TVCost failed: %v", err)
	}
	if after >= before {
		t.Errorf("Expected descent step to reduce the cost, got %g -> %g", before, after)
	}

	q, err := TVQuadForm(f, df, n, n, n, 0.1, 1)
	if err != nil {
		t.Fatalf("TVQuadForm failed: %v", err)
	}
	if q < 0 {
		t.Errorf("Expected non-negative quadratic form, got %g", q)
	}
}
