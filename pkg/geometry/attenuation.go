package geometry

import "fmt"

// Attenuation holds the optional attenuation model for the attenuated
// Radon transform. At most one form is active: a full per-voxel map or a
// cylindrical analytic model. Setting one form clears the other.
type Attenuation struct {
	// mu is a read-only view into a caller-owned per-voxel attenuation
	// map (mm^-1); never copied, never written.
	mu []float32

	muCoeff  float64
	muRadius float64
}

// SetMap installs a per-voxel attenuation map view sized to the given
// volume and clears any cylindrical model.
func (a *Attenuation) SetMap(mu []float32, v *Volume) error {
	if v == nil {
		return fmt.Errorf("attenuation map requires a configured volume")
	}
	if len(mu) != v.Len() {
		return fmt.Errorf("attenuation map length %d does not match volume length %d", len(mu), v.Len())
	}
	a.mu = mu
	a.muCoeff = 0
	a.muRadius = 0
	return nil
}

// SetCylindrical installs the analytic cylindrical model (coefficient in
// mm^-1, radius in mm) and clears any map view.
func (a *Attenuation) SetCylindrical(muCoeff, muRadius float64) error {
	if muCoeff < 0 || muRadius <= 0 {
		return fmt.Errorf("invalid cylindrical attenuation muCoeff=%g muRadius=%g", muCoeff, muRadius)
	}
	a.mu = nil
	a.muCoeff = muCoeff
	a.muRadius = muRadius
	return nil
}

// Clear removes both attenuation forms.
func (a *Attenuation) Clear() {
	a.mu = nil
	a.muCoeff = 0
	a.muRadius = 0
}

// Active reports whether any attenuation model is configured.
func (a *Attenuation) Active() bool {
	return a.mu != nil || a.muRadius > 0
}

// Map returns the per-voxel map view, or nil if the cylindrical form (or
// no form) is active.
func (a *Attenuation) Map() []float32 {
	return a.mu
}

// Cylindrical returns the analytic model parameters; ok is false when the
// cylindrical form is not active.
func (a *Attenuation) Cylindrical() (muCoeff, muRadius float64, ok bool) {
	if a.muRadius <= 0 {
		return 0, 0, false
	}
	return a.muCoeff, a.muRadius, true
}
