// Package engine orchestrates chunked execution of projection operations
// across a device roster: planning, host/device staging, kernel
// invocation, and result assembly. The numerical kernels themselves are
// external collaborators behind the Invoker interface.
package engine

import (
	"context"
	"errors"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

var (
	// ErrBusy is returned when an operation is requested while another
	// one is still in flight on the same dispatcher.
	ErrBusy = errors.New("engine: operation already in flight")

	// ErrBufferSize is returned when a caller buffer does not match the
	// extent implied by the configuration.
	ErrBufferSize = errors.New("engine: buffer size does not match configuration")

	// ErrTransfer marks host/device copy failures.
	ErrTransfer = errors.New("engine: transfer failed")

	// ErrKernel marks failures inside a kernel invocation.
	ErrKernel = errors.New("engine: kernel failed")
)

// Request describes one logical operation. Buffers are borrowed views
// into caller-owned memory; the engine never retains them past the call.
type Request struct {
	// Op selects the operation.
	Op plan.Op

	// Proj and Vol are the host-resident projection and volume views.
	// Proj is nil for sensitivity (the all-ones projection is
	// synthesized per chunk) and Vol is nil for projection-space
	// filters.
	Proj []float32
	Vol  []float32

	// DeviceResident indicates the data already lives on the primary
	// device; ProjBuf/VolBuf carry the resident buffers and the engine
	// computes offsets instead of copying.
	DeviceResident bool
	ProjBuf        device.Buffer
	VolBuf         device.Buffer

	// Scalar is an optional multiplier for filter operations.
	Scalar float64

	// RampID selects the ramp filter sharpness.
	RampID int

	// Atten is the optional attenuation model for forward projection.
	Atten *geometry.Attenuation
}

// InvokeRequest hands one chunk's staged data to a kernel. The staged
// buffers use a compact layout covering only the staged ranges:
// projection samples are indexed (angle*stagedRows + row-rowStart)*numCols
// + col, volume samples follow the configured dimension order restricted
// to the staged slices.
type InvokeRequest struct {
	Chunk plan.Chunk
	Geom  *geometry.Geometry
	Vol   *geometry.Volume
	Atten *geometry.Attenuation

	// Proj holds the staged projection rows in ProjRows; nil for
	// sensitivity and volume-only operations.
	Proj     device.Buffer
	ProjRows plan.Range

	// VolBuf holds the staged volume slices in VolSlices; nil for
	// projection-only operations.
	VolBuf    device.Buffer
	VolSlices plan.Range

	Scalar float64
	RampID int
}

// Invoker executes one kernel on data already resident on a device.
// Implementations must be safe for concurrent calls on different chunks.
type Invoker interface {
	Invoke(ctx context.Context, req *InvokeRequest) error
}
