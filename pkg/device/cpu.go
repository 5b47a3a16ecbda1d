package device

import (
	"fmt"
	"runtime"
)

// defaultCPUMemory is the staging budget assumed for the host when the
// caller does not provide one.
const defaultCPUMemory = 4 << 30

// CPUBackend executes on the host. It is always available and doubles as
// the stand-in for GPU devices in tests: a roster of "GPUs" served by the
// CPU backend exercises the full chunked multi-device path with plain
// slices as device memory.
type CPUBackend struct{}

// NewCPUBackend returns the host backend.
func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

// Name identifies the backend in logs.
func (b *CPUBackend) Name() string { return "cpu" }

// Available always reports true for the host.
func (b *CPUBackend) Available() bool { return true }

// Devices returns the single host device.
func (b *CPUBackend) Devices() ([]Descriptor, error) {
	return []Descriptor{{
		Kind:   CPU,
		Memory: defaultCPUMemory,
		Name:   fmt.Sprintf("host (%d cores)", runtime.NumCPU()),
	}}, nil
}

// NewContext creates an execution context. The CPU backend accepts any
// descriptor, including GPU descriptors, so it can emulate multi-device
// rosters.
func (b *CPUBackend) NewContext(dev Descriptor) (Context, error) {
	return &cpuContext{dev: dev}, nil
}

type cpuContext struct {
	dev    Descriptor
	closed bool
}

func (c *cpuContext) Device() Descriptor { return c.dev }

func (c *cpuContext) NewBuffer(n int) (Buffer, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if n < 0 {
		return nil, ErrLengthMismatch
	}
	return &cpuBuffer{data: make([]float32, n)}, nil
}

func (c *cpuContext) Close() error {
	c.closed = true
	return nil
}

type cpuBuffer struct {
	data []float32
	// view marks aliasing sub-buffers, whose Close must not drop the
	// parent storage.
	view bool
}

// WrapHost wraps a caller-owned slice as a device buffer without copying.
// Used for the already-device-resident path on the CPU backend.
func WrapHost(data []float32) Buffer {
	return &cpuBuffer{data: data, view: true}
}

func (b *cpuBuffer) Len() int { return len(b.data) }

func (b *cpuBuffer) Data() []float32 { return b.data }

func (b *cpuBuffer) Upload(src []float32) error {
	if b.data == nil {
		return ErrClosed
	}
	if len(src) > len(b.data) {
		return ErrLengthMismatch
	}
	copy(b.data, src)
	return nil
}

func (b *cpuBuffer) Download(dst []float32) error {
	if b.data == nil {
		return ErrClosed
	}
	if len(dst) > len(b.data) {
		return ErrLengthMismatch
	}
	copy(dst, b.data[:len(dst)])
	return nil
}

func (b *cpuBuffer) Slice(off, n int) (Buffer, error) {
	if b.data == nil {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(b.data) {
		return nil, ErrOutOfRange
	}
	return &cpuBuffer{data: b.data[off : off+n], view: true}, nil
}

func (b *cpuBuffer) Close() error {
	if !b.view {
		b.data = nil
	}
	return nil
}
