package device

import "sync"

// Backend is implemented by compute backends (the built-in CPU backend,
// or CUDA/ROCm/Metal bindings). It is responsible for device discovery
// and context creation.
type Backend interface {
	Name() string
	Available() bool
	Devices() ([]Descriptor, error)
	NewContext(dev Descriptor) (Context, error)
}

// Context is a backend-specific execution context tied to one device.
type Context interface {
	Device() Descriptor
	// NewBuffer allocates a device buffer of n float32 samples.
	NewBuffer(n int) (Buffer, error)
	Close() error
}

// Buffer is a device-resident float32 buffer.
type Buffer interface {
	Len() int
	// Upload copies len(src) samples from host to device at offset 0.
	Upload(src []float32) error
	// Download copies len(dst) samples from device to host at offset 0.
	Download(dst []float32) error
	// Slice returns an aliasing sub-view of n samples starting at off.
	// Closing the view does not release the parent allocation.
	Slice(off, n int) (Buffer, error)
	Close() error
}

// HostVisible is implemented by buffers whose storage the host can touch
// directly (the CPU backend). Kernels running on the host use it to avoid
// a copy.
type HostVisible interface {
	Data() []float32
}

var (
	backendMu sync.RWMutex
	backend   Backend = NewCPUBackend()
)

// RegisterBackend installs the active backend. The CPU backend is
// registered by default; passing nil restores it.
func RegisterBackend(b Backend) {
	backendMu.Lock()
	if b == nil {
		b = NewCPUBackend()
	}
	backend = b
	backendMu.Unlock()
}

// ActiveBackend returns the currently registered backend.
func ActiveBackend() Backend {
	backendMu.RLock()
	b := backend
	backendMu.RUnlock()
	return b
}
