// Package device describes the compute devices available to the dispatch
// engine and abstracts buffer allocation and data transfer behind a
// backend interface, so that the same orchestration code drives a CPU,
// a single GPU, or a pool of GPUs.
package device

import "fmt"

// Kind distinguishes the host CPU from GPU devices.
type Kind int

const (
	// CPU is the host processor.
	CPU Kind = iota

	// GPU is a discrete accelerator addressed by index.
	GPU
)

// String returns "cpu" or "gpu".
func (k Kind) String() string {
	if k == GPU {
		return "gpu"
	}
	return "cpu"
}

// Descriptor identifies one usable compute device and its memory budget.
type Descriptor struct {
	// Kind is CPU or GPU.
	Kind Kind

	// Index is the GPU index; ignored for the CPU.
	Index int

	// Memory is the budget in bytes available for staging chunk data.
	Memory uint64

	// Name is a human-readable device name for logs and dumps.
	Name string
}

// String returns a short identifier such as "gpu0" or "cpu".
func (d Descriptor) String() string {
	if d.Kind == GPU {
		return fmt.Sprintf("gpu%d", d.Index)
	}
	return "cpu"
}

// Roster is the ordered list of devices an operation may use. Order
// matters: the first entry is the primary device, and planner tie-breaks
// favor earlier entries.
type Roster struct {
	Devices []Descriptor
}

// NewRoster builds a roster from explicit descriptors.
func NewRoster(devices ...Descriptor) Roster {
	return Roster{Devices: append([]Descriptor(nil), devices...)}
}

// Primary returns the first device in the roster.
func (r Roster) Primary() (Descriptor, error) {
	if len(r.Devices) == 0 {
		return Descriptor{}, ErrNoDevice
	}
	return r.Devices[0], nil
}

// Len returns the number of devices in the roster.
func (r Roster) Len() int {
	return len(r.Devices)
}

// TotalMemory returns the summed memory budget across the roster.
func (r Roster) TotalMemory() uint64 {
	var total uint64
	for _, d := range r.Devices {
		total += d.Memory
	}
	return total
}
