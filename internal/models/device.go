package models

// Encoder identifies the encoder class the runner advertises.
type Encoder string

const (
	EncoderHardware Encoder = "hardware"
	EncoderCPU      Encoder = "cpu"
)

// Machine is the identity posted to /runner/online.
type Machine struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	DeviceInfo *DeviceInfo `json:"deviceInfo"`
	Encoder    Encoder     `json:"encoder"`
}

// DeviceInfo is the hardware snapshot reported on registration and heartbeat.
type DeviceInfo struct {
	CPU    CPUInfo    `json:"cpu"`
	Memory MemoryInfo `json:"memory"`
	Disk   DiskInfo   `json:"disk"`
	GPU    *GPUInfo   `json:"gpu,omitempty"`
}

// CPUInfo describes the host processor.
type CPUInfo struct {
	Brand    string  `json:"brand"`
	Cores    int     `json:"cores"`
	SpeedMHz float64 `json:"speed"`
	Load     float64 `json:"load"` // percent
}

// MemoryInfo describes host memory in bytes.
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// DiskInfo describes the scratch volume in bytes.
type DiskInfo struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// GPUInfo describes a discovered GPU. Memory figures are MiB as reported by
// the vendor tool.
type GPUInfo struct {
	Vendor        string  `json:"vendor"`
	Model         string  `json:"model"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryFree    uint64  `json:"memoryFree"`
	Utilization   float64 `json:"utilization"` // percent
	Temperature   float64 `json:"temperature"` // celsius
	DriverVersion string  `json:"driverVersion"`
}
