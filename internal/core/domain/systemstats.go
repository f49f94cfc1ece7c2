package domain

// SystemStats is the capacity metadata a backend may report from its
// stats endpoint. All fields are optional; a backend that reports nothing
// is treated as idle by the least-loaded selection policy.
type SystemStats struct {
	CPUPercent      float64  `json:"cpu_percent"`
	RAMTotal        int64    `json:"ram_total"`
	RAMFree         int64    `json:"ram_free"`
	Devices         []Device `json:"devices,omitempty"`
	ActiveWorkflows int      `json:"active_workflows"`
	QueueDepth      int      `json:"queue_depth"`
}

// Device describes one GPU reported by a backend.
type Device struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Index     int    `json:"index"`
	VRAMTotal int64  `json:"vram_total"`
	VRAMFree  int64  `json:"vram_free"`
}

// BusiestDevice returns the device with the least free VRAM, or nil.
func (s *SystemStats) BusiestDevice() *Device {
	if s == nil || len(s.Devices) == 0 {
		return nil
	}
	busiest := &s.Devices[0]
	for i := range s.Devices[1:] {
		d := &s.Devices[i+1]
		if d.VRAMFree < busiest.VRAMFree {
			busiest = d
		}
	}
	return busiest
}

// Load returns the active workflow count, treating missing stats as zero.
func (s *SystemStats) Load() int {
	if s == nil {
		return 0
	}
	return s.ActiveWorkflows
}
