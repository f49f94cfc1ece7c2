package comfy

import "github.com/studioloom/conductor/internal/core/domain"

// statsResponse mirrors the ComfyUI /system_stats body. Unknown fields are
// ignored so older or forked backends still probe cleanly.
type statsResponse struct {
	System struct {
		OS            string  `json:"os"`
		RAMTotal      int64   `json:"ram_total"`
		RAMFree       int64   `json:"ram_free"`
		PythonVersion string  `json:"python_version"`
		CPUPercent    float64 `json:"cpu_percent"`
	} `json:"system"`
	Devices []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		Index     int    `json:"index"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
	} `json:"devices"`
}

func (r *statsResponse) toDomain() *domain.SystemStats {
	stats := &domain.SystemStats{
		CPUPercent: r.System.CPUPercent,
		RAMTotal:   r.System.RAMTotal,
		RAMFree:    r.System.RAMFree,
	}
	for _, d := range r.Devices {
		stats.Devices = append(stats.Devices, domain.Device{
			Name:      d.Name,
			Type:      d.Type,
			Index:     d.Index,
			VRAMTotal: d.VRAMTotal,
			VRAMFree:  d.VRAMFree,
		})
	}
	return stats
}

// QueueExecInfo is the GET /prompt body: pending work the backend reports.
type QueueExecInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// QueueState summarizes GET /queue: how many workflows run now vs. wait.
type QueueState struct {
	Running int
	Pending int
}

type queueResponse struct {
	QueueRunning []any `json:"queue_running"`
	QueuePending []any `json:"queue_pending"`
}

// PromptResult is the POST /prompt success body.
type PromptResult struct {
	PromptID string         `json:"prompt_id"`
	Number   int            `json:"number"`
	NodeErrs map[string]any `json:"node_errors"`
}

// promptError is the POST /prompt failure body.
type promptError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
	NodeErrors any `json:"node_errors"`
}
