// Package speedtest runs throughput measurements: a latency probe, a sampled
// download and an estimated upload.
package speedtest

import "time"

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePing      Phase = "ping"
	PhaseDownload  Phase = "download"
	PhaseUpload    Phase = "upload"
	PhaseCompleted Phase = "completed"
)

// State is the published snapshot of a measurement. Values are replaced as a
// whole and never mutated after publication.
type State struct {
	RunID            string    `json:"run_id,omitempty"`
	Target           string    `json:"target,omitempty"`
	Status           Status    `json:"status"`
	Phase            Phase     `json:"phase"`
	DownloadMbps     float64   `json:"download_mbps"`
	UploadMbps       float64   `json:"upload_mbps"`
	LatencyMs        int       `json:"latency_ms"`
	JitterMs         int       `json:"jitter_ms"`
	LatencySynthetic bool      `json:"latency_synthetic"`
	UploadSimulated  bool      `json:"upload_simulated"`
	UploadStep       int       `json:"upload_step"`
	UploadSteps      int       `json:"upload_steps"`
	ProgressPct      float64   `json:"progress_pct"`
	DownloadBytes    uint64    `json:"download_bytes"`
	TCPRTTMs         float64   `json:"tcp_rtt_ms,omitempty"`
	TCPRetransmits   uint64    `json:"tcp_retransmits,omitempty"`
	Error            string    `json:"error,omitempty"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

func idleState() State {
	return State{Status: StatusIdle, Phase: PhaseIdle}
}

// Result is the summary of a completed run.
type Result struct {
	Target       string  `json:"target"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMs       int     `json:"ping_ms"`
	JitterMs     int     `json:"jitter_ms"`
}

func (s State) Result() Result {
	return Result{
		Target:       s.Target,
		DownloadMbps: s.DownloadMbps,
		UploadMbps:   s.UploadMbps,
		PingMs:       s.LatencyMs,
		JitterMs:     s.JitterMs,
	}
}
