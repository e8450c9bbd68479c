package core

import (
	"strconv"
	"time"
)

const LivenessUnreachable = "unreachable"

type ProcessInfo struct {
	Name    string `json:"name"`
	PID     int32  `json:"pid"`
	Cmdline string `json:"cmdline,omitempty"`
}

type ServerIdentity struct {
	ServerType    string `json:"server_type"`
	ServerVersion string `json:"server_version"`
}

type Liveness struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
}

type ScanResult struct {
	Open   []int `json:"open"`
	Closed []int `json:"closed"`
}

type HostDetection struct {
	Port           int       `json:"port"`
	ProcessName    string    `json:"process_name"`
	PID            int32     `json:"pid"`
	ServerType     string    `json:"server_type"`
	ServerVersion  string    `json:"server_version"`
	IsSecure       bool      `json:"is_secure"`
	Liveness       *Liveness `json:"liveness,omitempty"`
	LivenessStatus string    `json:"liveness_status"`
	DetectedAt     time.Time `json:"detected_at"`
}

// LivenessStatusOf renders a probe result as a status code or "unreachable".
func LivenessStatusOf(l *Liveness) string {
	if l == nil {
		return LivenessUnreachable
	}
	return strconv.Itoa(l.StatusCode)
}

// DetectionSnapshot is the whole result of one scan. It replaces the previous
// snapshot as a unit.
type DetectionSnapshot struct {
	ScannedAt  time.Time       `json:"scanned_at"`
	Detections []HostDetection `json:"detections"`
}
