package protocol

// BytesPerMB is the unit used for every size and capacity on the wire.
const BytesPerMB = 1024 * 1024

// FileInfo describes a single blob in the /list response.
type FileInfo struct {
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
}

// ListResponse is the body of GET /list.
type ListResponse struct {
	Files []FileInfo `json:"files"`
}

// CapacityResponse is the body of GET /capacity.
type CapacityResponse struct {
	Capacity float64 `json:"capacity"`
}

// UsageResponse is the body of GET /usage.
type UsageResponse struct {
	Usage float64 `json:"usage"`
}

// PeerStatus is the outcome of a single call made to a peer.
type PeerStatus struct {
	Op     string `json:"op"`
	Peer   string `json:"peer"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TotalResponse is the body of GET /total.
type TotalResponse struct {
	TotalCapacity float64      `json:"total_capacity"`
	TotalUsage    float64      `json:"total_usage"`
	Peers         []PeerStatus `json:"peers,omitempty"`
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Status   string  `json:"status"`
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
}

// ReplicateResponse is returned by POST /replicate.
type ReplicateResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
}

// MLSaveResponse is returned by POST /ml/save.
type MLSaveResponse struct {
	Status string  `json:"status"`
	Name   string  `json:"name"`
	SizeMB float64 `json:"size_mb"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Instance string       `json:"instance"`
	Peers    []string     `json:"peers"`
	Reports  []PeerStatus `json:"reports"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ToMB converts a byte count to the megabytes used on the wire.
func ToMB(size int64) float64 {
	return float64(size) / BytesPerMB
}
