package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: layer 7: capacity exceeded
	Error string `json:"error" example:"layer 7: capacity exceeded"`
	// HTTP status code.
	// example: 409
	Code int `json:"code" example:"409"`
}

// CacheStats is a read-only snapshot of a layer cache.
type CacheStats struct {
	// Number of layers in the opened image.
	// example: 32
	LayerCount uint32 `json:"layer_count" example:"32"`
	// Number of layers currently resident.
	// example: 6
	Resident int `json:"resident" example:"6"`
	// Bytes charged to resident entries.
	// example: 25165824
	UsedBytes uint64 `json:"used_bytes" example:"25165824"`
	// Configured cache capacity in bytes.
	// example: 268435456
	CapacityBytes uint64 `json:"capacity_bytes" example:"268435456"`
	// Foreground lookups served from memory.
	// example: 1200
	Hits uint64 `json:"hits" example:"1200"`
	// Foreground lookups that required a read from the image.
	// example: 64
	Misses uint64 `json:"misses" example:"64"`
	// Entries dropped to make room for other layers.
	// example: 12
	Evictions uint64 `json:"evictions" example:"12"`
	// Layers loaded by the prefetch path.
	// example: 8
	Prefetched uint64 `json:"prefetched" example:"8"`
	// Bytes read from the image in total.
	// example: 50331648
	BytesRead uint64 `json:"bytes_read" example:"50331648"`
	// True when the image is memory mapped.
	// example: true
	Mapped bool `json:"mapped" example:"true"`
}

// LoaderStats is a read-only snapshot of a progressive loader.
type LoaderStats struct {
	// Number of layers in state loaded.
	// example: 4
	Loaded int `json:"loaded" example:"4"`
	// Bytes accounted to loaded layers (aligned).
	// example: 16777216
	UsedBytes uint64 `json:"used_bytes" example:"16777216"`
	// Memory budget in bytes.
	// example: 1073741824
	BudgetBytes uint64 `json:"budget_bytes" example:"1073741824"`
	// Highest UsedBytes since open or the last reset.
	// example: 25165824
	PeakBytes uint64 `json:"peak_bytes" example:"25165824"`
	// Successful layer loads.
	// example: 40
	Loads uint64 `json:"loads" example:"40"`
	// Layer unloads, explicit or budget driven.
	// example: 36
	Unloads uint64 `json:"unloads" example:"36"`
	// Failed layer loads.
	// example: 0
	LoadFailures uint64 `json:"load_failures" example:"0"`
	// Prefetch requests issued.
	// example: 18
	Prefetches uint64 `json:"prefetches" example:"18"`
	// Mean load time over all layer loads, in milliseconds.
	// example: 1.5
	AvgLoadTimeMs float64 `json:"avg_load_time_ms" example:"1.5"`
	// Current usage pattern classification.
	// example: sequential
	Pattern string `json:"pattern" example:"sequential"`
	// Active eviction strategy.
	// example: lru
	Strategy string `json:"strategy" example:"lru"`
}

// SchedulerStats is a read-only snapshot of an execution scheduler.
type SchedulerStats struct {
	// Nodes in the execution graph.
	// example: 12
	Nodes int `json:"nodes" example:"12"`
	// Nodes executed in the current pass.
	// example: 12
	Executed int `json:"executed" example:"12"`
	// Forward invocations including recomputations.
	// example: 14
	Executions uint64 `json:"executions" example:"14"`
	// Checkpoints saved.
	// example: 3
	Checkpoints uint64 `json:"checkpoints" example:"3"`
	// Inputs restored from a checkpoint.
	// example: 1
	Restores uint64 `json:"restores" example:"1"`
	// Nodes recomputed because their output was no longer available.
	// example: 2
	Recomputations uint64 `json:"recomputations" example:"2"`
	// Nodes that wrote their output over their input buffer.
	// example: 4
	InPlace uint64 `json:"in_place" example:"4"`
	// Estimated peak activation bytes from the last prepare.
	// example: 8388608
	EstimatedPeakBytes uint64 `json:"estimated_peak_bytes" example:"8388608"`
	// Observed peak activation bytes during execution.
	// example: 6291456
	PeakBytes uint64 `json:"peak_bytes" example:"6291456"`
	// Activation bytes currently live.
	// example: 2097152
	LiveBytes uint64 `json:"live_bytes" example:"2097152"`
	// Checkpoint policy in effect after prepare.
	// example: selective
	Policy string `json:"policy" example:"selective"`
	// Total time spent in forward callbacks, in milliseconds.
	// example: 42.5
	ForwardMillis float64 `json:"forward_ms" example:"42.5"`
}

// SessionStatus describes one opened model session.
type SessionStatus struct {
	// Session identifier.
	// example: 5f0c6a8e-2f4e-4b53-9d4c-0e1f5d3a9b21
	ID string `json:"id" example:"5f0c6a8e-2f4e-4b53-9d4c-0e1f5d3a9b21"`
	// Path of the opened image.
	// example: /home/user/models/tiny-q4.tmai
	Path string `json:"path" example:"/home/user/models/tiny-q4.tmai"`
	// Model name from the image header.
	// example: tiny-q4
	Model string `json:"model" example:"tiny-q4"`
	// Current session state (open, closed).
	// example: open
	State string `json:"state" example:"open"`
	Cache  CacheStats  `json:"cache"`
	Loader LoaderStats `json:"loader"`
	// Schedulers created from this session.
	Schedulers []SchedulerStats `json:"schedulers,omitempty"`
	// Last error observed by the session (if any).
	LastError string `json:"last_error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Sessions []SessionStatus `json:"sessions"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
