package model

import "time"

// SyncSample is one round-trip measurement against the server.
type SyncSample struct {
	SendMs   float64 // local wall clock at dispatch
	ServerMs float64 // server wall clock reported in the response
	RecvMs   float64 // SendMs plus monotonic elapsed time
}

// ClockEstimate is the running state of the offset estimator.
type ClockEstimate struct {
	SmoothedRTTMs    float64
	SmoothedOffsetMs float64
	LastRawRTTMs     float64
	LastRawOffsetMs  float64
	DesyncMs         float64
	SampleCount      int
	RejectedCount    int
}

// RuntimeCounts is the scheduler state a server publishes with every poll.
type RuntimeCounts struct {
	SourceLabel        string
	WarningEnabled     bool
	WarningActiveCount int
	WarningPulseOn     bool
	WarningLeadTimeMs  int64
	WarningPulseTimeMs int64
	ArmedCount         int
	TriggeredCount     int
	UpdatedAt          time.Time
}

// TimeNetworkSnapshot is the client-visible view produced by one poll.
type TimeNetworkSnapshot struct {
	BaseURL         string
	Via             string
	Corrected       time.Time
	CorrectedUnixMs int64
	ISOTime         string
	Time12h         string
	DateText        string
	RTTMs           float64
	OffsetMs        float64
	DesyncMs        float64
	SampleCount     int
	RTTP95Ms        float64
	JitterMs        float64
	Runtime         RuntimeCounts
	PolledAt        time.Time
}

// DiscoveryResult is a resolved server address.
type DiscoveryResult struct {
	BaseURL string `json:"base_url"`
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Via     string `json:"via"`
	Service string `json:"service,omitempty"`
	Version int    `json:"version,omitempty"`
}

// CacheRecord is the single persisted discovery entry.
type CacheRecord struct {
	BaseURL  string    `yaml:"base_url" json:"base_url"`
	IP       string    `yaml:"ip" json:"ip"`
	Port     int       `yaml:"port" json:"port"`
	Via      string    `yaml:"via" json:"via"`
	LastSeen time.Time `yaml:"last_seen" json:"last_seen"`
}

// IsEmpty reports whether the record names no server at all.
func (r CacheRecord) IsEmpty() bool {
	return r.BaseURL == "" && r.IP == ""
}

// ScanStep reports the outcome of one discovery stage.
type ScanStep struct {
	Stage     string           `json:"stage"`
	Status    string           `json:"status"` // ok|fail|skipped
	ElapsedMs float64          `json:"elapsed_ms"`
	Message   string           `json:"message,omitempty"`
	Result    *DiscoveryResult `json:"result,omitempty"`
}

// ScanReport is the outcome of a discovery scan.
type ScanReport struct {
	Chosen *DiscoveryResult `json:"chosen,omitempty"`
	Steps  []ScanStep       `json:"steps"`
}

// WindowState is the lifecycle position of a warning window.
type WindowState int

const (
	Dormant WindowState = iota
	Armed
	Triggered
)

func (s WindowState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	default:
		return "dormant"
	}
}

// WarningWindow is a scheduled event owned by the scheduler.
type WarningWindow struct {
	ID              string
	StartAt         time.Time
	LeadTime        time.Duration
	PulseTime       time.Duration
	RingDuration    time.Duration
	Recurring       bool
	AutoAcknowledge bool
	State           WindowState
	ArmedAt         time.Time // zero while Dormant
	TriggeredAt     time.Time // zero until Triggered
}

// ArmAt is the instant the window enters its lead time.
func (w WarningWindow) ArmAt() time.Time {
	return w.StartAt.Add(-w.LeadTime)
}

// ClientSession is one connected client instance.
type ClientSession struct {
	ClientID    string
	InstanceID  string
	ConnectedAt time.Time
	RemoteAddr  string
	Metadata    map[string]string
}
