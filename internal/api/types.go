package api

// Runtime is the scheduler state block of GET /v1/state.
type Runtime struct {
	ISOLocal           string `json:"iso_local"`
	Hour               int    `json:"hour"`
	Minute             int    `json:"minute"`
	Second             int    `json:"second"`
	SourceLabel        string `json:"source_label"`
	WarningEnabled     bool   `json:"warning_enabled"`
	WarningActiveCount int    `json:"warning_active_count"`
	WarningPulseOn     bool   `json:"warning_pulse_on"`
	WarningLeadTimeMs  int64  `json:"warning_lead_time_ms"`
	WarningPulseTimeMs int64  `json:"warning_pulse_time_ms"`
	ArmedCount         int    `json:"armed_count"`
	TriggeredCount     int    `json:"triggered_count"`
	UpdatedUnixMs      int64  `json:"updated_unix_ms"`
}

// StateResponse is returned by GET /v1/state.
//
// Offset estimation reads only ServerTimeUnixMs and assumes it was stamped at
// the midpoint of the round trip. RequestReceivedUnixMs, ResponseSendUnixMs and
// ServerProcessingMs are informational and clients ignore them.
type StateResponse struct {
	Runtime               Runtime `json:"runtime"`
	ServerTimeUnixMs      float64 `json:"server_time_unix_ms"`
	RequestReceivedUnixMs float64 `json:"request_received_unix_ms"`
	ResponseSendUnixMs    float64 `json:"response_send_unix_ms"`
	ServerProcessingMs    float64 `json:"server_processing_ms"`
	ClientsConnected      int     `json:"clients_connected"`
}

// ConnectRequest is sent to POST /v1/clients/connect.
type ConnectRequest struct {
	ClientID   string            `json:"client_id"`
	InstanceID string            `json:"instance_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ConnectResponse is returned by POST /v1/clients/connect.
type ConnectResponse struct {
	ClientID          string `json:"client_id"`
	InstanceID        string `json:"instance_id"`
	ConnectedAtUnixMs int64  `json:"connected_at_unix_ms"`
}

// DisconnectRequest is sent to POST /v1/clients/disconnect.
type DisconnectRequest struct {
	ClientID   string `json:"client_id"`
	InstanceID string `json:"instance_id"`
}

// DisconnectResponse is returned by POST /v1/clients/disconnect.
type DisconnectResponse struct {
	Disconnected bool `json:"disconnected"`
}

// ClientInfo describes one connected session.
type ClientInfo struct {
	ClientID          string            `json:"client_id"`
	InstanceID        string            `json:"instance_id"`
	ConnectedAtUnixMs int64             `json:"connected_at_unix_ms"`
	ConnectedForMs    int64             `json:"connected_for_ms"`
	RemoteAddr        string            `json:"remote_addr,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// ClientsResponse is returned by GET /v1/clients.
type ClientsResponse struct {
	Count   int          `json:"count"`
	Clients []ClientInfo `json:"clients"`
}

// AlarmInfo describes one scheduled warning window.
type AlarmInfo struct {
	ID                string `json:"id"`
	State             string `json:"state"`
	StartAtUnixMs     int64  `json:"start_at_unix_ms"`
	LeadTimeMs        int64  `json:"lead_time_ms"`
	PulseTimeMs       int64  `json:"pulse_time_ms"`
	RingDurationMs    int64  `json:"ring_duration_ms"`
	Recurring         bool   `json:"recurring"`
	AutoAcknowledge   bool   `json:"auto_acknowledge"`
	ArmedAtUnixMs     int64  `json:"armed_at_unix_ms,omitempty"`
	TriggeredAtUnixMs int64  `json:"triggered_at_unix_ms,omitempty"`
}

// AlarmsResponse is returned by GET /v1/alarms.
type AlarmsResponse struct {
	Count  int         `json:"count"`
	Alarms []AlarmInfo `json:"alarms"`
}

// AcknowledgeRequest is sent to POST /v1/alarms/acknowledge.
type AcknowledgeRequest struct {
	ID string `json:"id"`
}

// AcknowledgeResponse is returned by POST /v1/alarms/acknowledge.
type AcknowledgeResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// IndexResponse is returned by GET /v1.
type IndexResponse struct {
	Service   string   `json:"service"`
	Version   int      `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// DiscoveryReply is the JSON body a server sends back to a UDP discovery probe.
type DiscoveryReply struct {
	Service          string `json:"service"`
	Version          int    `json:"version"`
	APIPort          int    `json:"api_port"`
	BaseURL          string `json:"base_url,omitempty"`
	ServerTimeUnixMs int64  `json:"server_time_unix_ms"`
}
