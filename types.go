package growlog

import (
	"encoding/json"
	"net/http"
	"time"
)

// ============================================================================
// Request / Response
// ============================================================================

// Response is the result of a successful client operation.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Headers    http.Header
	// FromCache marks a response served from the request cache without a
	// network round-trip.
	FromCache bool
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return wrapError(KindParsing, err, "failed to decode response body")
	}
	return nil
}

// ProgressFunc reports transfer progress as (done, total) bytes. Total is -1
// when the size is unknown.
type ProgressFunc func(done, total int64)

// RequestOptions are per-call options on every verb method.
type RequestOptions struct {
	// Query parameters appended to the request URL.
	Query map[string]string
	// Headers merged over the client defaults for this call only.
	Headers map[string]string
	// ForceRefresh bypasses the cache lookup for a GET but still writes the
	// fresh response through on success.
	ForceRefresh bool
	// CacheTTL overrides the client's default TTL for this response.
	CacheTTL time.Duration
	// OnProgress receives transfer progress for uploads and downloads.
	OnProgress ProgressFunc
}

func (o *RequestOptions) query() map[string]string {
	if o == nil {
		return nil
	}
	return o.Query
}

func (o *RequestOptions) forceRefresh() bool {
	return o != nil && o.ForceRefresh
}

// BatchRequest is one entry of a Batch call.
type BatchRequest struct {
	Method  string
	Path    string
	Body    interface{}
	Options *RequestOptions
}

// ============================================================================
// API envelope
// ============================================================================

// APIError is the error object embedded in service responses.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic service response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Types
// ============================================================================

// Plant is a monitored plant.
type Plant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Strain    string         `json:"strain,omitempty"`
	Stage     string         `json:"stage"`
	RoomID    string         `json:"roomId,omitempty"`
	PlantedAt string         `json:"plantedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
}

// CreatePlantOptions is the payload for registering a plant.
type CreatePlantOptions struct {
	Name     string         `json:"name"`
	Strain   string         `json:"strain,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	RoomID   string         `json:"roomId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SensorReading is one measurement from a room sensor.
type SensorReading struct {
	ID         string  `json:"id"`
	SensorID   string  `json:"sensorId"`
	RoomID     string  `json:"roomId,omitempty"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	RecordedAt string  `json:"recordedAt"`
}

// ReadingsQuery filters a sensor readings listing.
type ReadingsQuery struct {
	RoomID string
	Metric string
	Since  string
	Limit  int
}

// Harvest is a recorded harvest event.
type Harvest struct {
	ID          string  `json:"id"`
	PlantID     string  `json:"plantId"`
	WetWeightG  float64 `json:"wetWeightG"`
	DryWeightG  float64 `json:"dryWeightG,omitempty"`
	HarvestedAt string  `json:"harvestedAt"`
	Notes       string  `json:"notes,omitempty"`
}

// RecordHarvestOptions is the payload for logging a harvest.
type RecordHarvestOptions struct {
	PlantID     string  `json:"plantId"`
	WetWeightG  float64 `json:"wetWeightG"`
	DryWeightG  float64 `json:"dryWeightG,omitempty"`
	HarvestedAt string  `json:"harvestedAt,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Alert is a threshold alert raised by the service.
type Alert struct {
	ID        string  `json:"id"`
	RoomID    string  `json:"roomId,omitempty"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message,omitempty"`
	RaisedAt  string  `json:"raisedAt"`
}
