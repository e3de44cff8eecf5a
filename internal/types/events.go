package types

import "time"

// Verdict is the classified outcome of a single DetectionSignal.
type Verdict struct {
	Detected        bool      `json:"detected"`
	Method          Method    `json:"method"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	Description     string    `json:"description"`
	EvidenceSummary []string  `json:"evidenceSummary,omitempty"`
	Frequency       int       `json:"frequency"`

	// Details holds method-specific extras forwarded into TrackingEvent.
	Details map[string]interface{} `json:"details,omitempty"`
}

// TrackingEvent is the unit relayed to the Event Store. One event exists per
// positive verdict and it is never mutated after creation.
type TrackingEvent struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	PageURL     string                 `json:"pageUrl"`
	Domain      string                 `json:"domain"`
	Method      Method                 `json:"method"`
	RiskLevel   RiskLevel              `json:"riskLevel"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Message types understood by the Event Store.
const (
	MessageTrackingEvent = "tracking-event"
	MessagePing          = "ping"
)

// Message is one request over the host message-passing primitive.
type Message struct {
	Type      string         `json:"type"`
	Payload   *TrackingEvent `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Response is the Event Store's reply to every Message.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PageSummary is the Event Store's rollup for one page.
type PageSummary struct {
	PageURL       string               `json:"pageUrl"`
	Domain        string               `json:"domain"`
	Site          string               `json:"site,omitempty"`
	EventCount    int64                `json:"eventCount"`
	FirstSeen     time.Time            `json:"firstSeen"`
	LastSeen      time.Time            `json:"lastSeen"`
	Methods       map[Method]RiskLevel `json:"methods"`
	AggregateRisk RiskLevel            `json:"aggregateRisk"`
}
