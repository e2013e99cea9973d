package models

import "time"

type ReasonCode string

const (
	ReasonHighRequests ReasonCode = "high_requests"
	ReasonAdminAccess  ReasonCode = "admin_access"
	ReasonLoginAccess  ReasonCode = "login_access"
	ReasonPatternMatch ReasonCode = "pattern_match"
	ReasonOther        ReasonCode = "other"
)

// ParseReasonCode maps free text to a known reason code, defaulting to pattern_match.
func ParseReasonCode(s string) ReasonCode {
	switch ReasonCode(s) {
	case ReasonHighRequests, ReasonAdminAccess, ReasonLoginAccess, ReasonPatternMatch, ReasonOther:
		return ReasonCode(s)
	}
	return ReasonPatternMatch
}

type GeoResult struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

var (
	GeoLocal   = GeoResult{Country: "Local", City: "Local"}
	GeoUnknown = GeoResult{Country: "Unknown", City: "Unknown"}
)

type RequestLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	IP        string    `json:"ip_address" db:"ip"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Path      string    `json:"path" db:"path"`
	Country   string    `json:"country" db:"country"`
	City      string    `json:"city" db:"city"`
}

// IPCount is one row of a grouped request count.
type IPCount struct {
	IP    string `db:"ip"`
	Count int    `db:"count"`
}

// PathHit is the number of requests one IP made to one path.
type PathHit struct {
	IP    string `db:"ip"`
	Path  string `db:"path"`
	Count int    `db:"count"`
}

type BlockedIP struct {
	IP        string    `json:"ip_address" db:"ip"`
	BlockedAt time.Time `json:"blocked_at" db:"blocked_at"`
	Reason    string    `json:"reason" db:"reason"`
}

type SuspiciousIP struct {
	ID             int64                  `json:"id" db:"id"`
	IP             string                 `json:"ip_address" db:"ip"`
	Reason         ReasonCode             `json:"reason" db:"reason"`
	DetectedAt     time.Time              `json:"detected_at" db:"detected_at"`
	RequestCount   int                    `json:"request_count" db:"request_count"`
	IsInvestigated bool                   `json:"is_investigated" db:"is_investigated"`
	Details        map[string]interface{} `json:"details" db:"-"`
}

// SuspiciousFilter narrows ListSuspicious. Nil/empty fields are ignored.
type SuspiciousFilter struct {
	IP           string
	Reason       ReasonCode
	Investigated *bool
	Limit        int
}

type AuditLog struct {
	ID        int       `json:"id" db:"id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Target    string    `json:"target" db:"target"`
	Reason    string    `json:"reason" db:"reason"`
}

type AdminAccount struct {
	Username     string `json:"username" db:"username"`
	PasswordHash string `json:"-" db:"password_hash"`
	Role         string `json:"role" db:"role"`
}

type APIToken struct {
	ID        int        `json:"id" db:"id"`
	TokenHash string     `json:"-" db:"token_hash"` // SHA256 sum of the raw token
	Name      string     `json:"name" db:"name"`
	Username  string     `json:"username" db:"username"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	LastUsed  *time.Time `json:"last_used" db:"last_used"`
}

// Event is published on the events channel and relayed to websocket clients.
type Event struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data"`
}

// SweepReport summarises one anomaly sweep execution.
type SweepReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	Inserted   int           `json:"inserted"`
	Suppressed int           `json:"suppressed"`
	Excluded   int           `json:"excluded"`
}
