package queue

import "encoding/json"

// Job is the immutable record stored for a queued job (§3, Job record).
type Job struct {
	ID              string          `json:"id"`
	TeamID          string          `json:"teamId"`
	Data            json.RawMessage `json:"data"`
	Priority        int32           `json:"priority"`
	Listenable      bool            `json:"listenable"`
	CreatedAt       int64           `json:"createdAt"`
	TimesOutAt      *int64          `json:"timesOutAt,omitempty"`
	ListenChannelID *string         `json:"listenChannelId,omitempty"`
	CrawlID         *string         `json:"crawlId,omitempty"`
}

// crawlIndexValue is the value stored at a crawl-index entry (§3).
type crawlIndexValue struct {
	TeamID    string `json:"teamId"`
	Priority  int32  `json:"priority"`
	CreatedAt int64  `json:"createdAt"`
}

// ttlIndexValue is the value stored at a TTL-index entry (§3).
type ttlIndexValue struct {
	Priority  int32   `json:"priority"`
	CreatedAt int64   `json:"createdAt"`
	CrawlID   *string `json:"crawlId,omitempty"`
}

// claimValue is the value stored at a claim record (§3).
type claimValue struct {
	WorkerID    string `json:"workerId"`
	QueueKeyB64 string `json:"queueKey_b64"`
	ClaimedAt   int64  `json:"claimedAt"`
}

// ActiveJob describes one in-flight, claimed-not-yet-completed job as
// returned by GetActiveJobs / GetActiveCrawlJobs.
type ActiveJob struct {
	JobID     string
	ExpiresAt int64
}

// PushOptions carries the optional fields accepted by PushJob.
type PushOptions struct {
	Listenable      bool
	ListenChannelID *string
	TimeoutMillis   *int64
	CrawlID         *string
}
