package models

// ThreadType distinguishes two-party from N-party conversations.
type ThreadType string

const (
	ThreadDirect ThreadType = "direct"
	ThreadGroup  ThreadType = "group"
)

// Participant is one member of a thread's fixed participant set.
type Participant struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type Thread struct {
	ID           string        `json:"id"`
	Type         ThreadType    `json:"thread_type,omitempty"`
	Title        string        `json:"title,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - max TS of any message ever accepted into the thread
	UpdatedTS int64 `json:"updated_ts,omitempty"`
	// LastMessage is the summary preview carried on thread listings
	LastMessage *Message `json:"last_message,omitempty"`
}

// Recency is the ordering key for thread listings: the newest of the last
// message timestamp, the update timestamp and the creation timestamp.
func (t *Thread) Recency() int64 {
	r := t.CreatedTS
	if t.UpdatedTS > r {
		r = t.UpdatedTS
	}
	if t.LastMessage != nil && t.LastMessage.TS > r {
		r = t.LastMessage.TS
	}
	return r
}
