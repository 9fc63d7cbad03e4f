package models

import "strings"

// DeliveryStatus tracks a message along the local send/confirm path.
type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// deliveryRank orders the non-failed delivery states so a status refresh
// never walks a message backwards (a poll batch may lag a push event).
var deliveryRank = map[DeliveryStatus]int{
	DeliverySending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

// Advances reports whether moving from to s is a forward transition.
// DeliveryFailed is handled explicitly by the store, never by rank.
func (s DeliveryStatus) Advances(from DeliveryStatus) bool {
	return deliveryRank[s] > deliveryRank[from]
}

// ApprovalStatus is the moderation state of a message. Transitions only
// move pending -> approved or pending -> rejected; both ends are terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Sender is the denormalized author snapshot carried on every message.
type Sender struct {
	ID       string `json:"id"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// ReadReceipt records one participant having read the message.
type ReadReceipt struct {
	UserID string `json:"user_id"`
	ReadAt int64  `json:"read_at"`
}

type Message struct {
	ID       string `json:"id"`
	Thread   string `json:"thread_id"`
	SenderID string `json:"sender_id"`
	Sender   Sender `json:"sender"`
	Content  string `json:"content"`
	// TS is the creation timestamp (ns)
	TS       int64          `json:"ts"`
	Delivery DeliveryStatus `json:"delivery_status,omitempty"`
	Approval ApprovalStatus `json:"approval_status,omitempty"`
	// RejectionReason is present only when Approval is rejected
	RejectionReason string        `json:"rejection_reason,omitempty"`
	ReadBy          []ReadReceipt `json:"read_by,omitempty"`
	// ClientRef echoes the client temp id on server-confirmed messages so
	// the optimistic entry can be matched without the content heuristic.
	ClientRef string `json:"client_ref,omitempty"`
}

// TempIDPrefix marks client-assigned ids; server ids never carry it.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id was assigned locally at optimistic insert.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Confirmed reports whether the message carries a server-assigned id.
func (m *Message) Confirmed() bool { return m.ID != "" && !IsTempID(m.ID) }

// AuthorID returns the sender identity, preferring the flat field.
func (m *Message) AuthorID() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	return m.Sender.ID
}
