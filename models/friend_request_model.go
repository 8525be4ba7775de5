package models

import "time"

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

type FriendRequest struct {
	ID         string        `json:"id" bson:"_id"`
	Sender     string        `json:"sender" bson:"sender"`
	Receiver   string        `json:"receiver" bson:"receiver"`
	Pair       string        `json:"-" bson:"pair"`
	Status     RequestStatus `json:"status" bson:"status"`
	CreatedAt  time.Time     `json:"created_at" bson:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// PairKey identifies the unordered pair {a, b}.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
