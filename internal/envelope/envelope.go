// Package envelope defines the unit of queued work: a submitted message plus
// the delivery metadata the worker pool mutates across lease/ack/retry cycles.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an envelope.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// DefaultDomain is assigned when a submission carries no routing domain.
const DefaultDomain = "default"

// Envelope is created once by the gateway at enqueue time and thereafter
// mutated only by the worker that holds its lease.
type Envelope struct {
	MessageID         string `json:"message_id"`
	ClientID          string `json:"client_id"`
	SenderFingerprint string `json:"sender_fingerprint"`
	PayloadRef        string `json:"payload_ref"`
	Domain            string `json:"domain"`

	Status       Status `json:"status"`
	AttemptCount uint   `json:"attempt_count"`

	CreatedAt     time.Time `json:"created_at"`
	QueuedAt      time.Time `json:"queued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt   time.Time `json:"delivered_at,omitempty"`
}

// New builds a freshly queued envelope with a generated message id.
func New(clientID, senderFingerprint, payloadRef, domain string, now time.Time) *Envelope {
	if domain == "" {
		domain = DefaultDomain
	}
	return &Envelope{
		MessageID:         uuid.NewString(),
		ClientID:          clientID,
		SenderFingerprint: senderFingerprint,
		PayloadRef:        payloadRef,
		Domain:            domain,
		Status:            StatusQueued,
		AttemptCount:      0,
		CreatedAt:         now,
		QueuedAt:          now,
	}
}

// Terminal reports whether the envelope has reached a state after which no
// further transitions or delivery attempts occur.
func (e *Envelope) Terminal() bool {
	return e.Status == StatusDelivered || e.Status == StatusFailed
}

// validTransitions encodes the status machine:
// queued -> processing -> {delivered | queued | failed}.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusDelivered, StatusQueued, StatusFailed},
}

// Transition moves the envelope to next, rejecting anything the status
// machine does not allow. Terminal states never transition.
func (e *Envelope) Transition(next Status, now time.Time) error {
	for _, allowed := range validTransitions[e.Status] {
		if next == allowed {
			e.Status = next
			if next == StatusDelivered {
				e.DeliveredAt = now
			}
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s for message %s", e.Status, next, e.MessageID)
}

// RecordAttempt registers a failed delivery attempt. AttemptCount never
// decreases.
func (e *Envelope) RecordAttempt(now time.Time) {
	e.AttemptCount++
	e.LastAttemptAt = now
}

// HashSender produces the one-way sender fingerprint carried on the
// envelope. Deployments with an external hashing collaborator substitute its
// output; this core treats the value as opaque either way.
func HashSender(senderNumber string) string {
	sum := sha256.Sum256([]byte(senderNumber))
	return hex.EncodeToString(sum[:])
}
