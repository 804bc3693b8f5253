package escrow

import "time"

// Status is the payment lifecycle as seen by the dispute engine. The full
// commerce flow lives with the host; only the states the engine touches
// are modeled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Payment mirrors the payments table.
type Payment struct {
	ID          string
	Payer       string
	Payee       string
	Amount      int64
	Description string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
