package dispute

import "time"

// Status is the dispute state machine. Issued collapses into Finalizing
// within the creating transaction; Finalized is terminal and the record
// becomes immutable audit trail.
type Status string

const (
	StatusIssued     Status = "issued"
	StatusFinalizing Status = "finalizing"
	StatusFought     Status = "fought"
	StatusEvaluating Status = "evaluating"
	StatusEscalated  Status = "escalated"
	StatusFinalized  Status = "finalized"
)

// Judgment is the outcome label a resolver submits.
type Judgment string

const (
	FavorPayer Judgment = "favor_payer"
	FavorPayee Judgment = "favor_payee"
)

// Dispute mirrors the disputes table. DefaultOutcome is the side that
// wins if the current window lapses in silence: the payer after issuing,
// the cumulative majority after a sealed round, the escalator after an
// escalation.
type Dispute struct {
	PaymentID      string
	Payer          string
	Payee          string
	Status         Status
	DefaultOutcome Judgment
	PayerDeposit   int64
	PayeeDeposit   int64
	PayerAccepted  bool
	PayeeAccepted  bool
	Deadline       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Winner resolves the outcome label to a party account.
func (d Dispute) Winner(outcome Judgment) string {
	if outcome == FavorPayee {
		return d.Payee
	}
	return d.Payer
}

// Loser is the counterparty of Winner.
func (d Dispute) Loser(outcome Judgment) string {
	if outcome == FavorPayee {
		return d.Payer
	}
	return d.Payee
}

// Round is one committee assignment. Rounds are append-only; sealing
// stops further judgments and folds the cumulative tally.
type Round struct {
	ID         int64
	PaymentID  string
	RoundIndex int
	Fee        int64
	Deadline   time.Time
	Sealed     bool
	Members    []Member
	CreatedAt  time.Time
}

// Member is one drawn resolver with its weight snapshot and, once
// submitted, its judgment.
type Member struct {
	Resolver string
	Weight   int64
	Judgment *Judgment
	VotedAt  *time.Time
}

// Voted reports whether every member has submitted a judgment.
func (r Round) Voted() bool {
	for _, m := range r.Members {
		if m.Judgment == nil {
			return false
		}
	}
	return true
}

// Tally is the cumulative vote count over every round of a dispute.
type Tally struct {
	FavorPayer int
	FavorPayee int
}

// Outcome applies the majority rule; a cross-round tie goes to the payer.
func (t Tally) Outcome() Judgment {
	if t.FavorPayee > t.FavorPayer {
		return FavorPayee
	}
	return FavorPayer
}
