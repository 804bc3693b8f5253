package resolver

import "time"

// Status is the resolver lifecycle. A resolver below the activation stake
// stays in candidacy; only active resolvers are eligible for selection;
// terminated resolvers never come back (rejoin requires a fresh account).
type Status string

const (
	StatusCandidacy  Status = "candidacy"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Resolver mirrors the resolvers table. DelegatedStake includes amounts
// pending undelegation: weight keeps counting them until the lock
// elapses, so stake cannot be pulled right before a draw.
type Resolver struct {
	Account        string
	Application    string
	Status         Status
	SelfStake      int64
	DelegatedStake int64
	Credibility    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TotalStake is the selection weight base.
func (r Resolver) TotalStake() int64 { return r.SelfStake + r.DelegatedStake }

// Delegation mirrors the delegations table; one row per
// (delegator, resolver) pair, merged on repeat delegations.
type Delegation struct {
	Delegator string
	Resolver  string
	Amount    int64
	UpdatedAt time.Time
}

// PendingRelease is stake waiting out the undelegation/resignation lock.
// Resolver is set while the amount still counts toward that resolver's
// weight and must be deducted at release time.
type PendingRelease struct {
	ID        int64
	Owner     string
	Resolver  *string
	Amount    int64
	ReleaseAt time.Time
	Released  bool
}

// Policy carries the registry's configured thresholds.
type Policy struct {
	MinSelfStake       int64
	ActivationStake    int64
	UndelegateLock     time.Duration
	InitialCredibility int
	CredibilityCeiling int
	CredibilityFloor   int
}
