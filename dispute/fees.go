package dispute

import (
	"time"

	"disputeflow/resolver"
)

// Policy carries the fee schedule and window parameters. Coefficients are
// config-driven; the structure guarantees fees strictly increase with the
// round index and committee size.
type Policy struct {
	FeeBase        int64
	FeePerResolver int64
	ResponseWindow time.Duration
	AcceptWindow   time.Duration
	JudgmentWindow time.Duration
	// SinkAccount absorbs integer-division remainders from fee splits so
	// settlements balance to zero.
	SinkAccount string
}

// Fee returns the deposit required to enter roundIndex. Round 0 is the
// initial dispute with no committee; every later round prices in its
// committee.
func (p Policy) Fee(roundIndex int) int64 {
	return p.FeeBase + p.FeePerResolver*int64(resolver.CommitteeSize(roundIndex))
}
