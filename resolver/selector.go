package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/blake2b"
)

// ErrNoResolverAvailable means no eligible resolver exists for a draw.
var ErrNoResolverAvailable = errors.New("resolver: no resolver available")

// Candidate is one eligible resolver with its weight inputs snapshotted
// at draw time. Later stake or credibility changes do not affect a
// committee that has already been drawn.
type Candidate struct {
	Account     string
	Stake       int64
	Credibility int
}

// Weight scales stake by a monotonically increasing function of
// credibility. Credibility is bounded, so the product fits comfortably.
func (c Candidate) Weight() uint64 {
	return uint64(c.Stake) * uint64(1+c.Credibility)
}

// CommitteeSize returns the committee size for an escalation round:
// 3, 5, 7, ... Round 0 has no committee.
func CommitteeSize(roundIndex int) int {
	if roundIndex < 1 {
		return 0
	}
	return 2*roundIndex + 1
}

// Selector draws odd-sized, duplicate-free committees weighted by
// stake and credibility. The draw is deterministic: the same
// (payment, round, entropy) over the same registry snapshot always
// yields the same committee.
type Selector struct {
	repo    *Repository
	entropy []byte
}

func NewSelector(repo *Repository, entropy []byte) *Selector {
	return &Selector{repo: repo, entropy: entropy}
}

// Seed derives the ChaCha8 key for one committee draw.
func Seed(entropy []byte, paymentID string, roundIndex int) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(entropy)
	h.Write([]byte(paymentID))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(roundIndex))
	h.Write(idx[:])
	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

// Select draws the committee for roundIndex, excluding resolvers who
// served earlier rounds of the same dispute. If the eligible pool is
// smaller than the target size the committee shrinks to the largest
// feasible odd size; an empty pool fails with ErrNoResolverAvailable.
func (s *Selector) Select(ctx context.Context, tx pgx.Tx, paymentID string, roundIndex int, exclude []string) ([]Candidate, error) {
	candidates, err := s.repo.ActiveCandidates(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(exclude) > 0 {
		excluded := make(map[string]struct{}, len(exclude))
		for _, acc := range exclude {
			excluded[acc] = struct{}{}
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if _, skip := excluded[c.Account]; !skip {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	size := CommitteeSize(roundIndex)
	return Draw(Seed(s.entropy, paymentID, roundIndex), candidates, size)
}

// Draw performs weighted sampling without replacement over candidates,
// shrinking the committee to the largest odd feasible size when the pool
// is short. Candidates must arrive in a canonical order for the draw to
// be reproducible.
func Draw(seed [32]byte, candidates []Candidate, size int) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoResolverAvailable
	}
	if len(candidates) < size {
		size = len(candidates)
		if size%2 == 0 {
			size--
		}
	}
	if size < 1 {
		return nil, ErrNoResolverAvailable
	}

	rng := rand.New(rand.NewChaCha8(seed))
	pool := make([]Candidate, len(candidates))
	copy(pool, candidates)

	committee := make([]Candidate, 0, size)
	for len(committee) < size {
		var total uint64
		for _, c := range pool {
			total += c.Weight()
		}
		if total == 0 {
			// Degenerate weights; fall back to uniform.
			pick := int(rng.Uint64N(uint64(len(pool))))
			committee = append(committee, pool[pick])
			pool = append(pool[:pick], pool[pick+1:]...)
			continue
		}
		target := rng.Uint64N(total)
		var acc uint64
		for i, c := range pool {
			acc += c.Weight()
			if target < acc {
				committee = append(committee, c)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return committee, nil
}
