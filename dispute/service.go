package dispute

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/blake2b"

	"disputeflow/applog"
	"disputeflow/clock"
	"disputeflow/escrow"
	"disputeflow/outbox"
	"disputeflow/resolver"
	"disputeflow/token"
)

var (
	// ErrNotAuthorized means the caller is not the required party or resolver.
	ErrNotAuthorized = errors.New("dispute: not authorized")
	// ErrInvalidState means the operation is not legal from the current state.
	ErrInvalidState = errors.New("dispute: invalid state for operation")
	// ErrInsufficientDeposit means the deposit is below the round fee.
	ErrInsufficientDeposit = errors.New("dispute: deposit below round fee")
	// ErrAlreadyVoted means the resolver already judged this round.
	ErrAlreadyVoted = errors.New("dispute: already voted")
	// ErrDeadlineExpired means the operation arrived after its window lapsed.
	ErrDeadlineExpired = errors.New("dispute: deadline expired")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the dispute ledger and the engine's operation surface for
// payer, payee and resolvers. Every operation is one transaction:
// validation precedes all writes, and a failing operation leaves every
// entity untouched.
type Service struct {
	pool      TxBeginner
	repo      *Repository
	escrow    *escrow.Service
	tokens    *token.Repository
	resolvers *resolver.Repository
	selector  *resolver.Selector
	clock     clock.Clock
	policy    Policy
	registry  resolver.Policy
	log       *applog.Logger
}

func NewService(
	pool TxBeginner,
	repo *Repository,
	escrowSvc *escrow.Service,
	tokens *token.Repository,
	resolvers *resolver.Repository,
	selector *resolver.Selector,
	clk clock.Clock,
	policy Policy,
	registry resolver.Policy,
	log *applog.Logger,
) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		escrow:    escrowSvc,
		tokens:    tokens,
		resolvers: resolvers,
		selector:  selector,
		clock:     clk,
		policy:    policy,
		registry:  registry,
		log:       log,
	}
}

// Create issues a dispute against a payment. Only the payer may issue;
// the deposit must cover the round-0 fee and is locked immediately. The
// payee gets a response window; silence finalizes in the payer's favor.
func (s *Service) Create(ctx context.Context, payer, paymentID string, evidence []byte, deposit int64) (Dispute, error) {
	if deposit < s.policy.Fee(0) {
		return Dispute{}, ErrInsufficientDeposit
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.escrow.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Dispute{}, err
	}
	if p.Payer != payer {
		return Dispute{}, ErrNotAuthorized
	}
	if !p.CanDispute() {
		return Dispute{}, ErrInvalidState
	}

	if err := s.tokens.Reserve(ctx, tx, payer, deposit); err != nil {
		return Dispute{}, err
	}
	if err := s.escrow.MarkDisputed(ctx, tx, paymentID); err != nil {
		return Dispute{}, err
	}

	now := s.clock.Now()
	d := Dispute{
		PaymentID:      paymentID,
		Payer:          p.Payer,
		Payee:          p.Payee,
		Status:         StatusIssued,
		DefaultOutcome: FavorPayer,
		PayerDeposit:   deposit,
		Deadline:       now.Add(s.policy.ResponseWindow),
	}
	if err := s.repo.Insert(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	// Issuing immediately opens the response window.
	if err := s.repo.Advance(ctx, tx, paymentID, StatusFinalizing, FavorPayer, d.Deadline); err != nil {
		return Dispute{}, err
	}
	d.Status = StatusFinalizing

	if len(evidence) > 0 {
		if err := s.repo.AddEvidence(ctx, tx, paymentID, payer, evidenceDigest(evidence)); err != nil {
			return Dispute{}, err
		}
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicDisputeIssued, map[string]any{
		"payment_id": paymentID,
		"payer":      p.Payer,
		"payee":      p.Payee,
		"deposit":    deposit,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	s.log.Info("dispute issued", "payment_id", paymentID, "payer", payer)
	return d, nil
}

// Fight lets the aggrieved party contest the pending default outcome with
// counter-evidence and a matching deposit. A committee is drawn
// immediately and the dispute moves to evaluation.
func (s *Service) Fight(ctx context.Context, caller, paymentID string, evidence []byte, deposit int64) (Round, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Round{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Round{}, err
	}
	if caller != d.Loser(d.DefaultOutcome) {
		return Round{}, ErrNotAuthorized
	}

	current, hasRound, err := s.repo.CurrentRound(ctx, tx, paymentID)
	if err != nil {
		return Round{}, err
	}
	switch d.Status {
	case StatusFinalizing:
		// Round 0: only the payee's initial fight; later rounds go
		// through escalation.
		if hasRound {
			return Round{}, ErrInvalidState
		}
	case StatusEscalated:
	default:
		return Round{}, ErrInvalidState
	}

	now := s.clock.Now()
	if !now.Before(d.Deadline) {
		return Round{}, ErrDeadlineExpired
	}

	nextIndex := 1
	if hasRound {
		nextIndex = current.RoundIndex + 1
	}
	fee := s.policy.Fee(nextIndex)
	if deposit < fee {
		return Round{}, ErrInsufficientDeposit
	}

	if err := s.tokens.Reserve(ctx, tx, caller, deposit); err != nil {
		return Round{}, err
	}
	if err := s.repo.AddDeposit(ctx, tx, paymentID, caller, deposit, caller == d.Payer); err != nil {
		return Round{}, err
	}
	if len(evidence) > 0 {
		if err := s.repo.AddEvidence(ctx, tx, paymentID, caller, evidenceDigest(evidence)); err != nil {
			return Round{}, err
		}
	}

	exclude, err := s.priorCommittees(ctx, tx, paymentID)
	if err != nil {
		return Round{}, err
	}
	committee, err := s.selector.Select(ctx, tx, paymentID, nextIndex, exclude)
	if err != nil {
		return Round{}, err
	}

	// Entering fought draws the committee at once, so the dispute lands
	// in evaluating within the same transaction.
	if err := s.repo.Advance(ctx, tx, paymentID, StatusFought, d.DefaultOutcome, d.Deadline); err != nil {
		return Round{}, err
	}
	roundDeadline := now.Add(s.policy.JudgmentWindow)
	round, err := s.repo.InsertRound(ctx, tx, paymentID, nextIndex, fee, roundDeadline, committee)
	if err != nil {
		return Round{}, err
	}
	if err := s.repo.Advance(ctx, tx, paymentID, StatusEvaluating, d.DefaultOutcome, roundDeadline); err != nil {
		return Round{}, err
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicDisputeFought, map[string]any{
		"payment_id":  paymentID,
		"fought_by":   caller,
		"round_index": nextIndex,
		"committee":   len(committee),
		"fee":         fee,
	}); err != nil {
		return Round{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Round{}, fmt.Errorf("dispute: commit fight: %w", err)
	}
	s.log.Info("dispute fought", "payment_id", paymentID, "round", nextIndex, "committee", len(committee))
	return round, nil
}

// Propose records a committee member's judgment. Once the committee is
// fully polled the round seals and the cumulative majority becomes the
// proposed outcome, reopening the acceptance window.
func (s *Service) Propose(ctx context.Context, resolverAccount, paymentID string, judgment Judgment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if d.Status != StatusEvaluating {
		return ErrInvalidState
	}

	round, ok, err := s.repo.CurrentRound(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if !ok || round.Sealed {
		return ErrInvalidState
	}
	if !s.clock.Now().Before(round.Deadline) {
		return ErrDeadlineExpired
	}

	seat := -1
	for i, m := range round.Members {
		if m.Resolver == resolverAccount {
			seat = i
			break
		}
	}
	if seat < 0 {
		return ErrNotAuthorized
	}
	if round.Members[seat].Judgment != nil {
		return ErrAlreadyVoted
	}

	if err := s.repo.RecordJudgment(ctx, tx, round.ID, resolverAccount, judgment); err != nil {
		return err
	}
	round.Members[seat].Judgment = &judgment

	if err := outbox.Enqueue(ctx, tx, outbox.TopicOutcomeProposed, map[string]any{
		"payment_id": paymentID,
		"resolver":   resolverAccount,
		"judgment":   string(judgment),
	}); err != nil {
		return err
	}

	// Seal once the committee is fully polled.
	if round.Voted() {
		if err := s.sealRound(ctx, tx, paymentID, round.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit propose: %w", err)
	}
	return nil
}

// Accept records a party's acceptance of the proposed outcome; once both
// sides accept, the dispute settles without waiting out the window. After
// the window lapses acceptance is moot and the sweep settles instead.
func (s *Service) Accept(ctx context.Context, party, paymentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if party != d.Payer && party != d.Payee {
		return ErrNotAuthorized
	}
	if d.Status != StatusFinalizing {
		return ErrInvalidState
	}
	if !s.clock.Now().Before(d.Deadline) {
		return ErrDeadlineExpired
	}
	if _, hasRound, err := s.repo.CurrentRound(ctx, tx, paymentID); err != nil {
		return err
	} else if !hasRound {
		// Before any judgment round there is nothing to accept; the payee
		// either fights or lets the window lapse.
		return ErrInvalidState
	}

	if err := s.repo.SetAccepted(ctx, tx, paymentID, party == d.Payer); err != nil {
		return err
	}

	bothAccepted := (party == d.Payer && d.PayeeAccepted) || (party == d.Payee && d.PayerAccepted)
	if bothAccepted {
		if err := s.finalizeLocked(ctx, tx, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit accept: %w", err)
	}
	return nil
}

// Escalate rejects the proposed outcome, deposits the next (larger)
// round's fee, and reopens the evidence window with the escalator's side
// as the new default.
func (s *Service) Escalate(ctx context.Context, party, paymentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if party != d.Payer && party != d.Payee {
		return ErrNotAuthorized
	}
	if d.Status != StatusFinalizing {
		return ErrInvalidState
	}
	now := s.clock.Now()
	if !now.Before(d.Deadline) {
		return ErrDeadlineExpired
	}

	current, hasRound, err := s.repo.CurrentRound(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if !hasRound {
		return ErrInvalidState
	}

	nextIndex := current.RoundIndex + 1
	fee := s.policy.Fee(nextIndex)
	if err := s.tokens.Reserve(ctx, tx, party, fee); err != nil {
		return err
	}
	if err := s.repo.AddDeposit(ctx, tx, paymentID, party, fee, party == d.Payer); err != nil {
		return err
	}

	outcome := FavorPayee
	if party == d.Payer {
		outcome = FavorPayer
	}
	if err := s.repo.Advance(ctx, tx, paymentID, StatusEscalated, outcome, now.Add(s.policy.ResponseWindow)); err != nil {
		return err
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicDisputeEscalated, map[string]any{
		"payment_id":   paymentID,
		"escalated_by": party,
		"next_round":   nextIndex,
		"fee":          fee,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit escalate: %w", err)
	}
	s.log.Info("dispute escalated", "payment_id", paymentID, "by", party, "next_round", nextIndex)
	return nil
}

// Get exposes dispute lookup.
func (s *Service) Get(ctx context.Context, paymentID string) (Dispute, error) {
	return s.repo.Get(ctx, paymentID)
}

// sealRound closes the round and republishes the cumulative majority as
// the proposed outcome, reopening the acceptance window.
func (s *Service) sealRound(ctx context.Context, tx pgx.Tx, paymentID string, roundID int64) error {
	if err := s.repo.SealRound(ctx, tx, roundID); err != nil {
		return err
	}
	tally, err := s.repo.CumulativeTally(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	deadline := s.clock.Now().Add(s.policy.AcceptWindow)
	return s.repo.Advance(ctx, tx, paymentID, StatusFinalizing, tally.Outcome(), deadline)
}

func (s *Service) priorCommittees(ctx context.Context, tx pgx.Tx, paymentID string) ([]string, error) {
	members, err := s.repo.ServingResolvers(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(members))
	for _, m := range members {
		accounts = append(accounts, m.Resolver)
	}
	return accounts, nil
}

func evidenceDigest(evidence []byte) string {
	sum := blake2b.Sum256(evidence)
	return hex.EncodeToString(sum[:])
}
