package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/resolver"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrDuplicate = errors.New("dispute: already exists for payment")
	ErrNotMember = errors.New("dispute: not a committee member")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the dispute without locking.
func (r *Repository) Get(ctx context.Context, paymentID string) (Dispute, error) {
	return scanDispute(r.pool.QueryRow(ctx, selectDispute+` WHERE payment_id = $1`, paymentID))
}

// GetForUpdate locks the dispute row; every operation on one dispute
// serializes behind this lock.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Dispute, error) {
	return scanDispute(tx.QueryRow(ctx, selectDispute+` WHERE payment_id = $1 FOR UPDATE`, paymentID))
}

const selectDispute = `
	SELECT payment_id, payer, payee, status::text, default_outcome::text,
	       payer_deposit, payee_deposit, payer_accepted, payee_accepted,
	       deadline, created_at, updated_at
	FROM disputes
`

// Insert records a freshly issued dispute. The primary key enforces the
// one-live-dispute-per-payment invariant.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const q = `
		INSERT INTO disputes (payment_id, payer, payee, status, default_outcome,
		                      payer_deposit, payee_deposit, deadline)
		VALUES ($1, $2, $3, $4::dispute_status, $5::judgment, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, q, d.PaymentID, d.Payer, d.Payee, string(d.Status), string(d.DefaultOutcome),
		d.PayerDeposit, d.PayeeDeposit, d.Deadline)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

// Advance moves the dispute to status with a new default outcome and
// deadline, clearing both parties' acceptances.
func (r *Repository) Advance(ctx context.Context, tx pgx.Tx, paymentID string, status Status, outcome Judgment, deadline time.Time) error {
	const q = `
		UPDATE disputes
		SET status = $2::dispute_status,
		    default_outcome = $3::judgment,
		    deadline = $4,
		    payer_accepted = false,
		    payee_accepted = false,
		    updated_at = get_tx_timestamp()
		WHERE payment_id = $1
	`
	tag, err := tx.Exec(ctx, q, paymentID, string(status), string(outcome), deadline)
	if err != nil {
		return fmt.Errorf("dispute: advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddDeposit accumulates a party's locked deposit total.
func (r *Repository) AddDeposit(ctx context.Context, tx pgx.Tx, paymentID, party string, amount int64, isPayer bool) error {
	column := "payee_deposit"
	if isPayer {
		column = "payer_deposit"
	}
	q := fmt.Sprintf(`
		UPDATE disputes
		SET %s = %s + $2, updated_at = get_tx_timestamp()
		WHERE payment_id = $1
	`, column, column)
	if _, err := tx.Exec(ctx, q, paymentID, amount); err != nil {
		return fmt.Errorf("dispute: add deposit for %s: %w", party, err)
	}
	return nil
}

// SetAccepted records a party's explicit acceptance of the proposed
// outcome.
func (r *Repository) SetAccepted(ctx context.Context, tx pgx.Tx, paymentID string, isPayer bool) error {
	column := "payee_accepted"
	if isPayer {
		column = "payer_accepted"
	}
	q := fmt.Sprintf(`
		UPDATE disputes
		SET %s = true, updated_at = get_tx_timestamp()
		WHERE payment_id = $1
	`, column)
	if _, err := tx.Exec(ctx, q, paymentID); err != nil {
		return fmt.Errorf("dispute: set accepted: %w", err)
	}
	return nil
}

// AddEvidence appends an opaque evidence digest for the provider.
func (r *Repository) AddEvidence(ctx context.Context, tx pgx.Tx, paymentID, provider, digest string) error {
	const q = `
		INSERT INTO dispute_evidence (payment_id, provider, digest)
		VALUES ($1, $2, $3)
	`
	if _, err := tx.Exec(ctx, q, paymentID, provider, digest); err != nil {
		return fmt.Errorf("dispute: add evidence: %w", err)
	}
	return nil
}

// InsertRound appends a committee round with its member snapshot.
func (r *Repository) InsertRound(ctx context.Context, tx pgx.Tx, paymentID string, roundIndex int, fee int64, deadline time.Time, committee []resolver.Candidate) (Round, error) {
	const q = `
		INSERT INTO rounds (payment_id, round_index, fee, deadline)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	round := Round{
		PaymentID:  paymentID,
		RoundIndex: roundIndex,
		Fee:        fee,
		Deadline:   deadline,
	}
	if err := tx.QueryRow(ctx, q, paymentID, roundIndex, fee, deadline).Scan(&round.ID, &round.CreatedAt); err != nil {
		return Round{}, fmt.Errorf("dispute: insert round: %w", err)
	}

	for _, c := range committee {
		const member = `
			INSERT INTO round_members (round_id, resolver, weight)
			VALUES ($1, $2, $3)
		`
		weight := c.Stake * int64(1+c.Credibility)
		if _, err := tx.Exec(ctx, member, round.ID, c.Account, weight); err != nil {
			return Round{}, fmt.Errorf("dispute: insert round member: %w", err)
		}
		round.Members = append(round.Members, Member{Resolver: c.Account, Weight: weight})
	}
	return round, nil
}

// CurrentRound returns the latest round with members, or ok=false when no
// round exists yet.
func (r *Repository) CurrentRound(ctx context.Context, tx pgx.Tx, paymentID string) (Round, bool, error) {
	const q = `
		SELECT id, payment_id, round_index, fee, deadline, sealed, created_at
		FROM rounds
		WHERE payment_id = $1
		ORDER BY round_index DESC
		LIMIT 1
	`
	var round Round
	err := tx.QueryRow(ctx, q, paymentID).
		Scan(&round.ID, &round.PaymentID, &round.RoundIndex, &round.Fee, &round.Deadline, &round.Sealed, &round.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Round{}, false, nil
		}
		return Round{}, false, fmt.Errorf("dispute: current round: %w", err)
	}
	members, err := r.roundMembers(ctx, tx, round.ID)
	if err != nil {
		return Round{}, false, err
	}
	round.Members = members
	return round, true, nil
}

func (r *Repository) roundMembers(ctx context.Context, tx pgx.Tx, roundID int64) ([]Member, error) {
	const q = `
		SELECT resolver, weight, judgment::text, voted_at
		FROM round_members
		WHERE round_id = $1
		ORDER BY resolver
	`
	rows, err := tx.Query(ctx, q, roundID)
	if err != nil {
		return nil, fmt.Errorf("dispute: round members: %w", err)
	}
	defer rows.Close()

	out := make([]Member, 0, 8)
	for rows.Next() {
		var (
			m        Member
			judgment *string
		)
		if err := rows.Scan(&m.Resolver, &m.Weight, &judgment, &m.VotedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan member: %w", err)
		}
		if judgment != nil {
			j := Judgment(*judgment)
			m.Judgment = &j
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate members: %w", err)
	}
	return out, nil
}

// RecordJudgment stores one member's vote. A second vote from the same
// member does not match the NULL guard and is rejected by the caller.
func (r *Repository) RecordJudgment(ctx context.Context, tx pgx.Tx, roundID int64, resolverAccount string, judgment Judgment) error {
	const q = `
		UPDATE round_members
		SET judgment = $3::judgment, voted_at = get_tx_timestamp()
		WHERE round_id = $1 AND resolver = $2 AND judgment IS NULL
	`
	tag, err := tx.Exec(ctx, q, roundID, resolverAccount, string(judgment))
	if err != nil {
		return fmt.Errorf("dispute: record judgment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// SealRound stops further judgments on the round.
func (r *Repository) SealRound(ctx context.Context, tx pgx.Tx, roundID int64) error {
	tag, err := tx.Exec(ctx, `UPDATE rounds SET sealed = true WHERE id = $1 AND NOT sealed`, roundID)
	if err != nil {
		return fmt.Errorf("dispute: seal round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispute: round %d already sealed", roundID)
	}
	return nil
}

// ServingResolvers lists every resolver drawn across all rounds of the
// dispute, with their judgments where cast.
func (r *Repository) ServingResolvers(ctx context.Context, tx pgx.Tx, paymentID string) ([]Member, error) {
	const q = `
		SELECT rm.resolver, rm.weight, rm.judgment::text, rm.voted_at
		FROM round_members rm
		JOIN rounds rd ON rd.id = rm.round_id
		WHERE rd.payment_id = $1
		ORDER BY rd.round_index, rm.resolver
	`
	rows, err := tx.Query(ctx, q, paymentID)
	if err != nil {
		return nil, fmt.Errorf("dispute: serving resolvers: %w", err)
	}
	defer rows.Close()

	out := make([]Member, 0, 8)
	for rows.Next() {
		var (
			m        Member
			judgment *string
		)
		if err := rows.Scan(&m.Resolver, &m.Weight, &judgment, &m.VotedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan serving resolver: %w", err)
		}
		if judgment != nil {
			j := Judgment(*judgment)
			m.Judgment = &j
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate serving resolvers: %w", err)
	}
	return out, nil
}

// CumulativeTally folds every judgment ever cast on the dispute; later
// rounds overturn earlier majorities only by out-voting them in total.
func (r *Repository) CumulativeTally(ctx context.Context, tx pgx.Tx, paymentID string) (Tally, error) {
	const q = `
		SELECT
			COUNT(*) FILTER (WHERE rm.judgment = 'favor_payer'),
			COUNT(*) FILTER (WHERE rm.judgment = 'favor_payee')
		FROM round_members rm
		JOIN rounds rd ON rd.id = rm.round_id
		WHERE rd.payment_id = $1 AND rm.judgment IS NOT NULL
	`
	var t Tally
	if err := tx.QueryRow(ctx, q, paymentID).Scan(&t.FavorPayer, &t.FavorPayee); err != nil {
		return Tally{}, fmt.Errorf("dispute: cumulative tally: %w", err)
	}
	return t, nil
}

// DueDisputes locks disputes whose window has lapsed in a state the sweep
// can finalize.
func (r *Repository) DueDisputes(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	const q = `
		SELECT payment_id
		FROM disputes
		WHERE status IN ('finalizing', 'escalated') AND deadline <= $1
		ORDER BY deadline
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	return scanIDs(tx.Query(ctx, q, now, limit))
}

// DueRounds locks unsealed rounds whose judgment deadline has lapsed.
func (r *Repository) DueRounds(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	const q = `
		SELECT rd.payment_id
		FROM rounds rd
		JOIN disputes d ON d.payment_id = rd.payment_id
		WHERE NOT rd.sealed AND rd.deadline <= $1 AND d.status = 'evaluating'
		ORDER BY rd.deadline
		LIMIT $2
		FOR UPDATE OF d SKIP LOCKED
	`
	return scanIDs(tx.Query(ctx, q, now, limit))
}

func scanIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, fmt.Errorf("dispute: query ids: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate ids: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(&d.PaymentID, &d.Payer, &d.Payee, &d.Status, &d.DefaultOutcome,
		&d.PayerDeposit, &d.PayeeDeposit, &d.PayerAccepted, &d.PayeeAccepted,
		&d.Deadline, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return d, nil
}
