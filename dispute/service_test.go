package dispute

import (
	"context"
	"testing"
)

func TestCreate_RejectsThinDeposit(t *testing.T) {
	svc := &Service{policy: Policy{FeeBase: 10, FeePerResolver: 5}}

	_, err := svc.Create(context.Background(), "alice", "payment-1", nil, 9)
	if err != ErrInsufficientDeposit {
		t.Fatalf("expected ErrInsufficientDeposit, got %v", err)
	}
}
