package checkout

import (
	"math/rand"
	"testing"
)

func TestStateAdvancesForwardOnly(t *testing.T) {
	forward := []State{StateInitial, StateCreatingOrder, StateProcessingPayment, StateConfirmingTransaction, StateSuccess}
	for i := 0; i < len(forward)-1; i++ {
		if !forward[i].CanAdvance(forward[i+1]) {
			t.Errorf("%s -> %s should advance", forward[i], forward[i+1])
		}
	}
	// Regressions are not forward transitions.
	for i := 1; i < len(forward); i++ {
		if forward[i].CanAdvance(forward[i-1]) {
			t.Errorf("%s -> %s should not advance", forward[i], forward[i-1])
		}
	}
	// Success is final.
	if StateSuccess.CanAdvance(StateError) {
		t.Fatal("success must not regress to error")
	}
}

func TestErrorReachableFromAnyNonTerminal(t *testing.T) {
	for _, s := range []State{StateInitial, StateCreatingOrder, StateProcessingPayment, StateConfirmingTransaction} {
		if !s.CanAdvance(StateError) {
			t.Errorf("%s -> error should advance", s)
		}
	}
}

func TestErrorReentersForRetry(t *testing.T) {
	if !StateError.CanAdvance(StateCreatingOrder) {
		t.Fatal("retry without an order re-enters creating_order")
	}
	if !StateError.CanAdvance(StateProcessingPayment) {
		t.Fatal("retry with an order re-enters processing_payment")
	}
	if StateError.CanAdvance(StateSuccess) {
		t.Fatal("error cannot jump straight to success")
	}
}

func TestTerminalStates(t *testing.T) {
	if !StateSuccess.Terminal() || !StateError.Terminal() {
		t.Fatal("success and error are terminal")
	}
	if StateConfirmingTransaction.Terminal() {
		t.Fatal("confirming_transaction is not terminal")
	}
}

func TestStateRandomWalksNeverRegress(t *testing.T) {
	all := []State{StateInitial, StateCreatingOrder, StateProcessingPayment,
		StateConfirmingTransaction, StateSuccess, StateError}
	position := map[State]int{
		StateInitial:               0,
		StateCreatingOrder:         1,
		StateProcessingPayment:     2,
		StateConfirmingTransaction: 3,
		StateSuccess:               4,
		StateError:                 4,
	}

	rng := rand.New(rand.NewSource(1))
	for walk := 0; walk < 500; walk++ {
		cur := StateInitial
		for step := 0; step < 10; step++ {
			var candidates []State
			for _, next := range all {
				// Leaving Error is a retry, i.e. a new attempt.
				if cur != StateError && cur.CanAdvance(next) {
					candidates = append(candidates, next)
				}
			}
			if len(candidates) == 0 {
				if !cur.Terminal() {
					t.Fatalf("walk %d stuck in non-terminal state %s", walk, cur)
				}
				break
			}
			next := candidates[rng.Intn(len(candidates))]
			if position[next] <= position[cur] {
				t.Fatalf("walk %d: %s -> %s regressed within an attempt", walk, cur, next)
			}
			cur = next
		}
	}
}
