package wallet

import (
	"errors"
	"testing"
)

func TestExchangeSagaHappyPath(test *testing.T) {
	test.Parallel()
	saga := NewExchangeSaga()
	if saga.State() != SagaInitiated {
		test.Fatalf("expected initiated, got %s", saga.State())
	}
	if err := saga.Transition(SagaDebited); err != nil {
		test.Fatalf("initiated -> debited: %v", err)
	}
	if err := saga.Transition(SagaCommitted); err != nil {
		test.Fatalf("debited -> committed: %v", err)
	}
	if saga.State() != SagaCommitted {
		test.Fatalf("expected committed, got %s", saga.State())
	}
}

func TestExchangeSagaCompensationPaths(test *testing.T) {
	test.Parallel()
	fromInitiated := NewExchangeSaga()
	if err := fromInitiated.Transition(SagaCompensated); err != nil {
		test.Fatalf("initiated -> compensated: %v", err)
	}

	fromDebited := NewExchangeSaga()
	if err := fromDebited.Transition(SagaDebited); err != nil {
		test.Fatalf("initiated -> debited: %v", err)
	}
	if err := fromDebited.Transition(SagaCompensated); err != nil {
		test.Fatalf("debited -> compensated: %v", err)
	}
}

func TestExchangeSagaRejectsIllegalTransitions(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		walk []SagaState
	}{
		{name: "initiated to committed", walk: []SagaState{SagaCommitted}},
		{name: "committed is terminal", walk: []SagaState{SagaDebited, SagaCommitted, SagaCompensated}},
		{name: "compensated is terminal", walk: []SagaState{SagaCompensated, SagaDebited}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			saga := NewExchangeSaga()
			var err error
			for _, next := range testCase.walk {
				err = saga.Transition(next)
			}
			if !errors.Is(err, ErrInvalidSagaTransition) {
				test.Fatalf("expected ErrInvalidSagaTransition, got %v", err)
			}
		})
	}
}
