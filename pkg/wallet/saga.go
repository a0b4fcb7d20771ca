package wallet

import "fmt"

// SagaState tracks the exchange two-step commit. The happy path walks
// initiated → debited → committed; a failed debit walks initiated →
// compensated after the transaction record is deleted.
type SagaState string

const (
	SagaInitiated   SagaState = "initiated"
	SagaDebited     SagaState = "debited"
	SagaCommitted   SagaState = "committed"
	SagaCompensated SagaState = "compensated"
)

var sagaTransitions = map[SagaState][]SagaState{
	SagaInitiated: {SagaDebited, SagaCompensated},
	SagaDebited:   {SagaCommitted, SagaCompensated},
}

// ExchangeSaga makes the exchange rollback path a first-class transition
// instead of inline error handling.
type ExchangeSaga struct {
	state SagaState
}

// NewExchangeSaga starts a saga in the initiated state.
func NewExchangeSaga() *ExchangeSaga {
	return &ExchangeSaga{state: SagaInitiated}
}

// State returns the current saga state.
func (saga *ExchangeSaga) State() SagaState {
	return saga.state
}

// Transition advances the saga, rejecting moves the state machine does not
// define.
func (saga *ExchangeSaga) Transition(next SagaState) error {
	for _, allowed := range sagaTransitions[saga.state] {
		if allowed == next {
			saga.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidSagaTransition, saga.state, next)
}
