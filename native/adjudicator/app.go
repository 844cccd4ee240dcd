package adjudicator

import (
	"github.com/ethereum/go-ethereum/common"

	"hubchan/native/interpreter"
)

// App is the state-transition logic of an application the adjudicator can
// progress and settle. States and actions are opaque encodings owned by the
// app.
type App interface {
	// Definition is the address that app identities reference.
	Definition() common.Address
	// TurnTaker returns the participant entitled to apply action to state.
	TurnTaker(state, action []byte, participants []common.Address) (common.Address, error)
	ApplyAction(state, action []byte) ([]byte, error)
	IsStateTerminal(state []byte) (bool, error)
	// ComputeOutcome returns the interpreter outcome encoding for state.
	ComputeOutcome(state []byte) ([]byte, error)
	InterpreterKind() interpreter.Kind
	// InterpreterParams returns the interpreter params encoding, bounding the
	// payout by what was funded for the instance.
	InterpreterParams(state []byte, funding FundingLookup) ([]byte, error)
}

type registeredApp struct {
	app    App
	interp interpreter.Interpreter
}
