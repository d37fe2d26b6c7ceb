// Package round holds the coordinator's bookkeeping for one protocol instance and the
// registry of active and archived rounds.
package round

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State of a round as seen by the coordinator.
type State string

const (
	StateIdle                    State = "idle"
	StateAwaitingDkgShares       State = "awaiting_dkg_shares"
	StateDkgComplete             State = "dkg_complete"
	StateAwaitingNonces          State = "awaiting_nonces"
	StateAwaitingSignatureShares State = "awaiting_signature_shares"
	StateSignComplete            State = "sign_complete"
	StateFailed                  State = "failed"
	StateTimedOut                State = "timed_out"
	StateCancelled               State = "cancelled"
)

// Events driving the state machine.
const (
	EventStartDkg        = "start_dkg"
	EventDkgDone         = "dkg_done"
	EventStartSign       = "start_sign"
	EventNoncesCollected = "nonces_collected"
	EventRestartNonces   = "restart_nonces"
	EventSignDone        = "sign_done"
	EventFail            = "fail"
	EventTimeout         = "timeout"
	EventCancel          = "cancel"
)

var ErrInvalidTransition = errors.New("invalid round transition")

var nonTerminal = []string{
	string(StateIdle),
	string(StateAwaitingDkgShares),
	string(StateDkgComplete),
	string(StateAwaitingNonces),
	string(StateAwaitingSignatureShares),
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSignComplete, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Awaiting reports whether s waits on signers and therefore carries a deadline.
func (s State) Awaiting() bool {
	switch s {
	case StateAwaitingDkgShares, StateAwaitingNonces, StateAwaitingSignatureShares:
		return true
	}
	return false
}

// newMachine builds the round machine. It only moves forward, except that excluding a
// signer during signature collection goes back to nonce collection for a new attempt.
// DkgComplete is terminal for a DKG round but a sign round that runs its own DKG moves
// on from it.
func newMachine(onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: EventStartDkg, Src: []string{string(StateIdle)}, Dst: string(StateAwaitingDkgShares)},
			{Name: EventDkgDone, Src: []string{string(StateAwaitingDkgShares)}, Dst: string(StateDkgComplete)},
			{Name: EventStartSign, Src: []string{string(StateIdle), string(StateDkgComplete)}, Dst: string(StateAwaitingNonces)},
			{Name: EventNoncesCollected, Src: []string{string(StateAwaitingNonces)}, Dst: string(StateAwaitingSignatureShares)},
			{Name: EventRestartNonces, Src: []string{string(StateAwaitingSignatureShares)}, Dst: string(StateAwaitingNonces)},
			{Name: EventSignDone, Src: []string{string(StateAwaitingSignatureShares)}, Dst: string(StateSignComplete)},
			{Name: EventFail, Src: nonTerminal, Dst: string(StateFailed)},
			{Name: EventTimeout, Src: nonTerminal, Dst: string(StateTimedOut)},
			{Name: EventCancel, Src: nonTerminal, Dst: string(StateCancelled)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(State(e.Src), State(e.Dst))
			},
		},
	)
}
