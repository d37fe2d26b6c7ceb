package coordinator

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/messages"
)

var (
	ErrInsufficientParticipants = errors.New("participants hold fewer key ids than the threshold")
	ErrUnknownParticipant       = errors.New("participant is not in the roster")
	ErrNonceParityExhausted     = errors.New("could not obtain an even aggregate nonce")
	ErrDkgFailed                = errors.New("a signer reported invalid private shares")
	ErrGroupKeyMismatch         = errors.New("signer derived a different group key")
	ErrSigningRefused           = errors.New("a signer refused the signing request")
	ErrInvalidSignatureShare    = errors.New("signature share does not verify")
	ErrInvalidNonceCommitment   = errors.New("nonce commitment is invalid")
	ErrMessageMismatch          = errors.New("message is not the sighash of the transaction")
	ErrRoundTimedOut            = errors.New("round timed out")
	ErrRoundCancelled           = errors.New("round cancelled")
	ErrStopped                  = errors.New("coordinator is not running")
)

// ProtocolViolation describes a contribution that was rejected. It is logged and counted,
// the round decides whether it can continue without the sender.
type ProtocolViolation struct {
	RoundID  string
	SignerID common.SignerID
	Kind     messages.Kind
	Err      error
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation by %s in round %s (%s): %v", v.SignerID, v.RoundID, v.Kind, v.Err)
}

func (v *ProtocolViolation) Unwrap() error {
	return v.Err
}

// Cause lets errors.Cause reach the underlying sentinel.
func (v *ProtocolViolation) Cause() error {
	return v.Err
}
