package frost

import "errors"

var (
	ErrInvalidThreshold  = errors.New("threshold must be at least 1")
	ErrWrongDegree       = errors.New("polynomial commitment has the wrong degree")
	ErrInvalidCommitment = errors.New("polynomial commitment contains an invalid point")
	ErrInvalidProof      = errors.New("proof of knowledge does not verify")
	ErrInvalidShare      = errors.New("private share does not match the dealer commitment")
	ErrNoCommitments     = errors.New("no commitments to aggregate")
	ErrDuplicateKeyID    = errors.New("duplicate key id")
	ErrUnknownKeyID      = errors.New("key id is not part of the set")

	ErrInvalidMessage       = errors.New("message must be 32 bytes")
	ErrMissingCommitment    = errors.New("nonce commitments do not match the participants")
	ErrInvalidNonce         = errors.New("nonce commitment is invalid")
	ErrOddNonce             = errors.New("aggregate nonce has an odd y coordinate")
	ErrNonceMismatch        = errors.New("nonce does not match the published commitment")
	ErrNonceReused          = errors.New("nonce was already used")
	ErrNotParticipant       = errors.New("signer is not a participant")
	ErrKeySharesMismatch    = errors.New("key shares do not match the participant key ids")
	ErrBelowThreshold       = errors.New("participants hold fewer key ids than the threshold")
	ErrMissingShares        = errors.New("signature shares are missing for some participants")
	ErrDuplicateShare       = errors.New("signature share received twice")
	ErrPartialSigInvalid    = errors.New("signature share does not verify")
	ErrInvalidTweak         = errors.New("taproot tweak is out of range")
	ErrSelfVerification     = errors.New("aggregate signature failed self-verification")
	ErrDecryptPrivateShares = errors.New("could not open private shares")
)
