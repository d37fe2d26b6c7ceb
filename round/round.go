package round

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/messages"
)

// DkgState is what the coordinator collects during a DKG.
type DkgState struct {
	Threshold uint32
	Shares    map[common.SignerID][]*frost.PolyCommitment
	Ends      map[common.SignerID][]byte
	Excluded  map[common.SignerID]error
	Result    *frost.DkgResult
}

// SignState is what the coordinator collects during signing. Nonces and Shares belong to
// the current nonce attempt and are reset by NewAttempt. Excluded signers stay out of
// every later attempt.
type SignState struct {
	Message      []byte
	Tweak        *frost.TaprootTweak
	Tx           *messages.TxContext
	StacksTx     *messages.StacksTxContext
	Result       *frost.DkgResult
	Participants []frost.Participant
	Nonces       map[common.SignerID]*frost.NonceCommitment
	Package      *frost.SigningPackage
	Session      *frost.Session
	Shares       map[common.SignerID]*frost.SignatureShare
	Signature    *schnorr.Signature
	Excluded     map[common.SignerID]error
	// OddNonces counts the attempts abandoned for an odd aggregate nonce.
	OddNonces int
}

// SigningRound is one DKG or sign protocol instance. Only the coordinator loop mutates it.
type SigningRound struct {
	ID           string
	Kind         common.RoundKind
	Participants []common.SignerID
	Attempt      uint32
	StartedAt    time.Time
	Deadline     time.Time
	FinishedAt   time.Time
	Err          error
	Culprits     []common.SignerID

	Dkg  *DkgState
	Sign *SignState

	machine *fsm.FSM
	seen    map[messages.Key]struct{}
	history []State
}

func newRound(id string, kind common.RoundKind, participants []common.SignerID) *SigningRound {
	sorted := make([]common.SignerID, len(participants))
	copy(sorted, participants)
	r := &SigningRound{
		ID:           id,
		Kind:         kind,
		Participants: common.SortSignerIDs(sorted),
		Attempt:      1,
		StartedAt:    time.Now(),
		seen:         make(map[messages.Key]struct{}),
		history:      []State{StateIdle},
	}
	r.machine = newMachine(func(_, to State) {
		r.history = append(r.history, to)
	})
	return r
}

// NewDkgRound prepares a DKG round. The caller fires EventStartDkg once requests are out.
func NewDkgRound(id string, threshold uint32, participants []common.SignerID) *SigningRound {
	r := newRound(id, common.RoundKindDKG, participants)
	r.Dkg = newDkgState(threshold)
	return r
}

func newDkgState(threshold uint32) *DkgState {
	return &DkgState{
		Threshold: threshold,
		Shares:    make(map[common.SignerID][]*frost.PolyCommitment),
		Ends:      make(map[common.SignerID][]byte),
		Excluded:  make(map[common.SignerID]error),
	}
}

// NewSignRound prepares a sign round. With a nil result the round runs its own DKG first.
func NewSignRound(id string, threshold uint32, participants []common.SignerID, sign *SignState) *SigningRound {
	r := newRound(id, common.RoundKindSign, participants)
	sign.Nonces = make(map[common.SignerID]*frost.NonceCommitment)
	sign.Shares = make(map[common.SignerID]*frost.SignatureShare)
	sign.Excluded = make(map[common.SignerID]error)
	r.Sign = sign
	if sign.Result == nil {
		r.Dkg = newDkgState(threshold)
	}
	return r
}

func (r *SigningRound) State() State {
	return State(r.machine.Current())
}

// Done reports whether the round reached its final state. A DKG round is done at
// DkgComplete.
func (r *SigningRound) Done() bool {
	s := r.State()
	return s.IsTerminal() || (r.Kind == common.RoundKindDKG && s == StateDkgComplete)
}

// History lists every state the round went through, oldest first.
func (r *SigningRound) History() []State {
	out := make([]State, len(r.history))
	copy(out, r.history)
	return out
}

// Transition fires an event. Events that do not apply to the current state are an error.
func (r *SigningRound) Transition(ctx context.Context, event string) error {
	if r.Done() {
		return errors.Wrapf(ErrInvalidTransition, "%s on finished round in %s", event, r.State())
	}
	if err := r.machine.Event(ctx, event); err != nil {
		return errors.Wrapf(ErrInvalidTransition, "%s from %s: %v", event, r.State(), err)
	}
	if r.Done() {
		r.FinishedAt = time.Now()
	}
	return nil
}

// Terminate moves the round to a terminal state recording the cause.
func (r *SigningRound) Terminate(ctx context.Context, event string, cause error, culprits ...common.SignerID) error {
	r.Err = cause
	r.addCulprits(culprits...)
	return r.Transition(ctx, event)
}

func (r *SigningRound) addCulprits(ids ...common.SignerID) {
next:
	for _, id := range ids {
		for _, c := range r.Culprits {
			if c == id {
				continue next
			}
		}
		r.Culprits = append(r.Culprits, id)
	}
}

// ExcludeSigner drops id from the signing set of later attempts and names it a culprit.
// It reports false when id was not signing.
func (r *SigningRound) ExcludeSigner(id common.SignerID, cause error) bool {
	kept := make([]frost.Participant, 0, len(r.Sign.Participants))
	for _, p := range r.Sign.Participants {
		if p.SignerID != id {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(r.Sign.Participants) {
		return false
	}
	r.Sign.Participants = kept
	r.Sign.Excluded[id] = cause
	r.addCulprits(id)
	return true
}

// MarkSeen records a contribution key and reports whether it was new.
func (r *SigningRound) MarkSeen(key messages.Key) bool {
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	return true
}

// IsParticipant reports whether id takes part in the round.
func (r *SigningRound) IsParticipant(id common.SignerID) bool {
	for _, p := range r.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// LiveParticipants are the participants not excluded during DKG.
func (r *SigningRound) LiveParticipants() []common.SignerID {
	if r.Dkg == nil {
		return r.Participants
	}
	live := make([]common.SignerID, 0, len(r.Participants))
	for _, p := range r.Participants {
		if _, out := r.Dkg.Excluded[p]; !out {
			live = append(live, p)
		}
	}
	return live
}

// NewAttempt discards the nonces and shares of the current attempt and bumps the counter.
func (r *SigningRound) NewAttempt() uint32 {
	r.Attempt++
	r.Sign.Nonces = make(map[common.SignerID]*frost.NonceCommitment)
	r.Sign.Shares = make(map[common.SignerID]*frost.SignatureShare)
	r.Sign.Package = nil
	r.Sign.Session = nil
	return r.Attempt
}

// Outcome summarises the round for callers and the archive.
func (r *SigningRound) Outcome() *Outcome {
	o := &Outcome{
		RoundID:    r.ID,
		Kind:       r.Kind,
		State:      r.State(),
		Attempts:   r.Attempt,
		Culprits:   r.Culprits,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
		o.cause = r.Err
	}
	if r.Dkg != nil && r.Dkg.Result != nil {
		o.DkgResult = r.Dkg.Result
	}
	if r.Sign != nil {
		if r.Sign.Result != nil {
			o.DkgResult = r.Sign.Result
		}
		if r.Sign.Signature != nil {
			o.Signature = r.Sign.Signature.Serialize()
		}
	}
	return o
}

// Outcome is the final report of a round.
type Outcome struct {
	RoundID    string            `json:"round_id"`
	Kind       common.RoundKind  `json:"kind"`
	State      State             `json:"state"`
	Error      string            `json:"error,omitempty"`
	Attempts   uint32            `json:"attempts"`
	Culprits   []common.SignerID `json:"culprits,omitempty"`
	Signature  []byte            `json:"signature,omitempty"`
	DkgResult  *frost.DkgResult  `json:"dkg_result,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`

	cause error
}

// Succeeded is true for a completed DKG or sign round.
func (o *Outcome) Succeeded() bool {
	return o.State == StateSignComplete || (o.Kind == common.RoundKindDKG && o.State == StateDkgComplete)
}

// Err returns the cause of failure with its identity preserved when the outcome did not
// pass through serialization.
func (o *Outcome) Err() error {
	if o.cause != nil {
		return o.cause
	}
	if o.Error != "" {
		return errors.New(o.Error)
	}
	return nil
}

// SchnorrSignature parses the aggregate signature of a completed sign round.
func (o *Outcome) SchnorrSignature() (*schnorr.Signature, error) {
	if len(o.Signature) == 0 {
		return nil, errors.New("outcome carries no signature")
	}
	return schnorr.ParseSignature(o.Signature)
}
