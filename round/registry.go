package round

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

var (
	ErrRoundExists   = errors.New("round id already in use")
	ErrRoundNotFound = errors.New("round not found")
)

// DefaultArchiveTTL is how long finished rounds stay queryable in memory.
const DefaultArchiveTTL = time.Hour

// Registry keeps at most one active round per id. Finished rounds are archived as
// outcomes, so late messages for them can be told apart from unknown rounds.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*SigningRound
	archive *cache.Cache
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultArchiveTTL
	}
	return &Registry{
		active:  make(map[string]*SigningRound),
		archive: cache.New(ttl, 2*ttl),
	}
}

// NewRoundID returns a fresh random round id.
func NewRoundID() string {
	return uuid.New().String()
}

func (r *Registry) Add(sr *SigningRound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[sr.ID]; ok {
		return errors.Wrap(ErrRoundExists, sr.ID)
	}
	if _, ok := r.archive.Get(sr.ID); ok {
		return errors.Wrap(ErrRoundExists, sr.ID)
	}
	r.active[sr.ID] = sr
	return nil
}

// Get returns an active round.
func (r *Registry) Get(id string) (*SigningRound, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sr, ok := r.active[id]
	return sr, ok
}

// Archive removes a finished round from the active set and keeps its outcome.
func (r *Registry) Archive(id string) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sr, ok := r.active[id]
	if !ok {
		return nil, errors.Wrap(ErrRoundNotFound, id)
	}
	delete(r.active, id)
	outcome := sr.Outcome()
	r.archive.SetDefault(id, outcome)
	return outcome, nil
}

// Archived returns the outcome of a finished round still held by the archive.
func (r *Registry) Archived(id string) (*Outcome, bool) {
	v, ok := r.archive.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Outcome), true
}

// Active returns the rounds still in progress.
func (r *Registry) Active() []*SigningRound {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SigningRound, 0, len(r.active))
	for _, sr := range r.active {
		out = append(out, sr)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
