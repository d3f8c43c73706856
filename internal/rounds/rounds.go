// Package rounds journals lottery draws.
//
// A round is written as pending when the randomness request is emitted and
// updated to resolved once the winner is paid. The journal is what lets an
// orchestrator that restarted mid-draw find the request it was waiting for.
package rounds

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/lottery/internal/idgen"
)

var (
	ErrRoundNotFound = errors.New("round not found")
	ErrDuplicate     = errors.New("round already exists")
)

// Status of a round.
type Status string

const (
	StatusPending  Status = "pending"  // randomness requested, not yet delivered
	StatusResolved Status = "resolved" // winner paid, lottery closed

	// The contract moved on to another request before this one was resolved.
	StatusAbandoned Status = "abandoned"
)

// Round is one draw of a lottery contract.
type Round struct {
	ID         string     `json:"id"`
	Contract   string     `json:"contract"`
	RequestID  string     `json:"requestId"`
	Status     Status     `json:"status"`
	Players    []string   `json:"players"`
	Pot        string     `json:"pot"` // wei
	Winner     string     `json:"winner,omitempty"`
	Randomness string     `json:"randomness,omitempty"`
	RequestTx  string     `json:"requestTx,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// NewRound starts a pending round record.
func NewRound(contract, requestID, requestTx, pot string, players []string) *Round {
	lowered := make([]string, len(players))
	for i, p := range players {
		lowered[i] = strings.ToLower(p)
	}
	return &Round{
		ID:        idgen.WithPrefix("rnd_"),
		Contract:  strings.ToLower(contract),
		RequestID: strings.ToLower(requestID),
		Status:    StatusPending,
		Players:   lowered,
		Pot:       pot,
		RequestTx: requestTx,
		CreatedAt: time.Now().UTC(),
	}
}

// Resolve marks r resolved with its winner.
func (r *Round) Resolve(winner, randomness string) {
	now := time.Now().UTC()
	r.Status = StatusResolved
	r.Winner = strings.ToLower(winner)
	r.Randomness = randomness
	r.ResolvedAt = &now
}

// Abandon closes r without a winner.
func (r *Round) Abandon() {
	now := time.Now().UTC()
	r.Status = StatusAbandoned
	r.ResolvedAt = &now
}

// Store persists rounds.
type Store interface {
	Create(ctx context.Context, round *Round) error
	Get(ctx context.Context, id string) (*Round, error)
	Update(ctx context.Context, round *Round) error
	// Pending returns the newest pending round of contract, or ErrRoundNotFound.
	Pending(ctx context.Context, contract string) (*Round, error)
	// List returns the newest rounds of contract first.
	List(ctx context.Context, contract string, limit int) ([]*Round, error)
}
