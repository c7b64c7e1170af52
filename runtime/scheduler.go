package runtime

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sbl8/dagmc/moves"
	"github.com/sbl8/dagmc/random"
)

// ErrNoMoves is returned when a chain is built without moves
var ErrNoMoves = errors.New("no moves to schedule")

// Scheduler picks moves at random with probability proportional to weight
type Scheduler struct {
	moves      []moves.Move
	cumulative []float64
	total      float64
	src        random.Source
}

// NewScheduler builds a weighted random schedule over ms
func NewScheduler(ms []moves.Move, src random.Source) (*Scheduler, error) {
	if len(ms) == 0 {
		return nil, ErrNoMoves
	}
	if src == nil {
		return nil, errors.New("scheduler: random source is nil")
	}
	s := &Scheduler{
		moves:      append([]moves.Move(nil), ms...),
		cumulative: make([]float64, len(ms)),
		src:        src,
	}
	for i, m := range ms {
		w := m.Weight()
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("scheduler: move %q has invalid weight %v", m.Name(), w)
		}
		s.total += w
		s.cumulative[i] = s.total
	}
	return s, nil
}

// Moves returns the scheduled moves in declaration order
func (s *Scheduler) Moves() []moves.Move { return s.moves }

// MovesPerIteration is the sum of all move weights
func (s *Scheduler) MovesPerIteration() float64 { return s.total }

// Picks is the number of moves one iteration performs: MovesPerIteration
// rounded, and at least one.
func (s *Scheduler) Picks() int {
	return max(1, int(math.Round(s.total)))
}

// Next draws the next move
func (s *Scheduler) Next() moves.Move {
	u := s.src.Uniform01() * s.total
	i := sort.SearchFloat64s(s.cumulative, u)
	// u == cumulative[i] belongs to the next bucket
	for i < len(s.cumulative)-1 && s.cumulative[i] <= u {
		i++
	}
	return s.moves[min(i, len(s.moves)-1)]
}
