package session

import (
	"errors"
	"math/rand"
	"time"

	"devtunnel/internal/config"
)

var ErrNoFreePorts = errors.New("no free ports available")

// Holder is a bound session as seen by the allocator.
type Holder struct {
	UserID       string
	Port         int
	LastSeen     time.Time
	RecentlySeen bool
}

// Allocation is the allocator's verdict. Evict names the idle session that
// must be torn down before Port can be bound.
type Allocation struct {
	Port  int
	Evict string
}

// Allocator picks ports from an inclusive range.
type Allocator struct {
	Range config.PortRange
	// Intn picks an index in [0,n). Defaults to math/rand/v2.
	Intn func(n int) int
}

// Pick chooses a port for a new binding. Free ports are used first, the
// preferred one when it is free. With the range exhausted only a session
// that is not recently seen may be evicted: the preferred port's holder
// first, otherwise the least recently seen holder.
func (a Allocator) Pick(holders []Holder, preferred int) (Allocation, error) {
	bound := make(map[int]bool, len(holders))
	var oldest, preferredHolder *Holder
	for i := range holders {
		h := &holders[i]
		bound[h.Port] = true
		if oldest == nil || h.LastSeen.Before(oldest.LastSeen) {
			oldest = h
		}
		if preferred != 0 && h.Port == preferred {
			preferredHolder = h
		}
	}

	var free []int
	for p := a.Range.Start; p <= a.Range.End; p++ {
		if !bound[p] {
			free = append(free, p)
		}
	}

	if len(free) > 0 {
		if a.Range.Contains(preferred) && !bound[preferred] {
			return Allocation{Port: preferred}, nil
		}
		return Allocation{Port: free[a.intn(len(free))]}, nil
	}

	if preferredHolder != nil && !preferredHolder.RecentlySeen {
		return Allocation{Port: preferredHolder.Port, Evict: preferredHolder.UserID}, nil
	}
	if oldest != nil && !oldest.RecentlySeen {
		return Allocation{Port: oldest.Port, Evict: oldest.UserID}, nil
	}
	return Allocation{}, ErrNoFreePorts
}

func (a Allocator) intn(n int) int {
	if a.Intn != nil {
		return a.Intn(n)
	}
	return rand.Intn(n)
}
