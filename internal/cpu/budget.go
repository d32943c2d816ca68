// Package cpu rations a global budget of CPU worker slots between background
// tasks (optimization, compaction, snapshotting) and foreground updates. Each
// background task acquires a permit covering one or more slots before doing
// CPU-heavy work and releases it when done, which keeps background load
// predictable without starving the update path.
package cpu

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	gopsutil "github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
)

// NumCPUsEnv overrides the detected CPU count when set to a positive integer.
const NumCPUsEnv = "QDRANT_NUM_CPUS"

// NumCPUs returns the CPU count the budget is sized from: the NumCPUsEnv
// override if set, otherwise the logical CPU count of the machine.
func NumCPUs() int {
	if val := os.Getenv(NumCPUsEnv); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	if n, err := gopsutil.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// defaultReserved is how many CPUs auto-sizing keeps free for foreground
// work, as a function of the machine size.
func defaultReserved(numCPUs int) int {
	switch {
	case numCPUs <= 32:
		return 1
	case numCPUs <= 48:
		return 2
	case numCPUs <= 64:
		return 3
	case numCPUs <= 96:
		return 4
	case numCPUs <= 128:
		return 6
	default:
		return numCPUs / 16
	}
}

// GetCPUBudget sizes the budget from the user parameter:
//
//	param == 0  auto: all CPUs minus a machine-size-dependent reserve
//	param < 0   all CPUs minus |param|
//	param > 0   exactly param
//
// The result is always at least 1.
func GetCPUBudget(param int) int {
	switch {
	case param < 0:
		return max(1, NumCPUs()+param)
	case param == 0:
		return GetCPUBudget(-defaultReserved(NumCPUs()))
	default:
		return param
	}
}

// Budget is the shared pool of CPU slots. Construct one at startup and hand
// the same handle to every consumer; there is deliberately no process-wide
// singleton.
type Budget struct {
	mu        sync.Mutex
	capacity  int
	available int
}

// NewBudget creates a budget of exactly budget slots.
func NewBudget(budget int) *Budget {
	if budget < 1 {
		budget = 1
	}
	return &Budget{capacity: budget, available: budget}
}

// DefaultBudget creates an auto-sized budget for this machine.
func DefaultBudget() *Budget {
	return NewBudget(GetCPUBudget(0))
}

// Capacity returns the total number of slots in the budget.
func (b *Budget) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Available returns the number of slots not currently held by a permit.
func (b *Budget) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// TryAcquire takes min(available, desired) slots without blocking. It returns
// nil iff no slot is available or desired < 1.
func (b *Budget) TryAcquire(desired int) *Permit {
	if desired < 1 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(b.available, desired)
	if n == 0 {
		return nil
	}
	b.available -= n
	return &Permit{NumCPUs: n, budget: b}
}

// HasBudget reports whether at least one slot is available.
func (b *Budget) HasBudget() bool {
	return b.Available() > 0
}

// BlockUntilBudget sleeps until at least one slot is available, backing off
// exponentially from 100µs up to 10s between checks.
//
// TODO: replace the polling with a notify-on-release wakeup.
func (b *Budget) BlockUntilBudget() {
	if b.HasBudget() {
		return
	}

	logrus.Trace("blocking on CPU budget")
	delay := 100 * time.Microsecond
	for !b.HasBudget() {
		time.Sleep(delay)
		delay = min(delay*2, 10*time.Second)
	}
	logrus.Trace("CPU budget available again")
}

func (b *Budget) release(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available += n
	if b.available > b.capacity {
		// More slots released than acquired is a use-after-release bug.
		panic("cpu: permit released twice")
	}
}

// Permit holds NumCPUs slots of a budget until released. Permits are not safe
// for concurrent use.
type Permit struct {
	// NumCPUs is how many slots this permit covers, at least 1 for a permit
	// obtained from a budget.
	NumCPUs int

	budget   *Budget
	released bool
}

// Dummy returns a permit that carries a CPU count without backing slots, for
// callers that have no shared pool.
func Dummy(count int) *Permit {
	return &Permit{NumCPUs: count, released: true}
}

// Release returns the slots to the budget. Releasing twice is a no-op.
func (p *Permit) Release() {
	if p.released {
		return
	}
	p.released = true
	p.budget.release(p.NumCPUs)
}
