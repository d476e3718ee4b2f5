package snowflake

import (
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/meridian/internal/wire"
)

const (
	machineIDBits = 12
	sequenceBits  = 10

	maxMachineID = (1 << machineIDBits) - 1
	maxSequence  = (1 << sequenceBits) - 1

	timestampShift = machineIDBits + sequenceBits
	machineIDShift = sequenceBits

	// Epoch is the custom epoch Meridian snowflakes are relative to
	// (2024-01-01T00:00:00Z). The 41 timestamp bits below the sign bit
	// hold about 69 years of milliseconds, so ids stay positive until 2093.
	Epoch int64 = 1704067200000
)

// TimeSource supplies the cluster-synchronized millisecond timestamp a
// Generator embeds in every id. internal/clock.SynchronizedClock satisfies
// this interface; tests may supply a fake.
type TimeSource interface {
	NowMillis() int64
}

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// SystemClock is the default TimeSource, used when no synchronized clock
// is available (e.g. the shard manager's own id generation).
var SystemClock TimeSource = systemClock{}

// Generator mints monotonically increasing wire.IDs unique to its
// machineID for as long as that machineID is not reassigned to another
// live runner. A runner obtains its machineID from the shard manager at
// Register time (spec.md §4.6).
type Generator struct {
	mu        sync.Mutex
	clock     TimeSource
	machineID int64
	lastMS    int64
	seq       int64
}

// New creates a Generator for the given machine id, obtained from
// ShardManager.Register. Returns an error if machineID is out of the
// 12-bit range the wire format allots it.
func New(machineID int64, clock TimeSource) (*Generator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("snowflake: machine id %d out of range [0,%d]", machineID, maxMachineID)
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Generator{clock: clock, machineID: machineID, lastMS: -1}, nil
}

// Next returns the next unique id. Sequence resets every millisecond; on
// overflow within a millisecond it busy-waits for the clock to tick
// forward rather than reusing a sequence number.
func (g *Generator) Next() wire.ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.NowMillis()
	if now < g.lastMS {
		// Clock moved backwards (resync, leap correction). Hold at the
		// last observed millisecond rather than risk reissuing an id.
		now = g.lastMS
	}

	if now == g.lastMS {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			for now <= g.lastMS {
				now = g.clock.NowMillis()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now

	ts := now - Epoch
	id := (ts << timestampShift) | (g.machineID << machineIDShift) | g.seq
	return wire.ID(id)
}

// Decompose splits a previously minted id back into its components, handy
// for logging and tests.
func Decompose(id wire.ID) (timestampMS int64, machineID int64, sequence int64) {
	v := int64(id)
	sequence = v & maxSequence
	machineID = (v >> machineIDShift) & maxMachineID
	timestampMS = (v >> timestampShift) + Epoch
	return
}
