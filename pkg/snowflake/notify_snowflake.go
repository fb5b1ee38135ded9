// Package snowflake generates time-ordered 64-bit ids for outbound
// notifications, so chat consumers can deduplicate redeliveries.
//
// Layout: 41 bits of milliseconds since 2026-01-01 UTC, 10 bits of node id,
// 12 bits of per-millisecond sequence.
package snowflake

import (
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const (
	epoch int64 = 1767225600000

	nodeBits     = 10
	sequenceBits = 12

	MaxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	timestampShift = nodeBits + sequenceBits
	nodeShift      = sequenceBits
)

var (
	ErrInvalidNode    = errors.New("snowflake: node must be between 0 and 1023")
	ErrClockMovedBack = errors.New("snowflake: clock moved backwards")
)

// Generator is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	lastMs   int64
	now      func() time.Time
}

func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, ErrInvalidNode
	}
	return &Generator{node: node, now: time.Now}, nil
}

// NodeFromName maps a worker name such as "host-1234" onto a node id.
// Distinct names can collide; set WORKER_ID distinctly per instance.
func NodeFromName(name string) int64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int64(h.Sum32() % (MaxNode + 1))
}

// Next returns a new id. Within one millisecond up to 4096 ids are issued;
// the next call then waits for the clock to advance.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		return 0, ErrClockMovedBack
	}
	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ms <= g.lastMs {
				time.Sleep(100 * time.Microsecond)
				ms = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return (ms-epoch)<<timestampShift | g.node<<nodeShift | g.sequence, nil
}

// NextString is Next formatted in base 10, which JSON consumers in
// languages without 64-bit integers can carry safely.
func (g *Generator) NextString() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Parse splits an id into its parts.
func Parse(id int64) (ts time.Time, node, sequence int64) {
	ts = time.UnixMilli((id >> timestampShift) + epoch).UTC()
	node = (id >> nodeShift) & MaxNode
	sequence = id & maxSequence
	return ts, node, sequence
}
