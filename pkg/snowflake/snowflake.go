// Package snowflake generates time-ordered 64-bit message ids.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	nodeMax   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits

	// Epoch is 2024-01-01 00:00:00 UTC in milliseconds.
	Epoch int64 = 1704067200000
)

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

// ID is a generated identifier. Ids from one node sort by creation time.
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Time returns the millisecond the id was generated in.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id)>>timeShift + Epoch)
}

// Node returns the node number encoded in the id.
func (id ID) Node() int64 {
	return int64(id) >> nodeShift & nodeMax
}

// Parse reads an id previously produced by ID.String.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

type Node struct {
	mu   sync.Mutex
	now  func() int64
	last int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	return &Node{
		now:  func() int64 { return time.Now().UnixMilli() },
		node: node,
	}, nil
}

func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.last {
		// Clock moved backwards; keep issuing from the last seen millisecond.
		now = n.last
	}

	if now == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.last {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.last = now

	return ID((now-Epoch)<<timeShift | n.node<<nodeShift | n.step)
}

// Next is Generate formatted as a string, the form stored and sent on the wire.
func (n *Node) Next() string {
	return n.Generate().String()
}
