package cache

import "container/heap"

type commandKind int

const (
	cmdAddHead commandKind = iota
	cmdMoveHead
	cmdUnlink
	cmdReclaim
	cmdInspect
	cmdClear
)

func (k commandKind) String() string {
	switch k {
	case cmdAddHead:
		return "ADD_HEAD"
	case cmdMoveHead:
		return "MOVE_HEAD"
	case cmdUnlink:
		return "UNLINK"
	case cmdReclaim:
		return "RECLAIM"
	case cmdInspect:
		return "INSPECT"
	case cmdClear:
		return "CLEAR"
	default:
		return "UNKNOWN"
	}
}

// priority orders the queue: every list command sorts before CLEAR, so
// recency maintenance is never starved by cleanup.
func (k commandKind) priority() int {
	if k == cmdClear {
		return 1
	}
	return 0
}

// command is one unit of work for the writer goroutine.
type command struct {
	kind  commandKind
	entry *entry // nil for CLEAR, RECLAIM and INSPECT
	seq   uint64

	fraction float64       // RECLAIM
	inspect  func(*Cache)  // INSPECT
	done     chan struct{} // INSPECT
}

// commandQueue is a min-heap on (priority, seq). Within a priority
// commands run in submission order.
type commandQueue []*command

func (q commandQueue) Len() int { return len(q) }

func (q commandQueue) Less(i, j int) bool {
	pi, pj := q[i].kind.priority(), q[j].kind.priority()
	if pi != pj {
		return pi < pj
	}
	return q[i].seq < q[j].seq
}

func (q commandQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *commandQueue) Push(x any) { *q = append(*q, x.(*command)) }

func (q *commandQueue) Pop() any {
	old := *q
	n := len(old)
	cmd := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return cmd
}

// dropClears removes every pending CLEAR.
func (q *commandQueue) dropClears() int {
	kept := (*q)[:0]
	dropped := 0
	for _, cmd := range *q {
		if cmd.kind == cmdClear {
			dropped++
			continue
		}
		kept = append(kept, cmd)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	if dropped > 0 {
		heap.Init(q)
	}
	return dropped
}
