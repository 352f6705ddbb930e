package explorer

import "container/heap"

// Strategy selects the traversal order of the exploration frontier.
type Strategy string

const (
	StrategyBFS    Strategy = "bfs"    // level by level, shortest paths first
	StrategyDFS    Strategy = "dfs"    // deep chains first
	StrategyRandom Strategy = "random" // random walk with resets
	StrategyGreedy Strategy = "greedy" // most unexplored actions first
	StrategyHybrid Strategy = "hybrid" // shallow BFS, then greedy
)

// frontierEntry is one pending unit of work: a state to expand, the depth it
// was reached at, and the context accumulated on its branch.
type frontierEntry struct {
	state *State
	depth int
	ctx   *Context
}

// frontier is the pending-work container. Each strategy owns its container:
// a FIFO queue for BFS, a LIFO stack for DFS, a priority heap for greedy.
type frontier interface {
	insert(entry frontierEntry)
	next() (frontierEntry, bool)
	size() int
}

type queueFrontier struct {
	entries []frontierEntry
}

func (f *queueFrontier) insert(entry frontierEntry) {
	f.entries = append(f.entries, entry)
}

func (f *queueFrontier) next() (frontierEntry, bool) {
	if len(f.entries) == 0 {
		return frontierEntry{}, false
	}
	entry := f.entries[0]
	f.entries = f.entries[1:]
	return entry, true
}

func (f *queueFrontier) size() int { return len(f.entries) }

type stackFrontier struct {
	entries []frontierEntry
}

func (f *stackFrontier) insert(entry frontierEntry) {
	f.entries = append(f.entries, entry)
}

func (f *stackFrontier) next() (frontierEntry, bool) {
	if len(f.entries) == 0 {
		return frontierEntry{}, false
	}
	entry := f.entries[len(f.entries)-1]
	f.entries = f.entries[:len(f.entries)-1]
	return entry, true
}

func (f *stackFrontier) size() int { return len(f.entries) }

// greedyFrontier pops the entry with the most unexplored outgoing actions.
// Insertion order breaks ties so runs stay deterministic.
type greedyFrontier struct {
	unexplored func(*State) int
	heap       greedyHeap
	seq        int
}

type greedyItem struct {
	entry    frontierEntry
	priority int
	seq      int
}

type greedyHeap []greedyItem

func (h greedyHeap) Len() int { return len(h) }

func (h greedyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h greedyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *greedyHeap) Push(x any) { *h = append(*h, x.(greedyItem)) }

func (h *greedyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (f *greedyFrontier) insert(entry frontierEntry) {
	f.seq++
	heap.Push(&f.heap, greedyItem{
		entry:    entry,
		priority: f.unexplored(entry.state),
		seq:      f.seq,
	})
}

func (f *greedyFrontier) next() (frontierEntry, bool) {
	if f.heap.Len() == 0 {
		return frontierEntry{}, false
	}
	item := heap.Pop(&f.heap).(greedyItem)
	return item.entry, true
}

func (f *greedyFrontier) size() int { return f.heap.Len() }

// newFrontier builds the container for a strategy. The unexplored callback
// counts a state's untried outgoing actions for greedy prioritization.
func newFrontier(strategy Strategy, unexplored func(*State) int) frontier {
	switch strategy {
	case StrategyDFS:
		return &stackFrontier{}
	case StrategyGreedy:
		return &greedyFrontier{unexplored: unexplored}
	default:
		return &queueFrontier{}
	}
}
