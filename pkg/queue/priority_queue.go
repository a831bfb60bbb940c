package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"ssb-archive/pkg/models"
)

// PQItem is one entry of the heap
type PQItem struct {
	workItem *models.WorkItem
	priority int    // Lower is popped first
	seq      uint64 // Insertion order, FIFO among equal priorities
	index    int
}

// PriorityQueue implements heap.Interface
type PriorityQueue []*PQItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	item := x.(*PQItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// priorityOf orders shallow work first; at equal depth, requisites of an
// already written document go before further links
func priorityOf(item *models.WorkItem) int {
	p := item.Depth * 2
	if item.Role == models.RoleLink {
		p++
	}
	return p
}

// ThreadSafePriorityQueue is the blocking work queue shared by the crawl workers
type ThreadSafePriorityQueue struct {
	pq     PriorityQueue
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	seq    uint64
	log    *logrus.Entry
}

func NewThreadSafePriorityQueue(logger *logrus.Entry) *ThreadSafePriorityQueue {
	tspq := &ThreadSafePriorityQueue{log: logger}
	tspq.cond = sync.NewCond(&tspq.mu)
	heap.Init(&tspq.pq)
	return tspq
}

// Add pushes a work item. Items added after Close are dropped.
func (tspq *ThreadSafePriorityQueue) Add(item *models.WorkItem) {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	if tspq.closed {
		tspq.log.Warnf("Attempted to add item to closed queue: %s", item.Ref)
		return
	}

	tspq.seq++
	heap.Push(&tspq.pq, &PQItem{workItem: item, priority: priorityOf(item), seq: tspq.seq})
	tspq.cond.Signal()
}

// Pop blocks until an item is available. It returns false once the queue is closed and drained.
func (tspq *ThreadSafePriorityQueue) Pop() (*models.WorkItem, bool) {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	for len(tspq.pq) == 0 {
		if tspq.closed {
			return nil, false
		}
		tspq.cond.Wait()
	}
	return heap.Pop(&tspq.pq).(*PQItem).workItem, true
}

// Close wakes every waiting worker; no more items are accepted
func (tspq *ThreadSafePriorityQueue) Close() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	if !tspq.closed {
		tspq.closed = true
		tspq.cond.Broadcast()
	}
}

func (tspq *ThreadSafePriorityQueue) Len() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	return len(tspq.pq)
}
