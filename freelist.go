package refslab

import "sync/atomic"

// freeStack is a lock-free stack of free slot indices. Every push
// allocates a fresh node, so the classic ABA hazard of CAS-based stacks
// does not arise: a node address cannot be recycled while any pop still
// holds it.
type freeStack struct {
	head atomic.Pointer[freeNode]
}

type freeNode struct {
	index uint32
	next  *freeNode
}

func newFreeStack() *freeStack {
	return &freeStack{}
}

func (s *freeStack) push(index uint32) {
	node := &freeNode{index: index}
	for {
		old := s.head.Load()
		node.next = old
		if s.head.CompareAndSwap(old, node) {
			return
		}
	}
}

func (s *freeStack) pop() (uint32, bool) {
	for {
		old := s.head.Load()
		if old == nil {
			return 0, false
		}
		if s.head.CompareAndSwap(old, old.next) {
			return old.index, true
		}
	}
}

func (s *freeStack) clear() {
	s.head.Store(nil)
}
