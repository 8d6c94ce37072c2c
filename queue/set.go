package queue

import "fmt"

// Set merges several independently-owned queues into one iteration sorted
// by element name across queues. Queues are cloned on add, so iterating the
// set does not disturb cursors held on the original handles.
type Set struct {
	queues []Queue
	heads  []string // next element per queue; "" = exhausted
	primed bool
}

// NewSet builds a set over the given queues.
func NewSet(queues ...Queue) (*Set, error) {
	s := &Set{}
	if err := s.Add(queues...); err != nil {
		return nil, err
	}
	return s, nil
}

// Add inserts queues into the set. Adding the same underlying queue twice,
// even through a different path, is an error. Any in-progress iteration is
// reset.
func (s *Set) Add(queues ...Queue) error {
	for _, q := range queues {
		for _, existing := range s.queues {
			if existing.ID() == q.ID() {
				return fmt.Errorf("%w: %s", ErrDuplicateQueue, q.ID())
			}
		}
		s.queues = append(s.queues, q.Clone())
	}
	s.primed = false
	s.heads = nil
	return nil
}

// Remove drops a queue (matched by identity) from the set and resets any
// in-progress iteration.
func (s *Set) Remove(q Queue) {
	for i, existing := range s.queues {
		if existing.ID() == q.ID() {
			s.queues = append(s.queues[:i], s.queues[i+1:]...)
			s.primed = false
			s.heads = nil
			return
		}
	}
}

// Count returns the number of elements across all queues in the set.
func (s *Set) Count() (int, error) {
	total := 0
	for _, q := range s.queues {
		n, err := q.Count()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// First resets every queue's cursor and returns the queue and name of the
// first element across the set, or (nil, "") when every queue is empty.
func (s *Set) First() (Queue, string, error) {
	s.heads = make([]string, len(s.queues))
	for i, q := range s.queues {
		head, err := q.First()
		if err != nil {
			return nil, "", err
		}
		s.heads[i] = head
	}
	s.primed = true
	return s.Next()
}

// Next returns the next (queue, element) pair in merged sorted order, or
// (nil, "") at the end of the sequence. Calling Next before First starts a
// fresh iteration.
func (s *Set) Next() (Queue, string, error) {
	if !s.primed {
		return s.First()
	}
	min := -1
	for i, head := range s.heads {
		if head == "" {
			continue
		}
		if min < 0 || head < s.heads[min] {
			min = i
		}
	}
	if min < 0 {
		return nil, "", nil
	}
	q, elem := s.queues[min], s.heads[min]
	next, err := q.Next()
	if err != nil {
		return nil, "", err
	}
	s.heads[min] = next
	return q, elem, nil
}
