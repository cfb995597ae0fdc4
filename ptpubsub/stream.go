// Package ptpubsub carries values from concurrent producers
// to readers that each consume at their own pace.
package ptpubsub

import "sync"

// Stream is a linked list of event-driven values.
// Readers wait on Ready, then read Val and move to Next.
//
// If readers do not actively consume the list,
// the node they observe will never be garbage collected,
// which is a memory leak.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an initialized, unpublished stream node.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		Ready: make(chan struct{}),
	}
}

// Publish assigns s's value, initializes s.Next and closes s.Ready.
//
// If Publish is called twice for the same s, Publish panics.
func (s *Stream[T]) Publish(t T) {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
}

// Publisher appends to a [Stream] from any number of goroutines.
// Publish never blocks.
type Publisher[T any] struct {
	mu   sync.Mutex
	head *Stream[T]
	tail *Stream[T]
}

func NewPublisher[T any]() *Publisher[T] {
	s := NewStream[T]()
	return &Publisher[T]{head: s, tail: s}
}

// Head returns the first node of the stream.
// Readers starting from it see every published value.
func (p *Publisher[T]) Head() *Stream[T] {
	return p.head
}

func (p *Publisher[T]) Publish(t T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tail.Publish(t)
	p.tail = p.tail.Next
}
