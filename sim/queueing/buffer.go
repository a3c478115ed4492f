// Package queueing provides FIFO buffers that report pushes and pops to hooks.
package queueing

import (
	"fmt"
	"sync"

	"github.com/sarchlab/qserver/sim/hooking"
)

// HookPosBufPush marks when an element is pushed into the buffer.
var HookPosBufPush = &hooking.HookPos{Name: "Buffer Push"}

// HookPosBufPop marks when an element is popped from the buffer.
var HookPosBufPop = &hooking.HookPos{Name: "Buffer Pop"}

// Unbounded is the capacity of a buffer that never refuses a push.
const Unbounded = 0

// A Buffer is a fifo queue for anything
type Buffer interface {
	hooking.Hookable

	Name() string
	CanPush() bool
	Push(e interface{})
	Pop() interface{}
	Peek() interface{}
	Capacity() int
	Size() int
	Clear()
}

// BufferBuilder is a builder for Buffer.
type BufferBuilder struct {
	capacity int
}

// MakeBufferBuilder returns a builder for an unbounded buffer.
func MakeBufferBuilder() BufferBuilder {
	return BufferBuilder{capacity: Unbounded}
}

// WithCapacity bounds the buffer. A bounded buffer panics on overflow, so
// callers must check CanPush.
func (b BufferBuilder) WithCapacity(capacity int) BufferBuilder {
	if capacity < 0 {
		panic(fmt.Sprintf("invalid buffer capacity %d", capacity))
	}

	b.capacity = capacity

	return b
}

// Build builds a new Buffer.
func (b BufferBuilder) Build(name string) Buffer {
	return &bufferImpl{
		name:     name,
		capacity: b.capacity,
	}
}

// bufferImpl is safe for concurrent use. Hooks run outside the lock.
type bufferImpl struct {
	hooking.HookableBase

	lock     sync.RWMutex
	name     string
	capacity int
	elements []interface{}
	head     int
}

// Name returns the name of the buffer.
func (b *bufferImpl) Name() string {
	return b.name
}

func (b *bufferImpl) CanPush() bool {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return b.canPush()
}

func (b *bufferImpl) canPush() bool {
	return b.capacity == Unbounded || b.size() < b.capacity
}

func (b *bufferImpl) Push(e interface{}) {
	b.lock.Lock()
	if !b.canPush() {
		b.lock.Unlock()
		panic("buffer overflow")
	}

	b.elements = append(b.elements, e)
	b.lock.Unlock()

	if b.NumHooks() > 0 {
		b.InvokeHook(hooking.HookCtx{
			Domain: b,
			Pos:    HookPosBufPush,
			Item:   e,
		})
	}
}

func (b *bufferImpl) Pop() interface{} {
	b.lock.Lock()
	if b.size() == 0 {
		b.lock.Unlock()
		return nil
	}

	e := b.elements[b.head]
	b.elements[b.head] = nil
	b.head++
	b.compact()
	b.lock.Unlock()

	if b.NumHooks() > 0 {
		b.InvokeHook(hooking.HookCtx{
			Domain: b,
			Pos:    HookPosBufPop,
			Item:   e,
		})
	}

	return e
}

// compact reclaims the popped prefix once it dominates the backing slice.
func (b *bufferImpl) compact() {
	if b.head == len(b.elements) {
		b.elements = b.elements[:0]
		b.head = 0

		return
	}

	if b.head > 64 && b.head*2 > len(b.elements) {
		n := copy(b.elements, b.elements[b.head:])
		clear(b.elements[n:])
		b.elements = b.elements[:n]
		b.head = 0
	}
}

func (b *bufferImpl) Peek() interface{} {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.size() == 0 {
		return nil
	}

	return b.elements[b.head]
}

func (b *bufferImpl) Capacity() int {
	return b.capacity
}

func (b *bufferImpl) Size() int {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return b.size()
}

func (b *bufferImpl) size() int {
	return len(b.elements) - b.head
}

func (b *bufferImpl) Clear() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.elements = nil
	b.head = 0
}
