// Package jitter implements the receive-side playout buffer (C7): packets
// are reordered by their RTP sequence index and released after a bounded
// delay, then handed to H.264 FU-A/STAP-A reassembly. New package — the
// teacher (internal/rtp/h264.go's h264Reader) reassembled FU-A fragments
// immediately on receipt with no reordering stage at all.
package jitter

import (
	"container/heap"
	"sync"
	"time"
)

// Packet is one received RTP packet as handed to the jitter buffer, already
// SRTP-unprotected. Sequence is the 48-bit extended index from
// rtp.Reader.ReadPacket, which resolves rollover so ordering here is a
// simple integer comparison.
type Packet struct {
	Sequence  uint64
	Timestamp uint32
	Marker    bool
	Payload   []byte
	Arrival   time.Time
}

// Stats tracks buffer-level observability counters.
type Stats struct {
	Received           uint64
	Lost               uint64
	Duplicates         uint64
	ReassemblyFailures uint64
}

// Buffer reorders incoming packets by sequence and releases them after a
// bounded playout delay.
type Buffer struct {
	mu sync.Mutex

	targetDelay time.Duration
	maxDelay    time.Duration
	maxPackets  int

	pq pqueue

	havePopped bool
	lastPopped uint64

	gapDeadlineSet bool
	gapDeadline    time.Time

	stats Stats
}

const (
	DefaultTargetDelay = 50 * time.Millisecond
	DefaultMaxDelay    = 200 * time.Millisecond

	// assumed packet rate used to size the bounded buffer from maxDelay
	// (max_delay * expected_packet_rate packets at most).
	assumedPacketsPerSecond = 200
)

func NewBuffer() *Buffer {
	return NewBufferWithDelays(DefaultTargetDelay, DefaultMaxDelay)
}

func NewBufferWithDelays(targetDelay, maxDelay time.Duration) *Buffer {
	maxPackets := int(maxDelay.Seconds() * assumedPacketsPerSecond)
	if maxPackets < 1 {
		maxPackets = 1
	}
	b := &Buffer{
		targetDelay: targetDelay,
		maxDelay:    maxDelay,
		maxPackets:  maxPackets,
	}
	heap.Init(&b.pq)
	return b
}

// Push inserts pkt in sequence order. Packets older than the playout head
// (already popped) or already buffered are dropped as duplicates.
func (b *Buffer) Push(pkt Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Received++

	if b.havePopped && pkt.Sequence <= b.lastPopped {
		b.stats.Duplicates++
		return
	}
	for _, p := range b.pq {
		if p.Sequence == pkt.Sequence {
			b.stats.Duplicates++
			return
		}
	}

	heap.Push(&b.pq, pkt)

	// Bounded memory: if we've exceeded maxPackets, the buffer is "full"
	// and Pop will release the head immediately regardless of age.
}

// Pop releases the next packet in sequence order if it is ready: either its
// in-buffer age has reached targetDelay, or the buffer is full. If the head
// isn't the immediate successor of the last popped packet, Pop waits up to
// targetDelay extra before declaring the gap lost and releasing anyway.
func (b *Buffer) Pop(now time.Time) (Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pq) == 0 {
		return Packet{}, false
	}

	head := b.pq[0]
	age := now.Sub(head.Arrival)
	full := len(b.pq) >= b.maxPackets

	if age < b.targetDelay && !full {
		return Packet{}, false
	}

	if b.havePopped && head.Sequence != b.lastPopped+1 {
		if !b.gapDeadlineSet {
			b.gapDeadlineSet = true
			b.gapDeadline = now.Add(b.targetDelay)
			if !full {
				return Packet{}, false
			}
		} else if now.Before(b.gapDeadline) && !full {
			return Packet{}, false
		}
		b.stats.Lost += head.Sequence - b.lastPopped - 1
	}
	b.gapDeadlineSet = false

	heap.Pop(&b.pq)
	b.havePopped = true
	b.lastPopped = head.Sequence
	return head, true
}

// Stats returns a snapshot of the buffer's observability counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Buffer) addReassemblyFailure() {
	b.mu.Lock()
	b.stats.ReassemblyFailures++
	b.mu.Unlock()
}

// pqueue is a container/heap.Interface over buffered packets, ordered by
// sequence index (already wraparound-resolved by the caller).
type pqueue []Packet

func (q pqueue) Len() int            { return len(q) }
func (q pqueue) Less(i, j int) bool  { return q[i].Sequence < q[j].Sequence }
func (q pqueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pqueue) Push(x interface{}) { *q = append(*q, x.(Packet)) }
func (q *pqueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
