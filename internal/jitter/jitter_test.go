package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBufferReordersBySequence(t *testing.T) {
	b := NewBufferWithDelays(10*time.Millisecond, 100*time.Millisecond)
	start := time.Now()

	b.Push(Packet{Sequence: 2, Payload: []byte("b"), Arrival: start})
	b.Push(Packet{Sequence: 1, Payload: []byte("a"), Arrival: start})
	b.Push(Packet{Sequence: 3, Payload: []byte("c"), Arrival: start})

	later := start.Add(20 * time.Millisecond)
	p1, ok := b.Pop(later)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), p1.Sequence)

	p2, ok := b.Pop(later)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), p2.Sequence)

	p3, ok := b.Pop(later)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), p3.Sequence)
}

func TestBufferWithholdsUntilTargetDelay(t *testing.T) {
	b := NewBufferWithDelays(50*time.Millisecond, 500*time.Millisecond)
	start := time.Now()
	b.Push(Packet{Sequence: 1, Payload: []byte("a"), Arrival: start})

	_, ok := b.Pop(start.Add(10 * time.Millisecond))
	assert.False(t, ok)

	_, ok = b.Pop(start.Add(60 * time.Millisecond))
	assert.True(t, ok)
}

func TestBufferDropsDuplicates(t *testing.T) {
	b := NewBufferWithDelays(10*time.Millisecond, 100*time.Millisecond)
	start := time.Now()
	b.Push(Packet{Sequence: 5, Payload: []byte("a"), Arrival: start})
	b.Push(Packet{Sequence: 5, Payload: []byte("a"), Arrival: start})

	p, ok := b.Pop(start.Add(20 * time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, uint64(5), p.Sequence)

	_, ok = b.Pop(start.Add(20 * time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), b.Stats().Duplicates)
}

func TestBufferMarksGapLost(t *testing.T) {
	b := NewBufferWithDelays(10*time.Millisecond, 100*time.Millisecond)
	start := time.Now()
	b.Push(Packet{Sequence: 1, Payload: []byte("a"), Arrival: start})
	p, ok := b.Pop(start.Add(20 * time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), p.Sequence)

	// Sequence 2 never arrives; 3 does.
	b.Push(Packet{Sequence: 3, Payload: []byte("c"), Arrival: start.Add(20 * time.Millisecond)})

	// First poll at the target-delay boundary detects the gap and starts
	// the extra grace period, but withholds the packet.
	_, ok = b.Pop(start.Add(30 * time.Millisecond))
	assert.False(t, ok)

	// Still within the grace period: withhold.
	_, ok = b.Pop(start.Add(35 * time.Millisecond))
	assert.False(t, ok)

	// Grace period elapsed: release, marking the gap lost.
	p3, ok := b.Pop(start.Add(40 * time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, uint64(3), p3.Sequence)
	assert.Equal(t, uint64(1), b.Stats().Lost)
}

func TestReassemblerSingleFUA(t *testing.T) {
	buf := NewBufferWithDelays(DefaultTargetDelay, DefaultMaxDelay)
	r := NewReassembler(buf)

	indicator := byte(0x60 | 28) // FU-A, NRI=3
	var got [][]byte
	onNAL := func(n []byte) { got = append(got, append([]byte(nil), n...)) }

	r.Push(Packet{Sequence: 10, Payload: []byte{indicator, 0x80 | 7, 'A', 'B'}}, onNAL) // start, type 7 (SPS)
	r.Push(Packet{Sequence: 11, Payload: []byte{indicator, 0x00 | 7, 'C', 'D'}}, onNAL)
	r.Push(Packet{Sequence: 12, Payload: []byte{indicator, 0x40 | 7, 'E'}}, onNAL) // end

	assert.Len(t, got, 1)
	assert.Equal(t, byte(7), got[0][0]&0x1f)
	assert.Equal(t, []byte("ABCDE"), got[0][1:])
}

func TestReassemblerAbortsOnGap(t *testing.T) {
	buf := NewBufferWithDelays(DefaultTargetDelay, DefaultMaxDelay)
	r := NewReassembler(buf)

	indicator := byte(28)
	var called bool
	onNAL := func(n []byte) { called = true }

	r.Push(Packet{Sequence: 1, Payload: []byte{indicator, 0x80 | 7, 'A'}}, onNAL)
	// Skip sequence 2: gap.
	r.Push(Packet{Sequence: 3, Payload: []byte{indicator, 0x40 | 7, 'B'}}, onNAL)

	assert.False(t, called)
	assert.Equal(t, uint64(1), buf.Stats().ReassemblyFailures)
}
