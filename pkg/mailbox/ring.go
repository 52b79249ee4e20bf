// Package mailbox implements the CAN adapter's 7 hardware mailboxes, each
// bound to a bounded software RX ring of 8 frames.
package mailbox

import can "github.com/vdiagfw/engine/pkg/can"

// RingSize is the bounded RX ring depth per mailbox, per the hardware
// budget (spec §6): exactly 8 entries.
const RingSize = 8

// Ring is a single-producer/single-consumer circular buffer of CAN frames.
// The producer is the bus's frame-handling goroutine (standing in for a
// mailbox interrupt); the consumer is the dispatch loop's poll step.
// Adapted from the teacher's byte-oriented Fifo: same read/write-cursor
// discipline, here holding fixed-size frames instead of bytes, and with one
// extra slot reserved so writePos==readPos is unambiguously "empty".
type Ring struct {
	buffer  [RingSize + 1]can.Frame
	readPos int
	writePos int
	dropped  uint32
}

// Push enqueues a frame. On a full ring the incoming frame is dropped
// silently (per spec §4.2/§9 Open Question 7) and Dropped is incremented.
func (r *Ring) Push(frame can.Frame) {
	next := r.writePos + 1
	if next == len(r.buffer) {
		next = 0
	}
	if next == r.readPos {
		r.dropped++
		return
	}
	r.buffer[r.writePos] = frame
	r.writePos = next
}

// Pop removes and returns the oldest frame, if any.
func (r *Ring) Pop() (can.Frame, bool) {
	if r.readPos == r.writePos {
		return can.Frame{}, false
	}
	frame := r.buffer[r.readPos]
	r.readPos++
	if r.readPos == len(r.buffer) {
		r.readPos = 0
	}
	return frame, true
}

// Clear empties the ring without resetting the drop counter.
func (r *Ring) Clear() {
	r.readPos = 0
	r.writePos = 0
}

// Dropped returns the number of frames dropped so far due to ring overflow.
func (r *Ring) Dropped() uint32 { return r.dropped }
