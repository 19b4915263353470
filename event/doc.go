// Package event provides the ordered, non-blocking event bus that decouples
// orchestration work from the interactive consumer.
//
// Publishing never blocks: each subscriber owns a bounded queue drained on
// its own goroutine, and a subscriber that falls behind loses its oldest
// events to a coalesced Backpressure notice instead of growing memory.
package event
