package mixer

import (
    "log"
)

// callbackQueue defers "this sound finished" notifications discovered inside
// the mix loop until a safe point outside it. The mixer is the only producer
// and drainCallbacks the only consumer, so a plain ring with head/tail
// indexes is enough.
const maxPendingCallbacks = 32

// cap on callbacks delivered per drain, so a burst of finished sounds cannot
// stall a buffer-service cycle
const callbacksPerDrain = 8

type callbackQueue struct {
    pending [maxPendingCallbacks]uint32
    head int
    tail int
    draining bool
}

// push enqueues a completion token. If the ring is full the new token is
// dropped; existing entries are never disturbed.
func (queue *callbackQueue) push(value uint32) {
    next := (queue.tail + 1) % maxPendingCallbacks
    if next == queue.head {
        log.Printf("Warning: callback queue full, dropping token %v", value)
        return
    }
    queue.pending[queue.tail] = value
    queue.tail = next
}

// pop removes up to callbacksPerDrain pending tokens and marks a drain as
// in progress. The caller holds the engine lock here, delivers the tokens
// with the lock released, and then calls finish under the lock again; the
// draining flag keeps a callback that re-enters the engine from starting a
// second drain. The false return means another drain owns the flag.
func (queue *callbackQueue) pop() ([]uint32, bool) {
    if queue.draining {
        log.Printf("Warning: re-entrant callback drain blocked")
        return nil, false
    }
    queue.draining = true

    var tokens []uint32
    for queue.head != queue.tail && len(tokens) < callbacksPerDrain {
        tokens = append(tokens, queue.pending[queue.head])
        queue.head = (queue.head + 1) % maxPendingCallbacks
    }

    return tokens, true
}

func (queue *callbackQueue) finish() {
    queue.draining = false
}

func (queue *callbackQueue) pendingCount() int {
    return (queue.tail - queue.head + maxPendingCallbacks) % maxPendingCallbacks
}
