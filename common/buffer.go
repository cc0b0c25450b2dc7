package common

import (
    "sync"
)

// AudioBuffer is a bounded ring of interleaved stereo int16 samples sitting
// between the mixing engine and whatever is draining audio to the hardware.
type AudioBuffer struct {
    Buffer []int16
    lock sync.Mutex

    start int
    end int
    count int
}

func (buffer *AudioBuffer) Len() int {
    buffer.lock.Lock()
    defer buffer.lock.Unlock()
    return buffer.count
}

func (buffer *AudioBuffer) Free() int {
    buffer.lock.Lock()
    defer buffer.lock.Unlock()
    return len(buffer.Buffer) - buffer.count
}

func (buffer *AudioBuffer) Clear() {
    buffer.lock.Lock()
    defer buffer.lock.Unlock()

    buffer.start = 0
    buffer.end = 0
    buffer.count = 0
}

func (buffer *AudioBuffer) Read(data []int16) int {
    buffer.lock.Lock()
    defer buffer.lock.Unlock()

    total := 0

    if buffer.count == 0 {
        return total
    }

    // using copy() is much faster than a one-at-a-time loop, so we copy
    // ranges of samples out of the ring buffer
    index := 0
    for buffer.count > 0 && index < len(data) {
        limit := buffer.count
        if buffer.start + buffer.count > len(buffer.Buffer) {
            limit = len(buffer.Buffer) - buffer.start
        }
        limit = min(limit, len(data[index:]))
        copy(data[index:], buffer.Buffer[buffer.start:buffer.start + limit])
        buffer.start = (buffer.start + limit) % len(buffer.Buffer)
        index += limit
        buffer.count -= limit
        total += limit
    }

    return total
}

// Write appends samples, dropping the newest ones if the ring is full.
// Returns the number of samples actually stored.
func (buffer *AudioBuffer) Write(data []int16) int {
    buffer.lock.Lock()
    defer buffer.lock.Unlock()

    total := 0

    for _, value := range data {
        if buffer.count >= len(buffer.Buffer) {
            break
        }

        buffer.count += 1
        buffer.Buffer[buffer.end] = value
        buffer.end += 1
        if buffer.end >= len(buffer.Buffer) {
            buffer.end = 0
        }
        total += 1
    }

    return total
}

func MakeAudioBuffer(size int) *AudioBuffer {
    return &AudioBuffer{
        Buffer: make([]int16, size),
    }
}
