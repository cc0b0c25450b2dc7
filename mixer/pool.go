package mixer

import (
    "github.com/kazzmir/dukesound/common"
)

// Buffer is one hardware-sized chunk of interleaved stereo int16 samples.
type Buffer struct {
    Samples []int16
}

func (buffer *Buffer) Frames() int {
    return len(buffer.Samples) / 2
}

// BufferPool is the hardware audio sink abstraction: the engine polls for an
// empty buffer, fills it, and hands it back. TakeBuffer must never block;
// it returns nil when the sink has no room.
type BufferPool interface {
    TakeBuffer() *Buffer
    GiveBuffer(buffer *Buffer)
}

// StreamPool is a BufferPool whose returned buffers drain into a sample ring
// that can be read as a little-endian 16-bit pcm stream, which is the shape
// oto wants. A fixed set of buffers cycles between the free list and the
// engine.
type StreamPool struct {
    free chan *Buffer
    ring *common.AudioBuffer
    frames int
}

func MakeStreamPool(numBuffers int, frames int) *StreamPool {
    pool := &StreamPool{
        free: make(chan *Buffer, numBuffers),
        // enough ring space to hold every buffer at once plus one extra
        ring: common.MakeAudioBuffer((numBuffers + 1) * frames * 2),
        frames: frames,
    }

    for range numBuffers {
        pool.free <- &Buffer{Samples: make([]int16, frames * 2)}
    }

    return pool
}

func (pool *StreamPool) TakeBuffer() *Buffer {
    // don't hand out a buffer the ring has no room to absorb, otherwise
    // GiveBuffer would have to drop samples
    if pool.ring.Free() < pool.frames * 2 {
        return nil
    }

    select {
        case buffer := <-pool.free:
            return buffer
        default:
            return nil
    }
}

func (pool *StreamPool) GiveBuffer(buffer *Buffer) {
    pool.ring.Write(buffer.Samples)
    pool.free <- buffer
}

// Read drains the ring as signed 16-bit little-endian bytes. Shortfall is
// padded with silence: an underrun is a glitch, never an error.
func (pool *StreamPool) Read(data []byte) (int, error) {
    samples := make([]int16, len(data) / 2)
    got := pool.ring.Read(samples)

    for i := range samples {
        var value int16
        if i < got {
            value = samples[i]
        }
        data[i*2] = byte(value)
        data[i*2+1] = byte(uint16(value) >> 8)
    }

    return len(samples) * 2, nil
}

// Buffered reports how many stereo frames are waiting to be read.
func (pool *StreamPool) Buffered() int {
    return pool.ring.Len() / 2
}
