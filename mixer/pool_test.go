package mixer

import (
    "testing"
)

func TestStreamPoolCycle(t *testing.T) {
    pool := MakeStreamPool(2, 4)

    first := pool.TakeBuffer()
    second := pool.TakeBuffer()
    if first == nil || second == nil {
        t.Fatalf("expected two buffers")
    }
    if pool.TakeBuffer() != nil {
        t.Fatalf("pool should be exhausted")
    }

    for i := range first.Samples {
        first.Samples[i] = int16(i + 1)
    }
    pool.GiveBuffer(first)

    if pool.Buffered() != 4 {
        t.Errorf("expected 4 buffered frames, got %v", pool.Buffered())
    }

    data := make([]byte, 8)
    n, err := pool.Read(data)
    if err != nil || n != 8 {
        t.Fatalf("read returned %v, %v", n, err)
    }
    // little-endian int16 stream
    if data[0] != 1 || data[1] != 0 || data[2] != 2 {
        t.Errorf("bad byte stream: %v", data)
    }

    // the buffer is back on the free list
    if pool.TakeBuffer() == nil {
        t.Errorf("expected the returned buffer to be reusable")
    }
}

func TestStreamPoolUnderrunPadsSilence(t *testing.T) {
    pool := MakeStreamPool(2, 4)

    data := []byte{0xaa, 0xbb, 0xcc, 0xdd}
    n, err := pool.Read(data)
    if err != nil || n != 4 {
        t.Fatalf("read returned %v, %v", n, err)
    }
    for i, value := range data {
        if value != 0 {
            t.Errorf("byte %v should be silence, got %v", i, value)
        }
    }
}

func TestStreamPoolBackpressure(t *testing.T) {
    pool := MakeStreamPool(4, 4)

    // fill the ring: (numBuffers+1) * frames capacity
    given := 0
    for {
        buffer := pool.TakeBuffer()
        if buffer == nil {
            break
        }
        pool.GiveBuffer(buffer)
        given += 1
        if given > 100 {
            t.Fatalf("pool never exerted backpressure")
        }
    }

    // draining the ring frees room again
    data := make([]byte, 4 * 2 * 2)
    pool.Read(data)
    if pool.TakeBuffer() == nil {
        t.Errorf("expected a buffer after draining")
    }
}
