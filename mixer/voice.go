package mixer

import (
    "github.com/kazzmir/dukesound/voc"
)

// VoiceBufferSamples is the size of the small per-voice decode buffer. The
// mixer pulls decoded samples from here and refills it from the source data
// mid-pass whenever the playback position crosses the end.
const VoiceBufferSamples = 256

// cap on refills for one voice within a single mix pass, so a pathological
// tiny looping source cannot spin forever inside one output buffer
const maxRefillsPerPass = 20

type voice struct {
    data []byte
    position int // byte cursor into data
    end int
    loopStart int // -1 when not looping
    loopEnd int

    buffer [VoiceBufferSamples]int8
    bufferSize int

    offset uint32 // position in buffer, 16.16 fixed point
    step uint32   // advance per output sample, 16.16 fixed point

    leftVolume uint8
    rightVolume uint8
    priority int

    active bool
    looping bool
    is16Bit bool
    isSigned bool
    isADPCM bool

    adpcm voc.Decoder

    // unadjusted sample rate, kept so SetPitch can recompute the step
    baseRate int

    callback uint32
    generation int

    alpha256 int // low-pass coefficient, 0 = filter off
}

// refill decodes or copies the next block of source samples into the local
// buffer. A result of bufferSize == 0 means the sound has finished.
func (v *voice) refill() {
    sourceEnd := v.end
    if v.looping && v.loopEnd > 0 && v.loopEnd < v.end {
        sourceEnd = v.loopEnd
    }

    if v.position >= sourceEnd {
        if v.looping && v.loopStart >= 0 {
            v.position = v.loopStart
            if v.isADPCM {
                v.adpcm.Reset()
            }
        } else {
            v.bufferSize = 0
            return
        }
    }

    if v.isADPCM {
        v.refillADPCM(sourceEnd)
    } else {
        v.refillPCM(sourceEnd)
    }
}

func (v *voice) refillADPCM(sourceEnd int) {
    decoded := 0

    // the first byte of the stream is a raw reference sample
    if !v.adpcm.Primed() && v.position < sourceEnd {
        v.adpcm.Prime(v.data[v.position])
        v.position += 1
    }

    for decoded < VoiceBufferSamples && v.position < sourceEnd {
        first, second := v.adpcm.DecodeByte(v.data[v.position])
        v.position += 1

        v.buffer[decoded] = first
        decoded += 1
        if decoded >= VoiceBufferSamples {
            break
        }
        v.buffer[decoded] = second
        decoded += 1
    }

    v.bufferSize = decoded
}

func (v *voice) refillPCM(sourceEnd int) {
    available := sourceEnd - v.position
    if v.is16Bit {
        available /= 2
    }

    toCopy := min(available, VoiceBufferSamples)
    if toCopy <= 0 {
        v.bufferSize = 0
        return
    }

    if v.is16Bit {
        // keep the high byte of each little-endian 16-bit sample
        for i := range toCopy {
            v.buffer[i] = int8(v.data[v.position + i*2 + 1])
        }
        v.position += toCopy * 2
    } else if v.isSigned {
        for i := range toCopy {
            v.buffer[i] = int8(v.data[v.position + i])
        }
        v.position += toCopy
    } else {
        // 8-bit unsigned to signed
        for i := range toCopy {
            v.buffer[i] = int8(v.data[v.position + i] - 128)
        }
        v.position += toCopy
    }

    v.bufferSize = toCopy
}
