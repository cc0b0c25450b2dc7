package wave

import (
    "bytes"
    "fmt"
    "io"
    "log"

    "github.com/go-audio/wav"
)

/* RIFF/WAVE parsing on top of go-audio/wav. Only uncompressed PCM is
 * supported; 8-bit data is unsigned and 16-bit data is signed, which is all
 * the variation Duke3D's assets use. Sounds with more than one channel are
 * accepted but the data is mixed as if it were mono.
 */

type SampleInfo struct {
    Data []byte // raw pcm bytes from the data chunk
    SampleRate int
    Is16Bit bool
    IsSigned bool
}

// Parse extracts the format and raw sample bytes from an in-memory WAV file.
func Parse(data []byte) (*SampleInfo, error) {
    decoder := wav.NewDecoder(bytes.NewReader(data))
    decoder.ReadInfo()

    if err := decoder.Err(); err != nil {
        return nil, fmt.Errorf("wave: unable to read header: %v", err)
    }

    if decoder.WavAudioFormat != 1 {
        return nil, fmt.Errorf("wave: only pcm format supported, got format %v", decoder.WavAudioFormat)
    }

    if decoder.NumChans != 1 {
        log.Printf("Warning: wave: only mono supported, got %v channels", decoder.NumChans)
        // keep going, the data is still playable
    }

    if decoder.BitDepth != 8 && decoder.BitDepth != 16 {
        return nil, fmt.Errorf("wave: unsupported bit depth %v", decoder.BitDepth)
    }

    if err := decoder.FwdToPCM(); err != nil {
        return nil, fmt.Errorf("wave: no data chunk: %v", err)
    }

    size := decoder.PCMLen()
    if size <= 0 {
        return nil, fmt.Errorf("wave: empty data chunk")
    }

    samples := make([]byte, size)
    read, err := io.ReadFull(decoder.PCMChunk, samples)
    if err != nil && err != io.ErrUnexpectedEOF {
        return nil, fmt.Errorf("wave: reading data chunk: %v", err)
    }

    return &SampleInfo{
        Data: samples[:read],
        SampleRate: int(decoder.SampleRate),
        Is16Bit: decoder.BitDepth == 16,
        // 16-bit wav data is signed, 8-bit is unsigned
        IsSigned: decoder.BitDepth == 16,
    }, nil
}

// DataLength reports the size of a WAV file from its RIFF header, for callers
// that hold a pointer into a larger archive with no explicit length.
func DataLength(data []byte) int {
    const defaultLength = 65536

    if len(data) < 8 || !bytes.Equal(data[0:4], []byte("RIFF")) {
        return defaultLength
    }

    riffSize := int(data[4]) | int(data[5]) << 8 | int(data[6]) << 16 | int(data[7]) << 24
    return 8 + riffSize
}
