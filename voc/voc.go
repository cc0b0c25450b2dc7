package voc

import (
    "bytes"
    "fmt"
    "log"
)

/* Creative Voice File parsing. Duke3D sound assets are VOC files with either
 * old-style type 1 sound blocks (frequency divisor + codec byte) or new-style
 * type 9 blocks (explicit rate/bits/channels/codec header).
 *
 * Codec values in a type 1 block: 0 = 8-bit unsigned PCM, 4 = Creative 4-bit ADPCM.
 * In a type 9 block codec 4 means 16-bit signed PCM, not ADPCM.
 */

const headerMagic = "Creative Voice File\x1a"

const (
    CodecPCM = 0
    CodecADPCM = 4
)

type SampleInfo struct {
    // the raw sample bytes inside the block, not a copy
    Data []byte
    SampleRate int
    Is16Bit bool
    IsADPCM bool
}

func readLE16(data []byte) int {
    return int(data[0]) | int(data[1]) << 8
}

func readLE24(data []byte) int {
    return int(data[0]) | int(data[1]) << 8 | int(data[2]) << 16
}

func readLE32(data []byte) int {
    return int(data[0]) | int(data[1]) << 8 | int(data[2]) << 16 | int(data[3]) << 24
}

// Parse walks the block list of a VOC file and returns the first sound data
// block. Unsupported blocks are skipped.
func Parse(data []byte) (*SampleInfo, error) {
    if len(data) < 26 {
        return nil, fmt.Errorf("voc: too short to hold a header: %v bytes", len(data))
    }

    if !bytes.Equal(data[0:20], []byte(headerMagic)) {
        return nil, fmt.Errorf("voc: missing '%s' magic", headerMagic[0:19])
    }

    headerSize := readLE16(data[20:])
    if headerSize > len(data) {
        return nil, fmt.Errorf("voc: header size %v exceeds file size %v", headerSize, len(data))
    }

    block := headerSize
    for block < len(data) {
        blockType := data[block]
        if blockType == 0 {
            // terminator
            break
        }

        if block + 4 > len(data) {
            break
        }

        blockSize := readLE24(data[block+1:])
        blockData := block + 4
        if blockData + blockSize > len(data) {
            break
        }

        switch blockType {
            case 1:
                if blockSize < 2 {
                    break
                }

                freqDivisor := data[blockData]
                codec := data[blockData+1]

                if codec != CodecPCM && codec != CodecADPCM {
                    log.Printf("Warning: voc: unsupported type 1 codec %v", codec)
                    break
                }

                return &SampleInfo{
                    Data: data[blockData+2 : blockData+blockSize],
                    SampleRate: 1000000 / (256 - int(freqDivisor)),
                    Is16Bit: false,
                    IsADPCM: codec == CodecADPCM,
                }, nil

            case 9:
                if blockSize < 12 {
                    break
                }

                rate := readLE32(data[blockData:])
                bits := data[blockData+4]
                channels := data[blockData+5]
                codec := readLE16(data[blockData+6:])

                if codec != 0 && codec != 4 {
                    log.Printf("Warning: voc: unsupported type 9 codec %v", codec)
                    break
                }
                if channels != 1 {
                    log.Printf("Warning: voc: %v channels not supported", channels)
                    break
                }

                // in a type 9 block codec 4 is 16-bit signed PCM, never ADPCM
                return &SampleInfo{
                    Data: data[blockData+12 : blockData+blockSize],
                    SampleRate: rate,
                    Is16Bit: bits == 16 || codec == 4,
                    IsADPCM: false,
                }, nil
        }

        block = blockData + blockSize
    }

    return nil, fmt.Errorf("voc: no usable sound data block")
}

// DataLength walks the block list to compute the total size of a VOC file
// whose caller only holds a pointer into a larger archive. Returns a default
// of 64k if the data does not look like a VOC file at all.
func DataLength(data []byte) int {
    const defaultLength = 65536

    if len(data) < 26 || !bytes.Equal(data[0:20], []byte(headerMagic)) {
        return defaultLength
    }

    headerSize := readLE16(data[20:])
    block := headerSize
    total := 0

    for range 100 {
        if block + 4 > len(data) {
            break
        }

        blockType := data[block]
        if blockType == 0 || blockType > 9 {
            break
        }

        blockSize := readLE24(data[block+1:])
        if blockSize > 1000000 {
            break
        }

        total = block + 4 + blockSize
        block += 4 + blockSize
    }

    if total == 0 {
        return defaultLength
    }

    return total
}
