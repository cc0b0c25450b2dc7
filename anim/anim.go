package anim

import (
    "encoding/binary"
    "fmt"
)

// RunSkipDump frame decoder for the anm delta format. Each opcode either
// dumps literal pixels, repeats one pixel, or skips ahead over pixels that
// are unchanged from the previous frame already present in dst.
//
// Short opcodes pack the operation into one signed byte: positive is a
// dump count, zero introduces a run, negative is a skip with the count in
// the low 7 bits. A skip of zero escapes to the long forms, which carry a
// 16-bit word: positive is a skip, zero ends the frame, and the high bits
// 0x8000 and 0x4000 select long dump or long run.

// Decode applies one frame of opcodes from src onto dst. dst holds the
// previous frame and is updated in place.
func Decode(src []byte, dst []byte) error {
    srcPos := 0
    dstPos := 0

    readByte := func() (uint8, error) {
        if srcPos >= len(src) {
            return 0, fmt.Errorf("opcode stream ends early at byte %v", srcPos)
        }
        value := src[srcPos]
        srcPos += 1
        return value, nil
    }

    dump := func(count int) error {
        if srcPos + count > len(src) {
            return fmt.Errorf("dump of %v bytes overruns the source at %v", count, srcPos)
        }
        if dstPos + count > len(dst) {
            return fmt.Errorf("dump of %v bytes overruns the frame at %v", count, dstPos)
        }
        copy(dst[dstPos:], src[srcPos:srcPos+count])
        srcPos += count
        dstPos += count
        return nil
    }

    run := func(count int) error {
        pixel, err := readByte()
        if err != nil {
            return err
        }
        if dstPos + count > len(dst) {
            return fmt.Errorf("run of %v bytes overruns the frame at %v", count, dstPos)
        }
        for i := range count {
            dst[dstPos + i] = pixel
        }
        dstPos += count
        return nil
    }

    for {
        opcode, err := readByte()
        if err != nil {
            return err
        }

        count := int(int8(opcode))
        switch {
            case count > 0:
                // short dump
                err := dump(count)
                if err != nil {
                    return err
                }

            case count == 0:
                // short run: count byte then pixel
                runCount, err := readByte()
                if err != nil {
                    return err
                }
                err = run(int(runCount))
                if err != nil {
                    return err
                }

            case opcode != 0x80:
                // short skip, count in the low 7 bits
                dstPos += int(opcode & 0x7f)

            default:
                // long opcode with a 16-bit argument
                if srcPos + 2 > len(src) {
                    return fmt.Errorf("opcode stream ends early at byte %v", srcPos)
                }
                word := binary.LittleEndian.Uint16(src[srcPos:])
                srcPos += 2

                switch {
                    case word == 0:
                        // end of frame
                        return nil
                    case word < 0x8000:
                        // long skip
                        dstPos += int(word)
                    case word & 0x4000 != 0:
                        // long run
                        err := run(int(word & 0x3fff))
                        if err != nil {
                            return err
                        }
                    default:
                        // long dump
                        err := dump(int(word & 0x3fff))
                        if err != nil {
                            return err
                        }
                }
        }

        if dstPos > len(dst) {
            return fmt.Errorf("skip past the end of the frame: %v of %v", dstPos, len(dst))
        }
    }
}
