package voc

/* Creative 4-bit ADPCM decoder using the DOSBox table-based algorithm:
 * a 64-entry scale map indexed by nibble + step, and an adjust map that
 * moves the step between 0, 16, 32 and 48.
 *
 * The classic IMA decoder (89-entry step table, 8-entry index table) is a
 * different, incompatible algorithm and is deliberately not implemented.
 */

var adpcmScaleMap = [64]int8{
    0,  1,  2,  3,  4,  5,  6,  7,  0,  -1,  -2,  -3,  -4,  -5,  -6,  -7,
    1,  3,  5,  7,  9, 11, 13, 15, -1,  -3,  -5,  -7,  -9, -11, -13, -15,
    2,  6, 10, 14, 18, 22, 26, 30, -2,  -6, -10, -14, -18, -22, -26, -30,
    4, 12, 20, 28, 36, 44, 52, 60, -4, -12, -20, -28, -36, -44, -52, -60,
}

var adpcmAdjustMap = [64]int8{
      0,  0,  0,  0,  0, 16, 16, 16,
      0,  0,  0,  0,  0, 16, 16, 16,
    -16,  0,  0,  0,  0, 16, 16, 16,
    -16,  0,  0,  0,  0, 16, 16, 16,
    -16,  0,  0,  0,  0, 16, 16, 16,
    -16,  0,  0,  0,  0, 16, 16, 16,
    -16,  0,  0,  0,  0,  0,  0,  0,
    -16,  0,  0,  0,  0,  0,  0,  0,
}

type Decoder struct {
    Reference uint8 // running predictor, unsigned 8-bit sample
    Step int        // 0, 16, 32 or 48. -1 = needs the initial raw byte
}

// Reset puts the decoder in the state it should be in at the start of the
// sample data, and after rewinding to a loop point.
func (decoder *Decoder) Reset() {
    decoder.Reference = 128
    decoder.Step = -1
}

func (decoder *Decoder) Primed() bool {
    return decoder.Step >= 0
}

// Prime consumes the first data byte, which is a raw 8-bit reference sample
// rather than two nibbles.
func (decoder *Decoder) Prime(value uint8) {
    decoder.Reference = value
    decoder.Step = 0
}

// Nibble decodes a single 4-bit value and returns the new reference sample.
func (decoder *Decoder) Nibble(nibble int) uint8 {
    i := nibble + decoder.Step
    if i < 0 {
        i = 0
    }
    if i > 63 {
        i = 63
    }

    decoder.Step += int(adpcmAdjustMap[i])
    if decoder.Step < 0 {
        decoder.Step = 0
    }
    if decoder.Step > 48 {
        decoder.Step = 48
    }

    reference := int(decoder.Reference) + int(adpcmScaleMap[i])
    if reference < 0 {
        reference = 0
    }
    if reference > 255 {
        reference = 255
    }
    decoder.Reference = uint8(reference)

    return decoder.Reference
}

// DecodeByte decodes one source byte into two signed 8-bit samples,
// high nibble first.
func (decoder *Decoder) DecodeByte(value uint8) (int8, int8) {
    first := decoder.Nibble(int(value >> 4))
    second := decoder.Nibble(int(value & 0x0f))
    return int8(first - 128), int8(second - 128)
}
