package opl

import (
    "math"
)

// OPL2 (YM3812) synthesizer core. Register writes decode into per-operator
// state and Generate renders interleaved stereo samples; the chip itself is
// mono, so both channels carry the same signal.

const NumChannels = 9
const NumOperators = 18

// master clock 3579545 Hz / 72 gives the reference sample rate the f-number
// formula is defined against
const referenceRate = 49716.0

// envelope states
const (
    envOff = iota
    envAttack
    envDecay
    envSustain
    envRelease
)

const silentDB = 96.0

// operator register offsets are sparse: 0-5, 8-13, 16-21
var operatorOffsets = []int{0, 1, 2, 3, 4, 5, 8, 9, 10, 11, 12, 13, 16, 17, 18, 19, 20, 21}

// modulator and carrier operator index for each channel
var channelOperators = [NumChannels][2]int{
    {0, 3}, {1, 4}, {2, 5},
    {6, 9}, {7, 10}, {8, 11},
    {12, 15}, {13, 16}, {14, 17},
}

// key scale level attenuation in dB per octave
var kslPerOctave = []float64{0, 1.5, 3, 6}

type operator struct {
    mult int // frequency multiplier, 0 means x0.5
    ksr bool
    sustained bool // hold at the sustain level while keyed
    vibrato bool
    tremolo bool

    totalLevel int // 0-63, 0.75 dB per step
    ksl int

    attackRate int
    decayRate int
    sustainLevel int // 0-15, 3 dB per step
    releaseRate int

    waveform int

    phase float64 // 0..1
    state int
    attenuation float64 // dB, 0 = full volume

    output float64 // last output, feeds the feedback path
}

type channel struct {
    fnum int
    block int
    keyOn bool

    feedback int
    additive bool // connection bit: carrier + modulator instead of fm
}

// Chip is a register-level OPL2. Not safe for concurrent use; the music
// engine serializes access.
type Chip struct {
    sampleRate int

    operators [NumOperators]operator
    channels [NumChannels]channel

    waveformSelect bool // register 0x01 bit 5

    deepTremolo bool
    deepVibrato bool
}

func MakeChip(sampleRate int) *Chip {
    chip := Chip{sampleRate: sampleRate}
    chip.Reset()
    return &chip
}

func (chip *Chip) Reset() {
    for i := range chip.operators {
        chip.operators[i] = operator{
            state: envOff,
            attenuation: silentDB,
        }
    }
    for i := range chip.channels {
        chip.channels[i] = channel{}
    }
    chip.waveformSelect = false
}

func operatorForOffset(offset int) int {
    for i, value := range operatorOffsets {
        if value == offset {
            return i
        }
    }
    return -1
}

// WriteReg decodes a register write. Unknown registers are ignored, the
// same as the real chip.
func (chip *Chip) WriteReg(reg int, value uint8) {
    switch {
        case reg == 0x01:
            chip.waveformSelect = value & 0x20 != 0

        case reg >= 0x20 && reg <= 0x35:
            op := operatorForOffset(reg - 0x20)
            if op < 0 {
                return
            }
            chip.operators[op].tremolo = value & 0x80 != 0
            chip.operators[op].vibrato = value & 0x40 != 0
            chip.operators[op].sustained = value & 0x20 != 0
            chip.operators[op].ksr = value & 0x10 != 0
            chip.operators[op].mult = int(value & 0x0f)

        case reg >= 0x40 && reg <= 0x55:
            op := operatorForOffset(reg - 0x40)
            if op < 0 {
                return
            }
            chip.operators[op].ksl = int(value >> 6)
            chip.operators[op].totalLevel = int(value & 0x3f)

        case reg >= 0x60 && reg <= 0x75:
            op := operatorForOffset(reg - 0x60)
            if op < 0 {
                return
            }
            chip.operators[op].attackRate = int(value >> 4)
            chip.operators[op].decayRate = int(value & 0x0f)

        case reg >= 0x80 && reg <= 0x95:
            op := operatorForOffset(reg - 0x80)
            if op < 0 {
                return
            }
            chip.operators[op].sustainLevel = int(value >> 4)
            chip.operators[op].releaseRate = int(value & 0x0f)

        case reg >= 0xa0 && reg <= 0xa8:
            ch := reg - 0xa0
            chip.channels[ch].fnum = chip.channels[ch].fnum & 0x300 | int(value)

        case reg == 0xbd:
            chip.deepTremolo = value & 0x80 != 0
            chip.deepVibrato = value & 0x40 != 0
            // rhythm mode bits are accepted but the percussion instruments
            // come from regular melodic voices upstream

        case reg >= 0xb0 && reg <= 0xb8:
            ch := reg - 0xb0
            chip.channels[ch].fnum = chip.channels[ch].fnum & 0xff | int(value & 0x03) << 8
            chip.channels[ch].block = int(value >> 2) & 0x07

            keyOn := value & 0x20 != 0
            if keyOn && !chip.channels[ch].keyOn {
                chip.keyOnChannel(ch)
            } else if !keyOn && chip.channels[ch].keyOn {
                chip.keyOffChannel(ch)
            }
            chip.channels[ch].keyOn = keyOn

        case reg >= 0xc0 && reg <= 0xc8:
            ch := reg - 0xc0
            chip.channels[ch].feedback = int(value >> 1) & 0x07
            chip.channels[ch].additive = value & 0x01 != 0

        case reg >= 0xe0 && reg <= 0xf5:
            op := operatorForOffset(reg - 0xe0)
            if op < 0 {
                return
            }
            chip.operators[op].waveform = int(value & 0x03)
    }
}

func (chip *Chip) keyOnChannel(ch int) {
    for _, op := range channelOperators[ch] {
        chip.operators[op].phase = 0
        chip.operators[op].state = envAttack
        if chip.operators[op].attackRate >= 15 {
            chip.operators[op].attenuation = 0
            chip.operators[op].state = envDecay
        }
    }
}

func (chip *Chip) keyOffChannel(ch int) {
    for _, op := range channelOperators[ch] {
        if chip.operators[op].state != envOff {
            chip.operators[op].state = envRelease
        }
    }
}

// frequency returns the oscillator rate in hz for a channel's f-number
// and block, before the operator multiplier.
func (chip *Chip) frequency(ch int) float64 {
    fnum := float64(chip.channels[ch].fnum)
    return fnum * referenceRate / float64(int(1) << (20 - chip.channels[ch].block))
}

var multipliers = []float64{0.5, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 10, 12, 12, 15, 15}

// rateDB converts a 4-bit envelope rate plus key scaling into dB per second.
func rateDB(rate int, keyScale int) float64 {
    if rate == 0 {
        return 0
    }
    effective := rate * 4 + keyScale
    if effective > 63 {
        effective = 63
    }
    return 7.5 * math.Pow(2, float64(effective) / 4)
}

func (chip *Chip) keyScale(ch int, op int) int {
    scale := chip.channels[ch].block * 2 + chip.channels[ch].fnum >> 9
    if !chip.operators[op].ksr {
        scale /= 4
    }
    return scale
}

// advanceEnvelope moves one operator's envelope by one output sample and
// returns its current attenuation in dB, or silentDB when inaudible.
func (chip *Chip) advanceEnvelope(ch int, op int) float64 {
    o := &chip.operators[op]
    dt := 1.0 / float64(chip.sampleRate)
    scale := chip.keyScale(ch, op)

    switch o.state {
        case envOff:
            return silentDB

        case envAttack:
            // attack sweeps attenuation toward zero, faster than decay
            o.attenuation -= rateDB(o.attackRate, scale) * 4 * dt
            if o.attenuation <= 0 {
                o.attenuation = 0
                o.state = envDecay
            }

        case envDecay:
            sustain := float64(o.sustainLevel) * 3
            o.attenuation += rateDB(o.decayRate, scale) * dt
            if o.attenuation >= sustain {
                o.attenuation = sustain
                if o.sustained {
                    o.state = envSustain
                } else {
                    o.state = envRelease
                }
            }

        case envSustain:
            // held until key off

        case envRelease:
            o.attenuation += rateDB(o.releaseRate, scale) * dt
            if o.attenuation >= silentDB {
                o.attenuation = silentDB
                o.state = envOff
            }
    }

    return o.attenuation
}

// waveSample evaluates an operator waveform. phase is in cycles, offset by
// the phase modulation input.
func (chip *Chip) waveSample(waveform int, phase float64) float64 {
    if !chip.waveformSelect {
        waveform = 0
    }

    phase = phase - math.Floor(phase)
    value := math.Sin(2 * math.Pi * phase)

    switch waveform {
        case 1:
            // half sine: negative lobe clipped
            if value < 0 {
                value = 0
            }
        case 2:
            // absolute sine
            value = math.Abs(value)
        case 3:
            // quarter sine: rising halves of the absolute sine
            if phase >= 0.25 && phase < 0.5 || phase >= 0.75 {
                value = 0
            } else {
                value = math.Abs(value)
            }
    }

    return value
}

func attenuationGain(db float64) float64 {
    if db >= silentDB {
        return 0
    }
    return math.Pow(10, -db / 20)
}

func (chip *Chip) operatorGain(ch int, op int) float64 {
    o := &chip.operators[op]

    db := float64(o.totalLevel) * 0.75
    if o.ksl > 0 && chip.channels[ch].block > 1 {
        db += kslPerOctave[o.ksl] * float64(chip.channels[ch].block - 1)
    }
    return attenuationGain(db)
}

// channelSample renders one mono sample for a channel.
func (chip *Chip) channelSample(ch int) float64 {
    modIndex, carIndex := channelOperators[ch][0], channelOperators[ch][1]
    mod := &chip.operators[modIndex]
    car := &chip.operators[carIndex]

    if mod.state == envOff && car.state == envOff {
        return 0
    }

    baseFreq := chip.frequency(ch)
    dt := 1.0 / float64(chip.sampleRate)

    modEnv := attenuationGain(chip.advanceEnvelope(ch, modIndex)) * chip.operatorGain(ch, modIndex)
    carEnv := attenuationGain(chip.advanceEnvelope(ch, carIndex)) * chip.operatorGain(ch, carIndex)

    feedback := 0.0
    if chip.channels[ch].feedback > 0 {
        feedback = mod.output * float64(int(1) << chip.channels[ch].feedback) / 512
    }

    modOut := chip.waveSample(mod.waveform, mod.phase + feedback) * modEnv
    mod.output = modOut
    mod.phase += baseFreq * multipliers[mod.mult] * dt

    var out float64
    if chip.channels[ch].additive {
        carOut := chip.waveSample(car.waveform, car.phase) * carEnv
        out = modOut + carOut
    } else {
        // phase modulation, the modulator swings the carrier by up to a
        // full cycle
        carOut := chip.waveSample(car.waveform, car.phase + modOut) * carEnv
        out = carOut
    }
    car.output = out
    car.phase += baseFreq * multipliers[car.mult] * dt

    return out
}

// Generate renders interleaved stereo int16 samples. The output level is
// kept low, matching the hardware; callers amplify to taste.
func (chip *Chip) Generate(samples []int16) {
    frames := len(samples) / 2

    for i := range frames {
        var sum float64
        for ch := range chip.channels {
            sum += chip.channelSample(ch)
        }

        // NumChannels full-scale channels sum to roughly unity
        value := int32(sum * 32767 / 24)
        if value > 32767 {
            value = 32767
        }
        if value < -32768 {
            value = -32768
        }

        samples[i*2] = int16(value)
        samples[i*2+1] = int16(value)
    }
}
