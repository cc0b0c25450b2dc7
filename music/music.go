package music

import (
    "fmt"
    "log"
    "sync"

    "github.com/kazzmir/dukesound/midi"
    "github.com/kazzmir/dukesound/opl"
)

// FM music sequencer. Standard midi files drive an OPL2 chip using the
// duke3d timbre bank format and its voice programming rules.

const NumVoices = 9
const NumTimbres = 256

// TimbreSize is the byte size of one instrument record in a timbre bank.
const TimbreSize = 13

const noteOnBit = 0x2000
const maxVelocity = 0x7f
const maxNote = 7*12 + 11

const defaultUsPerBeat = 500000
const microsecond = 1000000

// notes never fire more often than this per buffer; a malformed file with
// thousands of zero-delta events gets cut off instead of stalling the mixer
const maxEventsPerBuffer = 200

// f-number base for each octave
var octavePitch = []int{0x0000, 0x0400, 0x0800, 0x0c00, 0x1000, 0x1400, 0x1800, 0x1c00}

// f-numbers for the 12 semitones within an octave
var notePitch = []int{0x157, 0x16b, 0x181, 0x198, 0x1b0, 0x1ca, 0x1e5, 0x202, 0x220, 0x241, 0x263, 0x287}

// modulator and carrier chip slot for each voice
var slotVoice = [NumVoices][2]int{
    {0, 3}, {1, 4}, {2, 5},
    {6, 9}, {7, 10}, {8, 11},
    {12, 15}, {13, 16}, {14, 17},
}

// register offset of each chip slot
var offsetSlot = []int{0, 1, 2, 3, 4, 5, 8, 9, 10, 11, 12, 13, 16, 17, 18, 19, 20, 21}

// Timbre is one instrument in the duke3d bank format: paired modulator and
// carrier register values plus note adjustments.
type Timbre struct {
    SAVEK [2]uint8 // register 0x20: tremolo/vibrato/sustain/ksr/mult
    Level [2]uint8 // register 0x40: ksl and total level
    Env1 [2]uint8  // register 0x60: attack/decay
    Env2 [2]uint8  // register 0x80: sustain/release
    Wave [2]uint8  // register 0xe0: waveform
    Feedback uint8 // register 0xc0: feedback/connection
    Transpose int8
    Velocity int8
}

// ParseTimbreBank reads a duke3d timbre bank: 256 instruments of 13 bytes
// each. Percussion instruments live at index 128 and up.
func ParseTimbreBank(data []byte) ([]Timbre, error) {
    if len(data) < NumTimbres * TimbreSize {
        return nil, fmt.Errorf("timbre bank too small: %v bytes, need %v", len(data), NumTimbres * TimbreSize)
    }

    timbres := make([]Timbre, NumTimbres)
    for i := range timbres {
        raw := data[i * TimbreSize:]
        timbres[i] = Timbre{
            SAVEK: [2]uint8{raw[0], raw[1]},
            Level: [2]uint8{raw[2], raw[3]},
            Env1: [2]uint8{raw[4], raw[5]},
            Env2: [2]uint8{raw[6], raw[7]},
            Wave: [2]uint8{raw[8], raw[9]},
            Feedback: raw[10],
            Transpose: int8(raw[11]),
            Velocity: int8(raw[12]),
        }
    }
    return timbres, nil
}

type oplVoice struct {
    active bool
    channel int
    key int
    velocity int
    timbre int // -1 when no timbre programmed yet
    status int // noteOnBit or 0
    pitch int  // last f-number/block value written
}

type midiChannel struct {
    timbre int
    volume int
    pitchBend int
    pan int
    keyOffset int
    keyDetune int
}

// Engine sequences a midi file onto an OPL2 chip. It implements the mixer's
// MusicGenerator interface, so registering it with the audio engine plays
// the music underneath the sound effects.
type Engine struct {
    lock sync.Mutex

    chip *opl.Chip
    sampleRate int

    timbres []Timbre

    voices [NumVoices]oplVoice
    channels [16]midiChannel
    voiceLevel [opl.NumOperators]int
    voiceKsl [opl.NumOperators]int

    file *midi.File
    iterators []*midi.TrackIterator
    nextEventUS []uint64
    trackRunning []bool
    runningTracks int

    playing bool
    paused bool
    looping bool

    currentTimeUS uint64
    usPerBeat int
    ticksPerBeat int

    // 0-255, applied in the carrier level calculation
    volume int
}

func MakeEngine(sampleRate int) *Engine {
    engine := Engine{
        chip: opl.MakeChip(sampleRate),
        sampleRate: sampleRate,
        usPerBeat: defaultUsPerBeat,
        ticksPerBeat: 480,
        volume: 153,
    }
    engine.resetChannels()
    return &engine
}

// RegisterTimbreBank installs the instrument set. Must be called before
// PlayMIDI or every note plays the zeroed default.
func (engine *Engine) RegisterTimbreBank(data []byte) error {
    timbres, err := ParseTimbreBank(data)
    if err != nil {
        return err
    }

    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.timbres = timbres
    return nil
}

func (engine *Engine) resetChannels() {
    for i := range engine.channels {
        engine.channels[i] = midiChannel{
            volume: 127,
            pan: 64,
        }
    }
}

func (engine *Engine) resetVoices() {
    engine.chip.Reset()
    engine.chip.WriteReg(0x01, 0x20)
    for i := range engine.voices {
        engine.voices[i] = oplVoice{timbre: -1}
        engine.chip.WriteReg(0xb0 + i, 0)
    }
}

// PlayMIDI starts a midi file. Any current song stops first.
func (engine *Engine) PlayMIDI(data []byte, loop bool) error {
    file, err := midi.Parse(data)
    if err != nil {
        return fmt.Errorf("unable to play music: %v", err)
    }
    if len(file.Tracks) == 0 {
        return fmt.Errorf("midi file has no tracks")
    }

    engine.lock.Lock()
    defer engine.lock.Unlock()

    engine.stopLocked()

    engine.file = file
    engine.ticksPerBeat = file.Division
    engine.usPerBeat = defaultUsPerBeat

    engine.iterators = make([]*midi.TrackIterator, len(file.Tracks))
    engine.nextEventUS = make([]uint64, len(file.Tracks))
    engine.trackRunning = make([]bool, len(file.Tracks))
    for i := range file.Tracks {
        engine.iterators[i] = file.Iterate(i)
        engine.trackRunning[i] = true
    }
    engine.runningTracks = len(file.Tracks)

    engine.resetChannels()
    engine.resetVoices()

    engine.currentTimeUS = 0
    for i := range engine.iterators {
        engine.scheduleNextEvent(i)
    }

    engine.looping = loop
    engine.paused = false
    engine.playing = true
    return nil
}

func (engine *Engine) stopLocked() {
    engine.playing = false
    engine.paused = false

    for i := range engine.voices {
        if engine.voices[i].active {
            engine.noteOff(i)
        }
    }

    engine.file = nil
    engine.iterators = nil
    engine.nextEventUS = nil
    engine.trackRunning = nil
    engine.runningTracks = 0
}

func (engine *Engine) Stop() {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.stopLocked()
}

// Pause keys off every sounding note but keeps the song position.
func (engine *Engine) Pause() {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    if !engine.playing {
        return
    }
    engine.paused = true
    for i := range engine.voices {
        if engine.voices[i].active {
            engine.chip.WriteReg(0xb0 + i, 0)
        }
    }
}

func (engine *Engine) Resume() {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.paused = false
}

func (engine *Engine) IsPlaying() bool {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    return engine.playing && !engine.paused
}

func (engine *Engine) SetVolume(volume int) {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    engine.volume = min(max(volume, 0), 255)

    // reprogram sounding notes at the new volume
    for i := range engine.voices {
        if engine.voices[i].active {
            engine.setVoiceVolume(i)
        }
    }
}

func (engine *Engine) GetVolume() int {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    return engine.volume
}

//=============================================================================
// Voice programming
//=============================================================================

func (engine *Engine) timbreFor(channel int, key int) int {
    // channel 9 is percussion: the key selects the instrument
    if channel == 9 {
        return key + 128
    }
    return engine.channels[channel].timbre
}

// setVoiceTimbre programs both operators of a voice from the timbre bank.
func (engine *Engine) setVoiceTimbre(voice int) {
    if engine.timbres == nil {
        return
    }

    patch := engine.timbreFor(engine.voices[voice].channel, engine.voices[voice].key)
    if engine.voices[voice].timbre == patch {
        return
    }
    engine.voices[voice].timbre = patch
    timbre := &engine.timbres[patch]

    slot := slotVoice[voice][0]
    off := offsetSlot[slot]

    engine.voiceLevel[slot] = 63 - int(timbre.Level[0] & 0x3f)
    engine.voiceKsl[slot] = int(timbre.Level[0] & 0xc0)

    // silence the voice and force a fast release before reprogramming
    engine.chip.WriteReg(0xa0 + voice, 0)
    engine.chip.WriteReg(0xb0 + voice, 0)
    engine.chip.WriteReg(0x80 + off, 0xff)

    engine.chip.WriteReg(0x60 + off, timbre.Env1[0])
    engine.chip.WriteReg(0x80 + off, timbre.Env2[0])
    engine.chip.WriteReg(0x20 + off, timbre.SAVEK[0])
    engine.chip.WriteReg(0xe0 + off, timbre.Wave[0])
    engine.chip.WriteReg(0x40 + off, timbre.Level[0])

    engine.chip.WriteReg(0xc0 + voice, timbre.Feedback & 0x0f)

    slot = slotVoice[voice][1]
    off = offsetSlot[slot]

    engine.voiceLevel[slot] = 63 - int(timbre.Level[1] & 0x3f)
    engine.voiceKsl[slot] = int(timbre.Level[1] & 0xc0)

    engine.chip.WriteReg(0x40 + off, 63)
    engine.chip.WriteReg(0x80 + off, 0xff)

    engine.chip.WriteReg(0x60 + off, timbre.Env1[1])
    engine.chip.WriteReg(0x80 + off, timbre.Env2[1])
    engine.chip.WriteReg(0x20 + off, timbre.SAVEK[1])
    engine.chip.WriteReg(0xe0 + off, timbre.Wave[1])
}

// carrierLevel computes the 0x40 register value for one slot from the note
// velocity, channel volume and master music volume.
func (engine *Engine) carrierLevel(slot int, velocity int, channelVolume int) uint8 {
    level := engine.voiceLevel[slot]
    level *= velocity + 0x80
    level = channelVolume * level >> 15
    level = level * engine.volume >> 8

    value := (level ^ 63) & 0x3f
    return uint8(value | engine.voiceKsl[slot])
}

func (engine *Engine) setVoiceVolume(voice int) {
    if engine.voices[voice].timbre < 0 || engine.timbres == nil {
        return
    }

    timbre := &engine.timbres[engine.voices[voice].timbre]
    channel := engine.voices[voice].channel

    velocity := engine.voices[voice].velocity + int(timbre.Velocity)
    velocity = min(max(velocity, 0), maxVelocity)

    slot := slotVoice[voice][1]
    engine.chip.WriteReg(0x40 + offsetSlot[slot], engine.carrierLevel(slot, velocity, engine.channels[channel].volume))

    // additive connection: the modulator is audible too
    if timbre.Feedback & 0x01 != 0 {
        slot = slotVoice[voice][0]
        engine.chip.WriteReg(0x40 + offsetSlot[slot], engine.carrierLevel(slot, velocity, engine.channels[channel].volume))
    }
}

func (engine *Engine) setVoicePitch(voice int) {
    channel := engine.voices[voice].channel

    var note int
    if channel == 9 {
        patch := engine.voices[voice].key + 128
        if engine.timbres != nil {
            note = int(engine.timbres[patch].Transpose)
        }
    } else {
        note = engine.voices[voice].key
        if engine.timbres != nil {
            note += int(engine.timbres[engine.channels[channel].timbre].Transpose)
        }
    }

    note += engine.channels[channel].keyOffset - 12
    note = min(max(note, 0), maxNote)

    pitch := octavePitch[note / 12] | notePitch[note % 12]
    engine.voices[voice].pitch = pitch

    pitch |= engine.voices[voice].status

    engine.chip.WriteReg(0xa0 + voice, uint8(pitch & 0xff))
    engine.chip.WriteReg(0xb0 + voice, uint8(pitch >> 8 & 0xff))
}

func (engine *Engine) noteOn(voice int, channel int, key int, velocity int) {
    engine.voices[voice].key = key
    engine.voices[voice].channel = channel
    engine.voices[voice].velocity = velocity
    engine.voices[voice].status = noteOnBit
    engine.voices[voice].active = true

    engine.setVoiceTimbre(voice)
    engine.setVoiceVolume(voice)
    engine.setVoicePitch(voice)
}

// noteOff clears the key-on bit but leaves the frequency, so the note rings
// out through its release envelope.
func (engine *Engine) noteOff(voice int) {
    if !engine.voices[voice].active {
        return
    }
    engine.voices[voice].status = 0

    pitch := engine.voices[voice].pitch
    engine.chip.WriteReg(0xa0 + voice, uint8(pitch & 0xff))
    engine.chip.WriteReg(0xb0 + voice, uint8(pitch >> 8 & 0xff))

    engine.voices[voice].active = false
}

// allocateVoice finds a chip voice for a new note. Inactive voices that
// already hold the wanted timbre are preferred, avoiding the click of a
// reprogram; with all voices busy one is stolen, same channel first, then
// percussion, then voice 0.
func (engine *Engine) allocateVoice(channel int, key int) int {
    wanted := engine.timbreFor(channel, key)

    for i := range engine.voices {
        if !engine.voices[i].active && engine.voices[i].timbre == wanted {
            return i
        }
    }
    for i := range engine.voices {
        if !engine.voices[i].active {
            return i
        }
    }

    steal := -1
    for i := range engine.voices {
        if engine.voices[i].channel == channel {
            steal = i
            break
        }
    }
    if steal < 0 {
        for i := range engine.voices {
            if engine.voices[i].channel == 9 {
                steal = i
                break
            }
        }
    }
    if steal < 0 {
        steal = 0
    }

    engine.noteOff(steal)
    return steal
}

func (engine *Engine) findVoice(channel int, key int) int {
    for i := range engine.voices {
        if engine.voices[i].active && engine.voices[i].channel == channel && engine.voices[i].key == key {
            return i
        }
    }
    return -1
}

func (engine *Engine) allNotesOff(channel int) {
    for i := range engine.voices {
        if engine.voices[i].active && engine.voices[i].channel == channel {
            engine.noteOff(i)
        }
    }
}

//=============================================================================
// Event processing
//=============================================================================

func (engine *Engine) processEvent(event *midi.Event) {
    switch event.Type {
        case midi.EventNoteOff:
            voice := engine.findVoice(int(event.Channel), int(event.Param1))
            if voice >= 0 {
                engine.noteOff(voice)
            }

        case midi.EventNoteOn:
            channel := int(event.Channel)
            key := int(event.Param1)
            velocity := int(event.Param2)

            if velocity == 0 {
                voice := engine.findVoice(channel, key)
                if voice >= 0 {
                    engine.noteOff(voice)
                }
            } else {
                // a note that is already sounding retriggers on its own
                // voice instead of claiming a second one
                voice := engine.findVoice(channel, key)
                if voice < 0 {
                    voice = engine.allocateVoice(channel, key)
                }
                engine.noteOn(voice, channel, key, velocity)
            }

        case midi.EventController:
            channel := int(event.Channel)
            switch event.Param1 {
                case 7:
                    engine.channels[channel].volume = int(event.Param2)
                    for i := range engine.voices {
                        if engine.voices[i].active && engine.voices[i].channel == channel {
                            engine.setVoiceVolume(i)
                        }
                    }
                case 10:
                    engine.channels[channel].pan = int(event.Param2)
                case 123:
                    engine.allNotesOff(channel)
            }

        case midi.EventProgramChange:
            engine.channels[event.Channel].timbre = int(event.Param1)

        case midi.EventPitchBend:
            bend := int(event.Param2) << 7 | int(event.Param1)
            engine.channels[event.Channel].pitchBend = bend - 8192

        case midi.EventMeta:
            if event.MetaType == midi.MetaSetTempo && len(event.Data) == 3 {
                engine.usPerBeat = int(event.Data[0]) << 16 | int(event.Data[1]) << 8 | int(event.Data[2])
            }
    }
}

// scheduleNextEvent records when the track's next event is due, in absolute
// microseconds of song time.
func (engine *Engine) scheduleNextEvent(track int) {
    if !engine.trackRunning[track] {
        return
    }
    delta := uint64(engine.iterators[track].DeltaTime())
    engine.nextEventUS[track] = engine.currentTimeUS + delta * uint64(engine.usPerBeat) / uint64(engine.ticksPerBeat)
}

func (engine *Engine) finishTrack(track int) {
    engine.trackRunning[track] = false
    engine.runningTracks -= 1
}

// restart rewinds every track for a looping song.
func (engine *Engine) restart() {
    for i := range engine.iterators {
        engine.iterators[i].Restart()
        engine.trackRunning[i] = true
    }
    engine.runningTracks = len(engine.iterators)
    engine.currentTimeUS = 0
    engine.usPerBeat = defaultUsPerBeat
    for i := range engine.iterators {
        engine.scheduleNextEvent(i)
    }
}

//=============================================================================
// Generation
//=============================================================================

// amplification applied to the chip output before it goes to the mixer
const musicGain = 10

func (engine *Engine) renderChunk(samples []int16) {
    engine.chip.Generate(samples)
    for i := range samples {
        value := int32(samples[i]) * musicGain
        if value > 32767 {
            value = 32767
        }
        if value < -32768 {
            value = -32768
        }
        samples[i] = int16(value)
    }
    frames := len(samples) / 2
    engine.currentTimeUS += uint64(frames) * microsecond / uint64(engine.sampleRate)
}

// Generate renders one interleaved stereo buffer of music, advancing the
// song clock and firing events that come due inside the buffer.
func (engine *Engine) Generate(samples []int16) {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    if !engine.playing || engine.paused {
        clear(samples)
        return
    }

    frames := len(samples) / 2
    filled := 0
    processed := 0

    for filled < frames {
        if engine.runningTracks == 0 {
            if engine.looping {
                engine.restart()
            } else {
                engine.playing = false
                break
            }
        }

        // earliest pending event across all tracks
        nextEvent := uint64(0)
        haveEvent := false
        for t := range engine.nextEventUS {
            if !engine.trackRunning[t] {
                continue
            }
            if !haveEvent || engine.nextEventUS[t] < nextEvent {
                nextEvent = engine.nextEventUS[t]
                haveEvent = true
            }
        }

        var until int
        if !haveEvent || nextEvent > engine.currentTimeUS + microsecond {
            until = frames - filled
        } else if nextEvent <= engine.currentTimeUS {
            until = 0
        } else {
            until = int((nextEvent - engine.currentTimeUS) * uint64(engine.sampleRate) / microsecond)
            if until > frames - filled {
                until = frames - filled
            }
        }

        if until > 0 {
            engine.renderChunk(samples[filled*2 : (filled+until)*2])
            filled += until
        } else if processed < maxEventsPerBuffer {
            processedAny := false
            for t := range engine.iterators {
                if !engine.trackRunning[t] || engine.nextEventUS[t] > engine.currentTimeUS {
                    continue
                }

                event, ok := engine.iterators[t].NextEvent()
                if !ok {
                    engine.finishTrack(t)
                    processedAny = true
                    break
                }

                engine.processEvent(event)
                processed += 1
                processedAny = true

                if event.Type == midi.EventMeta && event.MetaType == midi.MetaEndOfTrack {
                    engine.finishTrack(t)
                } else {
                    engine.scheduleNextEvent(t)
                }
                break
            }

            if !processedAny {
                // nothing was actually due, nudge the clock forward
                engine.currentTimeUS += 1000
            }
        } else {
            log.Printf("Warning: music event cap reached, deferring to next buffer")
            break
        }
    }

    // let ringing notes decay through the rest of the buffer
    if filled < frames {
        engine.renderChunk(samples[filled*2:])
    }
}
