package music

import (
    "testing"

    "github.com/kazzmir/dukesound/midi"
)

// makeBank builds a timbre bank where instrument 0 is a clean sustained
// tone: silent modulator, carrier at full level with instant attack.
func makeBank() []byte {
    bank := make([]byte, NumTimbres * TimbreSize)
    instrument := []byte{
        0x21, 0x21, // sustained, multiplier 1
        0x3f, 0x00, // modulator silent, carrier full
        0xf0, 0xf0, // instant attack
        0x0f, 0x0f, // sustain at max, fast release
        0x00, 0x00, // sine waveforms
        0x00,       // fm connection
        0x00,       // no transpose
        0x00,       // no velocity adjustment
    }
    copy(bank, instrument)
    return bank
}

// makeSong builds a single track midi file from raw track bytes.
func makeSong(division int, track []byte) []byte {
    track = append(track, 0x00, 0xff, 0x2f, 0x00)
    out := []byte{'M', 'T', 'h', 'd', 0, 0, 0, 6, 0, 0, 0, 1}
    out = append(out, byte(division >> 8), byte(division))
    out = append(out, 'M', 'T', 'r', 'k')
    out = append(out, byte(len(track) >> 24), byte(len(track) >> 16), byte(len(track) >> 8), byte(len(track)))
    out = append(out, track...)
    return out
}

func makeTestEngine(t *testing.T) *Engine {
    engine := MakeEngine(22050)
    err := engine.RegisterTimbreBank(makeBank())
    if err != nil {
        t.Fatalf("timbre bank rejected: %v", err)
    }
    return engine
}

func TestParseTimbreBank(t *testing.T) {
    bank := makeBank()
    bank[5 * TimbreSize + 11] = 0xf4 // instrument 5 transpose -12

    timbres, err := ParseTimbreBank(bank)
    if err != nil {
        t.Fatalf("parse failed: %v", err)
    }
    if len(timbres) != NumTimbres {
        t.Fatalf("expected %v timbres, got %v", NumTimbres, len(timbres))
    }

    if timbres[0].SAVEK[0] != 0x21 || timbres[0].Level[0] != 0x3f || timbres[0].Level[1] != 0x00 {
        t.Errorf("instrument 0 decoded wrong: %+v", timbres[0])
    }
    if timbres[5].Transpose != -12 {
        t.Errorf("expected transpose -12, got %v", timbres[5].Transpose)
    }

    _, err = ParseTimbreBank(bank[:100])
    if err == nil {
        t.Errorf("a short bank should be rejected")
    }
}

func TestVoiceAllocationPrefersMatchingTimbre(t *testing.T) {
    engine := makeTestEngine(t)

    // voice 0 plays instrument 0, voice 1 plays instrument 5, then both
    // are released
    engine.channels[1].timbre = 5
    first := engine.allocateVoice(0, 60)
    engine.noteOn(first, 0, 60, 100)
    second := engine.allocateVoice(1, 60)
    engine.noteOn(second, 1, 60, 100)
    engine.noteOff(first)
    engine.noteOff(second)

    // a new instrument 5 note skips the earlier free voice and reuses the
    // one that already holds its timbre
    again := engine.allocateVoice(1, 64)
    if again != second {
        t.Errorf("expected voice %v to be reused, got %v", second, again)
    }
}

func TestVoiceStealingOrder(t *testing.T) {
    engine := makeTestEngine(t)

    // fill all 9 voices: 5 on channel 2, 4 on percussion
    for i := range 5 {
        voice := engine.allocateVoice(2, 60 + i)
        engine.noteOn(voice, 2, 60 + i, 100)
    }
    for i := range 4 {
        voice := engine.allocateVoice(9, 35 + i)
        engine.noteOn(voice, 9, 35 + i, 100)
    }
    if engine.activeVoices() != 9 {
        t.Fatalf("expected all voices active, got %v", engine.activeVoices())
    }

    // a new channel 2 note steals from channel 2
    stolen := engine.allocateVoice(2, 72)
    if engine.voices[stolen].channel != 2 {
        t.Errorf("expected to steal a channel 2 voice, got channel %v", engine.voices[stolen].channel)
    }
    engine.noteOn(stolen, 2, 72, 100)

    // a channel with no voices steals percussion
    stolen = engine.allocateVoice(3, 60)
    if engine.voices[stolen].channel != 9 {
        t.Errorf("expected to steal a percussion voice, got channel %v", engine.voices[stolen].channel)
    }
}

func TestRepeatedNoteOnReusesVoice(t *testing.T) {
    engine := makeTestEngine(t)

    on := &midi.Event{Type: midi.EventNoteOn, Channel: 0, Param1: 60, Param2: 127}
    engine.processEvent(on)
    engine.processEvent(on)

    // the second note on retriggers the same voice; a single note off must
    // leave nothing sounding
    if engine.activeVoices() != 1 {
        t.Fatalf("expected one active voice, got %v", engine.activeVoices())
    }

    off := &midi.Event{Type: midi.EventNoteOff, Channel: 0, Param1: 60}
    engine.processEvent(off)
    if engine.activeVoices() != 0 {
        t.Errorf("expected silence after one note off, got %v active voices", engine.activeVoices())
    }
}

func TestFindVoice(t *testing.T) {
    engine := makeTestEngine(t)

    voice := engine.allocateVoice(0, 60)
    engine.noteOn(voice, 0, 60, 100)

    if engine.findVoice(0, 60) != voice {
        t.Errorf("expected to find the active note")
    }
    if engine.findVoice(0, 61) != -1 {
        t.Errorf("wrong key should not match")
    }
    if engine.findVoice(1, 60) != -1 {
        t.Errorf("wrong channel should not match")
    }

    engine.noteOff(voice)
    if engine.findVoice(0, 60) != -1 {
        t.Errorf("released note should not match")
    }
}

func TestCarrierLevel(t *testing.T) {
    engine := makeTestEngine(t)

    voice := engine.allocateVoice(0, 60)
    engine.noteOn(voice, 0, 60, 127)

    slot := slotVoice[voice][1]
    // level 63 * (127+128) * 127 >> 15 = 62, * 153 >> 8 = 37, xor 63 = 26
    if engine.carrierLevel(slot, 127, 127) != 26 {
        t.Errorf("expected carrier register 26, got %v", engine.carrierLevel(slot, 127, 127))
    }

    // zero channel volume drives attenuation to maximum
    if engine.carrierLevel(slot, 127, 0) != 63 {
        t.Errorf("expected full attenuation at zero volume, got %v", engine.carrierLevel(slot, 127, 0))
    }
}

func TestVoicePitch(t *testing.T) {
    engine := makeTestEngine(t)

    voice := engine.allocateVoice(0, 60)
    engine.noteOn(voice, 0, 60, 100)

    // middle c with the standard -12 key offset: octave 4, semitone 0
    if engine.voices[voice].pitch != 0x1157 {
        t.Errorf("expected pitch 0x1157, got 0x%x", engine.voices[voice].pitch)
    }
}

func TestPercussionUsesTransposeAsNote(t *testing.T) {
    engine := makeTestEngine(t)

    bank := makeBank()
    // percussion instrument for key 35: transpose selects the played note
    base := (35 + 128) * TimbreSize
    copy(bank[base:], bank[:TimbreSize])
    bank[base + 11] = 48
    engine.RegisterTimbreBank(bank)

    voice := engine.allocateVoice(9, 35)
    engine.noteOn(voice, 9, 35, 100)

    // note 48 - 12 = 36: octave 3, semitone 0
    if engine.voices[voice].pitch != 0x0c00 | 0x157 {
        t.Errorf("expected pitch 0x%x, got 0x%x", 0x0c00 | 0x157, engine.voices[voice].pitch)
    }
    if engine.voices[voice].timbre != 35 + 128 {
        t.Errorf("expected percussion patch %v, got %v", 35 + 128, engine.voices[voice].timbre)
    }
}

func TestPlayGeneratesAudio(t *testing.T) {
    engine := makeTestEngine(t)

    song := makeSong(96, []byte{
        0x00, 0xc0, 0x00,    // program 0
        0x00, 0x90, 60, 127, // note on
    })

    err := engine.PlayMIDI(song, false)
    if err != nil {
        t.Fatalf("play failed: %v", err)
    }
    if !engine.IsPlaying() {
        t.Fatalf("music should be playing")
    }

    samples := make([]int16, 2048)
    engine.Generate(samples)

    loud := false
    for _, value := range samples {
        if value > 100 || value < -100 {
            loud = true
            break
        }
    }
    if !loud {
        t.Errorf("expected audible output from a sounding note")
    }
}

func TestSongEndStopsPlayback(t *testing.T) {
    engine := makeTestEngine(t)

    song := makeSong(96, []byte{0x00, 0x90, 60, 127, 0x10, 0x80, 60, 0})
    err := engine.PlayMIDI(song, false)
    if err != nil {
        t.Fatalf("play failed: %v", err)
    }

    samples := make([]int16, 4096)
    engine.Generate(samples)

    if engine.IsPlaying() {
        t.Errorf("a finished song should stop playing")
    }
}

func TestLoopingRestartsSong(t *testing.T) {
    engine := makeTestEngine(t)

    song := makeSong(96, []byte{0x00, 0x90, 60, 127, 0x10, 0x80, 60, 0})
    err := engine.PlayMIDI(song, true)
    if err != nil {
        t.Fatalf("play failed: %v", err)
    }

    samples := make([]int16, 4096)
    engine.Generate(samples)
    engine.Generate(samples)

    if !engine.IsPlaying() {
        t.Errorf("a looping song should keep playing")
    }
}

func TestPauseSilences(t *testing.T) {
    engine := makeTestEngine(t)

    song := makeSong(96, []byte{0x00, 0x90, 60, 127})
    engine.PlayMIDI(song, true)

    samples := make([]int16, 512)
    engine.Generate(samples)

    engine.Pause()
    if engine.IsPlaying() {
        t.Errorf("paused music should not report playing")
    }

    engine.Generate(samples)
    for i, value := range samples {
        if value != 0 {
            t.Fatalf("paused output should be silent, sample %v = %v", i, value)
        }
    }

    engine.Resume()
    if !engine.IsPlaying() {
        t.Errorf("resume should report playing again")
    }
}

func TestTempoChange(t *testing.T) {
    engine := makeTestEngine(t)

    song := makeSong(480, []byte{
        0x00, 0xff, 0x51, 0x03, 0x03, 0xd0, 0x90, // tempo 250000 us per beat
        0x00, 0x90, 60, 127,
    })
    err := engine.PlayMIDI(song, false)
    if err != nil {
        t.Fatalf("play failed: %v", err)
    }

    samples := make([]int16, 256)
    engine.Generate(samples)

    if engine.usPerBeat != 250000 {
        t.Errorf("expected tempo 250000, got %v", engine.usPerBeat)
    }
}

func TestChannelVolumeController(t *testing.T) {
    engine := makeTestEngine(t)

    song := makeSong(96, []byte{
        0x00, 0x90, 60, 127,
        0x00, 0xb0, 7, 30, // channel volume down
    })
    engine.PlayMIDI(song, false)

    samples := make([]int16, 256)
    engine.Generate(samples)

    if engine.channels[0].volume != 30 {
        t.Errorf("expected channel volume 30, got %v", engine.channels[0].volume)
    }
}

func TestAllNotesOffController(t *testing.T) {
    engine := makeTestEngine(t)

    song := makeSong(96, []byte{
        0x00, 0x90, 60, 127,
        0x00, 0x90, 64, 127,
        0x00, 0xb0, 123, 0,
    })
    engine.PlayMIDI(song, false)

    samples := make([]int16, 256)
    engine.Generate(samples)

    if engine.activeVoices() != 0 {
        t.Errorf("expected no active voices after all notes off, got %v", engine.activeVoices())
    }
}

func TestBadMIDIRejected(t *testing.T) {
    engine := makeTestEngine(t)
    err := engine.PlayMIDI([]byte("not a midi file"), false)
    if err == nil {
        t.Errorf("expected an error for garbage data")
    }
    if engine.IsPlaying() {
        t.Errorf("failed play should not start playback")
    }
}

func (engine *Engine) activeVoices() int {
    count := 0
    for i := range engine.voices {
        if engine.voices[i].active {
            count += 1
        }
    }
    return count
}
