package mixer

import (
    "log"
    "sync"

    "github.com/kazzmir/dukesound/voc"
    "github.com/kazzmir/dukesound/wave"
)

const DefaultSampleRate = 22050
const DefaultVoices = 8

// MusicGenerator fills an entire interleaved stereo buffer with the music
// bed before the voices are mixed on top. Registered by the music engine.
type MusicGenerator interface {
    Generate(samples []int16)
}

// Engine owns the voice pool and mixes every active voice plus the music
// generator into buffers pulled from the hardware sink. All voice state is
// guarded by one mutex, making the critical section that was implicit in the
// single-core original explicit here.
type Engine struct {
    lock sync.Mutex

    voices []voice
    pool BufferPool
    sampleRate int

    masterVolume int
    reverseStereo bool
    lowPass bool

    callback func(uint32)
    generator MusicGenerator

    queue callbackQueue
    nextGeneration int
}

func MakeEngine(numVoices int, sampleRate int, pool BufferPool) *Engine {
    if numVoices <= 0 {
        numVoices = DefaultVoices
    }
    if sampleRate <= 0 {
        sampleRate = DefaultSampleRate
    }

    return &Engine{
        voices: make([]voice, numVoices),
        pool: pool,
        sampleRate: sampleRate,
        masterVolume: 255,
        nextGeneration: 1,
    }
}

func (engine *Engine) SampleRate() int {
    return engine.sampleRate
}

func clampS16(value int32) int16 {
    if value > 32767 {
        return 32767
    }
    if value < -32768 {
        return -32768
    }
    return int16(value)
}

//=============================================================================
// Voice slot management
//=============================================================================

// findVoiceSlot returns the first inactive slot, or the active slot with the
// strictly lowest priority below the request. Ties resolve to the lowest
// slot index in both scans. Returns -1 when nothing can be claimed.
func (engine *Engine) findVoiceSlot(priority int) int {
    for i := range engine.voices {
        if !engine.voices[i].active {
            return i
        }
    }

    lowestPriority := priority
    lowestSlot := -1
    for i := range engine.voices {
        if engine.voices[i].priority < lowestPriority {
            lowestPriority = engine.voices[i].priority
            lowestSlot = i
        }
    }

    return lowestSlot
}

func (engine *Engine) voiceForHandle(handle int) int {
    if handle <= 0 {
        return -1
    }

    index := (handle - 1) % len(engine.voices)
    generation := (handle - 1) / len(engine.voices)

    v := &engine.voices[index]
    if !v.active || v.generation != generation {
        return -1
    }
    return index
}

func (engine *Engine) makeHandle(slot int) int {
    return engine.voices[slot].generation * len(engine.voices) + slot + 1
}

// stopVoice deactivates a slot. A voice cut short by stealing still gets its
// completion callback, the same as finishing naturally; explicit stops pass
// doCallback = false and stay silent.
func (engine *Engine) stopVoice(slot int, doCallback bool) {
    v := &engine.voices[slot]
    if v.active && doCallback && v.callback != 0 {
        engine.queue.push(v.callback)
    }
    v.active = false
}

func (engine *Engine) computeStep(rate int, pitch int) (uint32, int) {
    adjusted := rate
    if pitch != 0 {
        // duke3d pitch offsets are roughly -2048..2048
        adjusted = rate + rate * pitch / 2048
        if adjusted < 1000 {
            adjusted = 1000
        }
        if adjusted > 48000 {
            adjusted = 48000
        }
    }

    step := (uint64(adjusted) << 16 + uint64(engine.sampleRate) / 2) / uint64(engine.sampleRate)
    return uint32(step), adjusted
}

func clampVolume(value int) uint8 {
    if value > 255 {
        return 255
    }
    if value < 0 {
        return 0
    }
    return uint8(value)
}

//=============================================================================
// Playback
//=============================================================================

type startParams struct {
    data []byte
    rate int
    is16Bit bool
    isSigned bool
    isADPCM bool
    pitch int
    vol, left, right int
    priority int
    callback uint32
    looping bool
    loopStart, loopEnd int
}

func (engine *Engine) startVoice(params startParams) int {
    if len(params.data) == 0 {
        return 0
    }

    slot := engine.findVoiceSlot(params.priority)
    if slot < 0 {
        return 0
    }

    engine.stopVoice(slot, true)

    v := &engine.voices[slot]
    v.data = params.data
    v.position = 0
    v.end = len(params.data)

    if params.looping {
        v.loopStart = max(params.loopStart, 0)
        v.loopEnd = params.loopEnd
        if v.loopEnd <= v.loopStart || v.loopEnd > v.end {
            v.loopEnd = v.end
        }
        if v.loopStart >= v.end {
            v.loopStart = 0
        }
    } else {
        v.loopStart = -1
        v.loopEnd = -1
    }
    v.looping = params.looping

    v.is16Bit = params.is16Bit
    v.isSigned = params.isSigned
    v.isADPCM = params.isADPCM
    if v.isADPCM {
        v.adpcm.Reset()
    }

    v.refill()
    if v.bufferSize == 0 {
        return 0
    }
    v.offset = 0

    var adjusted int
    v.step, adjusted = engine.computeStep(params.rate, params.pitch)
    v.baseRate = params.rate

    // if no explicit stereo volumes were given, fan the generic volume out
    // to both channels
    left, right := params.left, params.right
    if left <= 0 && right <= 0 && params.vol > 0 {
        left = params.vol
        right = params.vol
    }
    // duke3d passes very low volume values that need a 4x boost to cover
    // the full 0-255 range
    v.leftVolume = clampVolume(left * 4)
    v.rightVolume = clampVolume(right * 4)

    v.priority = params.priority
    v.callback = params.callback

    if engine.lowPass {
        v.alpha256 = 256 * 201 * adjusted / (201 * adjusted + 64 * engine.sampleRate)
    } else {
        v.alpha256 = 0
    }

    v.generation = engine.nextGeneration
    engine.nextGeneration += 1
    v.active = true

    return engine.makeHandle(slot)
}

// PlayVOC parses a VOC file and starts it on a free or stolen voice. If the
// header does not parse the data is played as raw unsigned 8-bit pcm, since
// some callers hand over pre-stripped sample data; sampleRate is the rate to
// assume in that case (0 picks 11025).
func (engine *Engine) PlayVOC(data []byte, sampleRate int, pitch int, vol int, left int, right int, priority int, callback uint32, looping bool) int {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    params := startParams{
        pitch: pitch,
        vol: vol, left: left, right: right,
        priority: priority,
        callback: callback,
        looping: looping,
    }

    info, err := voc.Parse(data)
    if err != nil {
        log.Printf("Warning: playing unparseable voc as raw pcm: %v", err)
        params.data = data
        params.rate = sampleRate
        if params.rate <= 0 {
            params.rate = 11025
        }
    } else {
        params.data = info.Data
        params.rate = info.SampleRate
        params.is16Bit = info.Is16Bit
        params.isADPCM = info.IsADPCM
    }

    return engine.startVoice(params)
}

// PlayWAV parses a WAV file and starts it. Unlike VOC there is no raw
// fallback: a wav that does not parse does not play.
func (engine *Engine) PlayWAV(data []byte, pitch int, vol int, left int, right int, priority int, callback uint32, looping bool) int {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    info, err := wave.Parse(data)
    if err != nil {
        log.Printf("Warning: %v", err)
        return 0
    }

    return engine.startVoice(startParams{
        data: info.Data,
        rate: info.SampleRate,
        is16Bit: info.Is16Bit,
        isSigned: info.IsSigned,
        pitch: pitch,
        vol: vol, left: left, right: right,
        priority: priority,
        callback: callback,
        looping: looping,
    })
}

// PlayRaw starts unsigned 8-bit pcm with no container around it. loopStart
// and loopEnd are byte offsets into data; pass 0, 0 to loop the whole thing.
func (engine *Engine) PlayRaw(data []byte, sampleRate int, pitch int, vol int, left int, right int, priority int, callback uint32, looping bool, loopStart int, loopEnd int) int {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    return engine.startVoice(startParams{
        data: data,
        rate: sampleRate,
        pitch: pitch,
        vol: vol, left: left, right: right,
        priority: priority,
        callback: callback,
        looping: looping,
        loopStart: loopStart,
        loopEnd: loopEnd,
    })
}

// pan3DVolumes converts duke3d's angle (0-31) and distance (0-255) into
// stereo volumes. angle 0 = front, 8 = right, 16 = back, 24 = left.
func pan3DVolumes(angle int, distance int) (int, int, int) {
    vol := 255 - distance * 2
    if vol < 32 {
        vol = 32
    }
    if vol > 255 {
        vol = 255
    }

    left := 128
    right := 128
    scaled := (angle * 8) & 255

    switch {
        case scaled < 64:
            right = 128 + scaled * 2
            left = 256 - right
        case scaled < 128:
            right = 128 + (128 - scaled) * 2
            left = 256 - right
        case scaled < 192:
            left = 128 + (scaled - 128) * 2
            right = 256 - left
        default:
            left = 128 + (256 - scaled) * 2
            right = 256 - left
    }

    left = min(max(left, 32), 255)
    right = min(max(right, 32), 255)

    left = left * vol / 255
    right = right * vol / 255

    return vol, left, right
}

// PlayVOC3D positions a VOC sound with the game's angle/distance parameters.
func (engine *Engine) PlayVOC3D(data []byte, pitch int, angle int, distance int, priority int, callback uint32) int {
    vol, left, right := pan3DVolumes(angle, distance)
    return engine.PlayVOC(data, 0, pitch, vol, left, right, priority, callback, false)
}

// PlayWAV3D positions a WAV sound with the game's angle/distance parameters.
func (engine *Engine) PlayWAV3D(data []byte, pitch int, angle int, distance int, priority int, callback uint32) int {
    vol, left, right := pan3DVolumes(angle, distance)
    return engine.PlayWAV(data, pitch, vol, left, right, priority, callback, false)
}

//=============================================================================
// Voice control
//=============================================================================

// StopSound deactivates a playing sound without delivering its callback.
func (engine *Engine) StopSound(handle int) bool {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    slot := engine.voiceForHandle(handle)
    if slot < 0 {
        return false
    }
    engine.stopVoice(slot, false)
    return true
}

func (engine *Engine) StopAll() {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    for i := range engine.voices {
        engine.stopVoice(i, false)
    }
}

func (engine *Engine) SoundPlaying(handle int) bool {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    return engine.voiceForHandle(handle) >= 0
}

func (engine *Engine) SoundsPlaying() int {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    count := 0
    for i := range engine.voices {
        if engine.voices[i].active {
            count += 1
        }
    }
    return count
}

func (engine *Engine) VoiceAvailable(priority int) bool {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    return engine.findVoiceSlot(priority) >= 0
}

func (engine *Engine) SetPan(handle int, vol int, left int, right int) {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    slot := engine.voiceForHandle(handle)
    if slot < 0 {
        return
    }
    if left <= 0 && right <= 0 && vol > 0 {
        left = vol
        right = vol
    }
    engine.voices[slot].leftVolume = clampVolume(left)
    engine.voices[slot].rightVolume = clampVolume(right)
}

// SetPitch recomputes the playback step from the voice's original sample
// rate and a new pitch offset.
func (engine *Engine) SetPitch(handle int, pitch int) {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    slot := engine.voiceForHandle(handle)
    if slot < 0 {
        return
    }
    v := &engine.voices[slot]
    v.step, _ = engine.computeStep(v.baseRate, pitch)
}

// SetFrequency forces the playback rate to an absolute frequency.
func (engine *Engine) SetFrequency(handle int, frequency int) {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    slot := engine.voiceForHandle(handle)
    if slot < 0 || frequency <= 0 {
        return
    }
    v := &engine.voices[slot]
    v.step = uint32((uint64(frequency) << 16 + uint64(engine.sampleRate) / 2) / uint64(engine.sampleRate))
    v.baseRate = frequency
}

// Pan3D repositions an already-playing sound. angle 0-255 with 0 = front,
// 64 = right, 128 = back, 192 = left; distance 0-255 attenuates.
func (engine *Engine) Pan3D(handle int, angle int, distance int) {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    slot := engine.voiceForHandle(handle)
    if slot < 0 {
        return
    }

    vol := 255 - distance
    if vol < 0 {
        vol = 0
    }

    var pan int
    if angle < 128 {
        pan = angle * 2
    } else {
        pan = (256 - angle) * 2
    }

    engine.voices[slot].leftVolume = uint8(vol * (255 - pan) >> 8)
    engine.voices[slot].rightVolume = uint8(vol * pan >> 8)
}

// EndLooping lets a looping sound run off the end of its data and finish
// naturally.
func (engine *Engine) EndLooping(handle int) {
    engine.lock.Lock()
    defer engine.lock.Unlock()

    slot := engine.voiceForHandle(handle)
    if slot < 0 {
        return
    }
    engine.voices[slot].looping = false
    engine.voices[slot].loopStart = -1
}

//=============================================================================
// Global settings
//=============================================================================

func (engine *Engine) SetVolume(volume int) {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.masterVolume = int(clampVolume(volume))
}

func (engine *Engine) GetVolume() int {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    return engine.masterVolume
}

func (engine *Engine) SetReverseStereo(reverse bool) {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.reverseStereo = reverse
}

func (engine *Engine) GetReverseStereo() bool {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    return engine.reverseStereo
}

// EnableLowPass turns on single-pole smoothing for voices started after the
// call. Helps with gritty low-rate source samples.
func (engine *Engine) EnableLowPass(enabled bool) {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.lowPass = enabled
}

// SetCallback registers the completion callback. It runs from Update, never
// from inside the mix loop.
func (engine *Engine) SetCallback(callback func(uint32)) {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.callback = callback
}

func (engine *Engine) SetMusicGenerator(generator MusicGenerator) {
    engine.lock.Lock()
    defer engine.lock.Unlock()
    engine.generator = generator
}

//=============================================================================
// Mixing
//=============================================================================

func (engine *Engine) finishVoice(v *voice) {
    if v.callback != 0 {
        engine.queue.push(v.callback)
    }
    v.active = false
}

func (engine *Engine) mixBuffer(buffer *Buffer) {
    samples := buffer.Samples

    if engine.generator != nil {
        engine.generator.Generate(samples)
    } else {
        clear(samples)
    }

    frames := buffer.Frames()

    for ch := range engine.voices {
        v := &engine.voices[ch]
        if !v.active || v.bufferSize == 0 {
            continue
        }

        voll := int(v.leftVolume) / 2
        volr := int(v.rightVolume) / 2
        if engine.reverseStereo {
            voll, volr = volr, voll
        }
        voll = voll * engine.masterVolume / 255
        volr = volr * engine.masterVolume / 255

        offsetEnd := uint32(v.bufferSize) * 65536
        if v.offset >= offsetEnd {
            // should never happen, but an audible glitch beats a crash
            log.Printf("Warning: voice %v offset %v beyond buffer %v", ch, v.offset >> 16, v.bufferSize)
            v.offset = 0
        }

        alpha := v.alpha256
        beta := 256 - alpha
        filtered := int(v.buffer[v.offset >> 16])

        refills := 0
        out := 0

        for s := 0; s < frames; s++ {
            raw := int(v.buffer[v.offset >> 16])

            sample := raw
            if alpha > 0 {
                filtered = (beta * filtered + alpha * raw) / 256
                sample = filtered
            }

            samples[out] = clampS16(int32(samples[out]) + int32(sample * voll))
            samples[out+1] = clampS16(int32(samples[out+1]) + int32(sample * volr))
            out += 2

            v.offset += v.step

            if v.offset >= offsetEnd {
                v.offset -= offsetEnd

                refills += 1
                if refills > maxRefillsPerPass {
                    log.Printf("Warning: voice %v refilling too fast, stopping", ch)
                    v.active = false
                    break
                }

                v.refill()

                offsetEnd = uint32(v.bufferSize) * 65536
                if offsetEnd == 0 {
                    // the source ran dry: the sound is over
                    engine.finishVoice(v)
                    break
                }
                if v.offset >= offsetEnd {
                    v.offset = 0
                }
            }
        }
    }
}

// Update services the hardware sink: fills every buffer it will take (up to
// a cap) and then delivers pending completion callbacks. The tokens are
// popped from the queue while the engine lock is held, and delivered with
// it released so callbacks may start and stop sounds freely.
func (engine *Engine) Update() {
    engine.lock.Lock()

    processed := 0
    for processed < 10 {
        buffer := engine.pool.TakeBuffer()
        if buffer == nil {
            break
        }
        engine.mixBuffer(buffer)
        engine.pool.GiveBuffer(buffer)
        processed += 1
    }

    callback := engine.callback
    tokens, owned := engine.queue.pop()
    engine.lock.Unlock()

    if !owned {
        return
    }

    for _, token := range tokens {
        if callback != nil {
            callback(token)
        }
    }

    engine.lock.Lock()
    engine.queue.finish()
    engine.lock.Unlock()
}
