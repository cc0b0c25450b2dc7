package main

import (
    "flag"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "runtime"
    "strings"
    "time"

    "github.com/kazzmir/dukesound/mixer"
    "github.com/kazzmir/dukesound/music"

    "github.com/ebitengine/oto/v3"
    "github.com/fatih/color"
)

const bufferFrames = 1024
const numBuffers = 4

func playFiles(paths []string, options playOptions) error {
    pool := mixer.MakeStreamPool(numBuffers, bufferFrames)
    engine := mixer.MakeEngine(mixer.DefaultVoices, options.sampleRate, pool)
    engine.SetVolume(options.volume)
    engine.SetReverseStereo(options.reverse)
    engine.EnableLowPass(options.lowPass)

    finished := make(map[uint32]string)
    engine.SetCallback(func(token uint32) {
        name := finished[token]
        color.Yellow("finished %v", name)
        delete(finished, token)
    })

    var sequencer *music.Engine
    if options.timbrePath != "" {
        bank, err := os.ReadFile(options.timbrePath)
        if err != nil {
            return fmt.Errorf("could not read timbre bank: %v", err)
        }
        sequencer = music.MakeEngine(options.sampleRate)
        err = sequencer.RegisterTimbreBank(bank)
        if err != nil {
            return err
        }
        sequencer.SetVolume(options.musicVolume)
        engine.SetMusicGenerator(sequencer)
    }

    var token uint32
    playingMusic := false
    for _, path := range paths {
        data, err := os.ReadFile(path)
        if err != nil {
            return err
        }

        name := filepath.Base(path)
        switch strings.ToLower(filepath.Ext(path)) {
            case ".voc":
                token += 1
                finished[token] = name
                handle := engine.PlayVOC(data, 0, 0, 64, 0, 0, 1, token, options.loop)
                if handle == 0 {
                    return fmt.Errorf("could not play %v", name)
                }
                color.Green("playing voc %v", name)
            case ".wav":
                token += 1
                finished[token] = name
                handle := engine.PlayWAV(data, 0, 64, 0, 0, 1, token, options.loop)
                if handle == 0 {
                    return fmt.Errorf("could not play %v", name)
                }
                color.Green("playing wav %v", name)
            case ".mid":
                if sequencer == nil {
                    return fmt.Errorf("playing %v needs a timbre bank, pass -tmb", name)
                }
                err := sequencer.PlayMIDI(data, options.loop)
                if err != nil {
                    return err
                }
                playingMusic = true
                color.Green("playing midi %v", name)
            default:
                return fmt.Errorf("don't know how to play %v", name)
        }
    }

    var contextOptions oto.NewContextOptions
    contextOptions.SampleRate = options.sampleRate
    contextOptions.ChannelCount = 2
    contextOptions.Format = oto.FormatSignedInt16LE

    context, ready, err := oto.NewContext(&contextOptions)
    if err != nil {
        return err
    }

    log.Printf("Waiting for audio context to be ready...")
    <-ready

    player := context.NewPlayer(pool)
    player.SetBufferSize(bufferFrames * 4 * 2)
    player.Play()
    if player.Err() != nil {
        return player.Err()
    }

    for {
        engine.Update()

        if engine.SoundsPlaying() == 0 && (!playingMusic || !sequencer.IsPlaying()) {
            break
        }

        time.Sleep(5 * time.Millisecond)
        runtime.KeepAlive(player)
    }

    // let the buffered tail drain before tearing the context down
    for pool.Buffered() > 0 {
        time.Sleep(5 * time.Millisecond)
    }
    time.Sleep(100 * time.Millisecond)

    return player.Close()
}

type playOptions struct {
    sampleRate int
    volume int
    musicVolume int
    timbrePath string
    loop bool
    reverse bool
    lowPass bool
}

func main() {
    log.SetFlags(log.Lshortfile | log.Lmicroseconds)

    var options playOptions
    flag.IntVar(&options.sampleRate, "rate", mixer.DefaultSampleRate, "output sample rate")
    flag.IntVar(&options.volume, "volume", 255, "sound volume 0-255")
    flag.IntVar(&options.musicVolume, "music-volume", 153, "music volume 0-255")
    flag.StringVar(&options.timbrePath, "tmb", "", "timbre bank for midi playback")
    flag.BoolVar(&options.loop, "loop", false, "loop playback")
    flag.BoolVar(&options.reverse, "reverse", false, "swap stereo channels")
    flag.BoolVar(&options.lowPass, "lowpass", false, "smooth low rate samples")
    flag.Parse()

    if flag.NArg() == 0 {
        fmt.Printf("usage: player [options] file.voc|file.wav|file.mid ...\n")
        flag.PrintDefaults()
        os.Exit(1)
    }

    err := playFiles(flag.Args(), options)
    if err != nil {
        color.Red("error: %v", err)
        os.Exit(1)
    }
}
