package midi

import (
    "encoding/binary"
    "fmt"
)

// Standard midi file reader. The whole file is decoded up front into per
// track event slices; playback walks them with a TrackIterator.

type EventType int

const (
    EventNoteOff EventType = iota
    EventNoteOn
    EventAftertouch
    EventController
    EventProgramChange
    EventChannelPressure
    EventPitchBend
    EventSysEx
    EventMeta
)

const MetaEndOfTrack = 0x2f
const MetaSetTempo = 0x51

type Event struct {
    Delta uint32
    Type EventType

    // channel events
    Channel uint8
    Param1 uint8
    Param2 uint8

    // meta and sysex events
    MetaType uint8
    Data []byte
}

type Track struct {
    Events []Event
}

type File struct {
    Format int
    // ticks per quarter note
    Division int
    Tracks []Track
}

type reader struct {
    data []byte
    pos int
}

func (r *reader) remaining() int {
    return len(r.data) - r.pos
}

func (r *reader) byte() (uint8, error) {
    if r.pos >= len(r.data) {
        return 0, fmt.Errorf("unexpected end of midi data")
    }
    out := r.data[r.pos]
    r.pos += 1
    return out, nil
}

func (r *reader) bytes(count int) ([]byte, error) {
    if count < 0 || r.remaining() < count {
        return nil, fmt.Errorf("unexpected end of midi data")
    }
    out := r.data[r.pos:r.pos+count]
    r.pos += count
    return out, nil
}

func (r *reader) be16() (int, error) {
    raw, err := r.bytes(2)
    if err != nil {
        return 0, err
    }
    return int(binary.BigEndian.Uint16(raw)), nil
}

func (r *reader) be32() (int, error) {
    raw, err := r.bytes(4)
    if err != nil {
        return 0, err
    }
    return int(binary.BigEndian.Uint32(raw)), nil
}

// variable length quantity: 7 bits per byte, high bit set on all but the
// last byte
func (r *reader) varint() (uint32, error) {
    var out uint32
    for i := 0; i < 4; i++ {
        value, err := r.byte()
        if err != nil {
            return 0, err
        }
        out = out << 7 | uint32(value & 0x7f)
        if value & 0x80 == 0 {
            return out, nil
        }
    }
    return 0, fmt.Errorf("variable length quantity too long")
}

func channelEventType(status uint8) (EventType, int, bool) {
    switch status & 0xf0 {
        case 0x80: return EventNoteOff, 2, true
        case 0x90: return EventNoteOn, 2, true
        case 0xa0: return EventAftertouch, 2, true
        case 0xb0: return EventController, 2, true
        case 0xc0: return EventProgramChange, 1, true
        case 0xd0: return EventChannelPressure, 1, true
        case 0xe0: return EventPitchBend, 2, true
    }
    return 0, 0, false
}

func parseTrack(r *reader) (Track, error) {
    var track Track
    var runningStatus uint8

    for r.remaining() > 0 {
        delta, err := r.varint()
        if err != nil {
            return track, err
        }

        status, err := r.byte()
        if err != nil {
            return track, err
        }

        // running status: a data byte here reuses the previous status
        firstParam := uint8(0xff)
        if status < 0x80 {
            if runningStatus == 0 {
                return track, fmt.Errorf("data byte 0x%x with no running status", status)
            }
            firstParam = status
            status = runningStatus
        }

        switch {
            case status == 0xff:
                metaType, err := r.byte()
                if err != nil {
                    return track, err
                }
                length, err := r.varint()
                if err != nil {
                    return track, err
                }
                data, err := r.bytes(int(length))
                if err != nil {
                    return track, err
                }
                track.Events = append(track.Events, Event{
                    Delta: delta,
                    Type: EventMeta,
                    MetaType: metaType,
                    Data: data,
                })
                if metaType == MetaEndOfTrack {
                    return track, nil
                }

            case status == 0xf0 || status == 0xf7:
                runningStatus = 0
                length, err := r.varint()
                if err != nil {
                    return track, err
                }
                data, err := r.bytes(int(length))
                if err != nil {
                    return track, err
                }
                track.Events = append(track.Events, Event{
                    Delta: delta,
                    Type: EventSysEx,
                    Data: data,
                })

            default:
                eventType, paramCount, ok := channelEventType(status)
                if !ok {
                    return track, fmt.Errorf("unknown status byte 0x%x", status)
                }
                runningStatus = status

                event := Event{
                    Delta: delta,
                    Type: eventType,
                    Channel: status & 0x0f,
                }

                if firstParam != 0xff {
                    event.Param1 = firstParam
                } else {
                    event.Param1, err = r.byte()
                    if err != nil {
                        return track, err
                    }
                }
                if paramCount == 2 {
                    event.Param2, err = r.byte()
                    if err != nil {
                        return track, err
                    }
                }

                event.Param1 &= 0x7f
                event.Param2 &= 0x7f
                track.Events = append(track.Events, event)
        }
    }

    // tracks are supposed to end with an end-of-track meta, but be lenient
    // about files that just stop
    return track, nil
}

func Parse(data []byte) (*File, error) {
    r := &reader{data: data}

    magic, err := r.bytes(4)
    if err != nil || string(magic) != "MThd" {
        return nil, fmt.Errorf("not a midi file")
    }

    headerLength, err := r.be32()
    if err != nil {
        return nil, err
    }
    if headerLength < 6 {
        return nil, fmt.Errorf("bad midi header length %v", headerLength)
    }

    format, err := r.be16()
    if err != nil {
        return nil, err
    }
    numTracks, err := r.be16()
    if err != nil {
        return nil, err
    }
    division, err := r.be16()
    if err != nil {
        return nil, err
    }
    if division & 0x8000 != 0 {
        return nil, fmt.Errorf("smpte time division is not supported")
    }
    if division == 0 {
        return nil, fmt.Errorf("time division is zero")
    }

    // skip any extra header bytes
    _, err = r.bytes(headerLength - 6)
    if err != nil {
        return nil, err
    }

    file := File{
        Format: format,
        Division: division,
    }

    for len(file.Tracks) < numTracks {
        magic, err := r.bytes(4)
        if err != nil {
            return nil, fmt.Errorf("missing track %v", len(file.Tracks))
        }
        length, err := r.be32()
        if err != nil {
            return nil, err
        }
        raw, err := r.bytes(length)
        if err != nil {
            return nil, fmt.Errorf("truncated track %v", len(file.Tracks))
        }

        if string(magic) != "MTrk" {
            // unknown chunks get skipped
            continue
        }

        track, err := parseTrack(&reader{data: raw})
        if err != nil {
            return nil, fmt.Errorf("track %v: %v", len(file.Tracks), err)
        }
        file.Tracks = append(file.Tracks, track)
    }

    return &file, nil
}

// TrackIterator walks one track's events in order.
type TrackIterator struct {
    track *Track
    index int
}

func (file *File) Iterate(trackNum int) *TrackIterator {
    return &TrackIterator{track: &file.Tracks[trackNum]}
}

// DeltaTime peeks at the tick delay before the next event without consuming
// it. Returns 0 when the track is exhausted.
func (iterator *TrackIterator) DeltaTime() uint32 {
    if iterator.index >= len(iterator.track.Events) {
        return 0
    }
    return iterator.track.Events[iterator.index].Delta
}

func (iterator *TrackIterator) NextEvent() (*Event, bool) {
    if iterator.index >= len(iterator.track.Events) {
        return nil, false
    }
    event := &iterator.track.Events[iterator.index]
    iterator.index += 1
    return event, true
}

func (iterator *TrackIterator) Restart() {
    iterator.index = 0
}
