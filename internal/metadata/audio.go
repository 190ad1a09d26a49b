package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const mp3SyncWindow = 64 * 1024

// audioProps holds stream properties read from frame or block headers.
type audioProps struct {
	Duration time.Duration
	Bitrate  int // kbps
}

var mp3Bitrates = [2][3][16]int{
	// MPEG-1: layer I, II, III
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
	// MPEG-2 and 2.5
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
}

var mp3SampleRates = map[byte][3]int{
	3: {44100, 48000, 32000}, // MPEG-1
	2: {22050, 24000, 16000}, // MPEG-2
	0: {11025, 12000, 8000},  // MPEG-2.5
}

// probeAudio reads duration and bitrate from the first frame of an MP3 or the STREAMINFO block of a FLAC.
// Unknown formats yield zero values.
func probeAudio(r io.ReadSeeker) (audioProps, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return audioProps{}, err
	}

	head := make([]byte, 10)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return audioProps{}, nil
		}
		return audioProps{}, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("fLaC")):
		return probeFLAC(r)
	case bytes.HasPrefix(head, []byte("ID3")) && len(head) == 10:
		size := int64(syncsafe(head[6:10])) + 10
		if head[5]&0x10 != 0 {
			size += 10 // footer
		}
		if _, err := r.Seek(size, io.SeekStart); err != nil {
			return audioProps{}, err
		}
	default:
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return audioProps{}, err
		}
	}
	return probeMP3(r)
}

func syncsafe(b []byte) uint32 {
	return uint32(b[0]&0x7f)<<21 | uint32(b[1]&0x7f)<<14 | uint32(b[2]&0x7f)<<7 | uint32(b[3]&0x7f)
}

func probeMP3(r io.Reader) (audioProps, error) {
	buf := make([]byte, mp3SyncWindow)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return audioProps{}, err
	}
	buf = buf[:n]

	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] != 0xff || buf[i+1]&0xe0 != 0xe0 {
			continue
		}
		h, ok := parseMP3Header(buf[i : i+4])
		if !ok {
			continue
		}

		props := audioProps{Bitrate: h.bitrate}
		if frames, byteCount, ok := xingInfo(buf[i:], h); ok && frames > 0 {
			seconds := float64(frames) * float64(h.samplesPerFrame) / float64(h.sampleRate)
			props.Duration = time.Duration(seconds * float64(time.Second))
			if byteCount > 0 && seconds > 0 {
				props.Bitrate = int(float64(byteCount) * 8 / seconds / 1000)
			}
		}
		return props, nil
	}
	return audioProps{}, nil
}

type mp3Header struct {
	version         byte // 3 MPEG-1, 2 MPEG-2, 0 MPEG-2.5
	layer           int  // 1..3
	bitrate         int
	sampleRate      int
	samplesPerFrame int
	mono            bool
}

func parseMP3Header(b []byte) (mp3Header, bool) {
	version := (b[1] >> 3) & 0x03
	layerBits := (b[1] >> 1) & 0x03
	bitrateIdx := b[2] >> 4
	rateIdx := (b[2] >> 2) & 0x03

	if version == 1 || layerBits == 0 || bitrateIdx == 0 || bitrateIdx == 15 || rateIdx == 3 {
		return mp3Header{}, false
	}

	h := mp3Header{version: version, layer: int(4 - layerBits), mono: b[3]>>6 == 3}
	table := 0
	if version != 3 {
		table = 1
	}
	h.bitrate = mp3Bitrates[table][h.layer-1][bitrateIdx]
	h.sampleRate = mp3SampleRates[version][rateIdx]

	switch {
	case h.layer == 1:
		h.samplesPerFrame = 384
	case h.layer == 3 && version != 3:
		h.samplesPerFrame = 576
	default:
		h.samplesPerFrame = 1152
	}
	return h, true
}

// xingInfo reads the frame and byte counts of a Xing/Info VBR header in the first frame.
func xingInfo(frame []byte, h mp3Header) (frames, byteCount uint32, ok bool) {
	offset := 4
	switch {
	case h.version == 3 && !h.mono:
		offset += 32
	case h.version == 3, !h.mono:
		offset += 17
	default:
		offset += 9
	}

	if len(frame) < offset+16 {
		return 0, 0, false
	}
	tag := string(frame[offset : offset+4])
	if tag != "Xing" && tag != "Info" {
		return 0, 0, false
	}

	flags := binary.BigEndian.Uint32(frame[offset+4:])
	pos := offset + 8
	if flags&0x1 != 0 {
		frames = binary.BigEndian.Uint32(frame[pos:])
		pos += 4
	}
	if flags&0x2 != 0 && len(frame) >= pos+4 {
		byteCount = binary.BigEndian.Uint32(frame[pos:])
	}
	return frames, byteCount, true
}

func probeFLAC(r io.Reader) (audioProps, error) {
	// The 10 bytes already read hold "fLaC", the block header and 2 bytes of STREAMINFO.
	info := make([]byte, 16)
	if _, err := io.ReadFull(r, info); err != nil {
		return audioProps{}, nil
	}

	// info[8:16] covers STREAMINFO bytes 10..17: sample rate (20 bits), channels (3), bits per sample (5), total samples (36).
	packed := binary.BigEndian.Uint64(info[8:16])
	sampleRate := packed >> 44
	totalSamples := packed & (1<<36 - 1)
	if sampleRate == 0 || totalSamples == 0 {
		return audioProps{}, nil
	}

	seconds := float64(totalSamples) / float64(sampleRate)
	return audioProps{Duration: time.Duration(seconds * float64(time.Second))}, nil
}
