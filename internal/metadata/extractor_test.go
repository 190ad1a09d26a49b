package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// id3Frame encodes an ID3v2.3 text frame with ISO-8859-1 text.
func id3Frame(id, text string) []byte {
	var b bytes.Buffer
	b.WriteString(id)
	binary.Write(&b, binary.BigEndian, uint32(len(text)+1))
	b.Write([]byte{0, 0, 0})
	b.WriteString(text)
	return b.Bytes()
}

func id3Tag(frames ...[]byte) []byte {
	body := bytes.Join(frames, nil)
	size := len(body)
	header := []byte{'I', 'D', '3', 3, 0, 0,
		byte(size >> 21 & 0x7f), byte(size >> 14 & 0x7f), byte(size >> 7 & 0x7f), byte(size & 0x7f)}
	return append(header, body...)
}

// mp3Frame is an MPEG-1 layer III frame header: 128 kbps, 44.1 kHz, stereo, followed by silence.
func mp3Frame() []byte {
	frame := make([]byte, 417)
	copy(frame, []byte{0xff, 0xfb, 0x90, 0x00})
	return frame
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestTagExtractor(t *testing.T) {
	ctx := context.Background()
	e := NewTagExtractor()

	t.Run("ID3 Tags", func(t *testing.T) {
		data := id3Tag(
			id3Frame("TIT2", "Windowlicker"),
			id3Frame("TPE1", "Aphex Twin"),
			id3Frame("TALB", "Windowlicker EP"),
			id3Frame("TRCK", "1/3"),
			id3Frame("TYER", "1999"),
		)
		data = append(data, mp3Frame()...)

		got, err := e.ExtractFromFile(ctx, writeTemp(t, "track.mp3", data))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if got.Title != "Windowlicker" || got.Artist != "Aphex Twin" || got.Album != "Windowlicker EP" {
			t.Errorf("unexpected tags %+v", got)
		}
		if got.TrackNumber != 1 {
			t.Errorf("expected track 1, got %d", got.TrackNumber)
		}
		if got.Year != 1999 {
			t.Errorf("expected year 1999, got %d", got.Year)
		}
		if got.Bitrate != 128 {
			t.Errorf("expected 128 kbps from the frame header, got %d", got.Bitrate)
		}
	})

	t.Run("Untagged Falls Back To File Name", func(t *testing.T) {
		got, err := e.ExtractFromFile(ctx, writeTemp(t, "Boards of Canada - Roygbiv.mp3", mp3Frame()))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got.Artist != "Boards of Canada" || got.Title != "Roygbiv" {
			t.Errorf("unexpected fallback %q / %q", got.Artist, got.Title)
		}
		if got.Bitrate != 128 {
			t.Errorf("expected 128 kbps, got %d", got.Bitrate)
		}
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := e.ExtractFromFile(ctx, filepath.Join(t.TempDir(), "nope.mp3"))
		if !errors.Is(err, shared.ErrExtraction) {
			t.Errorf("expected ErrExtraction, got %v", err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := e.ExtractFromFile(cctx, "unused"); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestProbeAudio(t *testing.T) {
	t.Run("Xing VBR Header", func(t *testing.T) {
		frame := mp3Frame()
		// MPEG-1 stereo: Xing tag follows 4 header bytes and 32 bytes of side info.
		copy(frame[36:], "Xing")
		binary.BigEndian.PutUint32(frame[40:], 0x3) // frames and bytes present
		binary.BigEndian.PutUint32(frame[44:], 3828) // ~100s at 1152 samples/frame, 44.1kHz
		binary.BigEndian.PutUint32(frame[48:], 2_000_000)

		props, err := probeAudio(bytes.NewReader(frame))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if props.Duration < 99*time.Second || props.Duration > 101*time.Second {
			t.Errorf("expected ~100s, got %v", props.Duration)
		}
		if props.Bitrate < 155 || props.Bitrate > 165 {
			t.Errorf("expected ~160 kbps average, got %d", props.Bitrate)
		}
	})

	t.Run("FLAC STREAMINFO", func(t *testing.T) {
		var b bytes.Buffer
		b.WriteString("fLaC")
		b.Write([]byte{0x80, 0, 0, 34}) // last block, STREAMINFO, length 34
		b.Write(make([]byte, 10))       // block and frame sizes
		// 44100 Hz, 2 channels, 16 bits, 441000 samples (10s)
		packed := uint64(44100)<<44 | uint64(1)<<41 | uint64(15)<<36 | uint64(441000)
		binary.Write(&b, binary.BigEndian, packed)
		b.Write(make([]byte, 16)) // md5

		props, err := probeAudio(bytes.NewReader(b.Bytes()))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if props.Duration != 10*time.Second {
			t.Errorf("expected 10s, got %v", props.Duration)
		}
	})

	t.Run("Unknown Format", func(t *testing.T) {
		props, err := probeAudio(bytes.NewReader([]byte("not audio at all")))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if props.Duration != 0 || props.Bitrate != 0 {
			t.Errorf("expected zero props, got %+v", props)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := probeAudio(bytes.NewReader(nil)); err != nil {
			t.Errorf("expected no error for empty input, got %v", err)
		}
	})
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name   string
		artist string
		title  string
	}{
		{"Artist - Title.mp3", "Artist", "Title"},
		{"01 - Artist - Title.flac", "Artist", "Title"},
		{"Artist - Title - Live.mp3", "Artist", "Title - Live"},
		{"Just A Title.m4a", "", "Just A Title"},
		{"07. Song.mp3", "", "Song"},
		{"1999.mp3", "", "1999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artist, title := ParseFileName(tt.name)
			if artist != tt.artist || title != tt.title {
				t.Errorf("ParseFileName(%q) = %q, %q; want %q, %q", tt.name, artist, title, tt.artist, tt.title)
			}
		})
	}
}
