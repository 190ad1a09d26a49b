package shared

import (
	"testing"
	"time"
)

func TestNormalizeName(t *testing.T) {
	tc := []struct {
		name  string
		input string
		want  string
	}{
		{name: "basic normalization", input: "Artist Name", want: "artist name"},
		{name: "extra whitespace", input: "  Artist \t  Name  ", want: "artist name"},
		{name: "mixed case", input: "ArTiSt NaMe", want: "artist name"},
		{name: "empty", input: "   ", want: ""},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeName(tt.input); got != tt.want {
				t.Errorf("NormalizeName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatting(t *testing.T) {
	t.Run("FormatDuration", func(t *testing.T) {
		if got := FormatDuration(3*time.Minute + 25*time.Second); got != "3:25" {
			t.Errorf("expected 3:25, got %s", got)
		}
		if got := FormatDuration(time.Hour + 2*time.Second); got != "1:00:02" {
			t.Errorf("expected 1:00:02, got %s", got)
		}
	})

	t.Run("FormatBytes", func(t *testing.T) {
		if got := FormatBytes(512); got != "512 B" {
			t.Errorf("expected 512 B, got %s", got)
		}
		if got := FormatBytes(1536); got != "1.5 KiB" {
			t.Errorf("expected 1.5 KiB, got %s", got)
		}
		if got := FormatBytes(5 * 1024 * 1024); got != "5.0 MiB" {
			t.Errorf("expected 5.0 MiB, got %s", got)
		}
	})

	t.Run("FileStem", func(t *testing.T) {
		if got := FileStem("music/01 - Song.mp3"); got != "01 - Song" {
			t.Errorf("expected '01 - Song', got %q", got)
		}
	})
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	b, _ := GenerateState()
	if a == b {
		t.Error("expected distinct states")
	}
	if len(a) != 32 {
		t.Errorf("expected 32 characters, got %d", len(a))
	}
}
