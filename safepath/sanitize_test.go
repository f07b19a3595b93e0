package safepath

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "stream_2024.mp4", "stream_2024.mp4"},
		{"spaces to underscore", "my cool stream.mp4", "my_cool_stream.mp4"},
		{"separators dropped", "a/b\\c.mp4", "abc.mp4"},
		{"traversal neutralized", "../../etc/passwd", "etcpasswd"},
		{"leading dots stripped", "...hidden.mp4", "hidden.mp4"},
		{"unicode dropped", "配信アーカイブ.mp4", "mp4"},
		{"mixed keeps ascii", "vod#42 (final)!.ts", "vod42_final.ts"},
		{"nul dropped", "a\x00b.mp4", "ab.mp4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SanitizeFilename(tc.in)
			if err != nil {
				t.Fatalf("SanitizeFilename(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeFilenameRejects(t *testing.T) {
	for _, in := range []string{"", "///", "...", "॥॥॥", strings.Repeat("/", 10)} {
		if _, err := SanitizeFilename(in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("SanitizeFilename(%q) err = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestSanitizeFilenameTruncation(t *testing.T) {
	long := strings.Repeat("a", 300) + ".mp4"
	got, err := SanitizeFilename(long)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) > maxFilenameLen {
		t.Errorf("len = %d, want <= %d", len(got), maxFilenameLen)
	}
	if !strings.HasSuffix(got, ".mp4") {
		t.Errorf("truncation lost the extension: %q", got)
	}

	// No extension worth preserving: plain cut.
	got, err = SanitizeFilename(strings.Repeat("b", 300))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != maxFilenameLen {
		t.Errorf("len = %d, want %d", len(got), maxFilenameLen)
	}

	// An absurdly long "extension" is not preserved.
	got, err = SanitizeFilename("x." + strings.Repeat("y", 299))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) > maxFilenameLen {
		t.Errorf("len = %d, want <= %d", len(got), maxFilenameLen)
	}
}
