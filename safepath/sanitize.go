package safepath

import "strings"

// maxFilenameLen matches the common filesystem limit for a single name.
const maxFilenameLen = 255

// SanitizeFilename reduces an arbitrary string (stream titles, user input) to a
// safe single filename: separators dropped, characters outside [A-Za-z0-9._-]
// removed, leading dots stripped so no hidden or relative names come out, and
// the result truncated to 255 bytes keeping the extension. Inputs that leave
// nothing usable return ErrInvalidInput.
func SanitizeFilename(name string) (string, error) {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '.' || c == '_' || c == '-':
			b.WriteRune(c)
		case c == ' ':
			b.WriteRune('_')
		}
		// Everything else, including / and \, is dropped.
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" || strings.Trim(out, "._-") == "" {
		return "", ErrInvalidInput
	}
	if len(out) > maxFilenameLen {
		ext := ""
		if i := strings.LastIndexByte(out, '.'); i > 0 && len(out)-i <= 16 {
			ext = out[i:]
		}
		out = out[:maxFilenameLen-len(ext)] + ext
	}
	return out, nil
}
