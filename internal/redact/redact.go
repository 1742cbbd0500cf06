// Package redact provides a string type that carries two renditions of
// the same text: the raw form that is handed to a remote shell, and a
// display form that is safe to log or persist.
//
// Command lines that embed credentials are assembled with Sprintf so the
// secret only ever reaches the raw side:
//
//	token := redact.Secret(os.Getenv("GITHUB_TOKEN"))
//	url := redact.Sprintf("https://%s@github.com/%s.git", token, slug)
//	cmd := redact.Sprintf("git clone %s", url)
//
//	cmd.Raw()    // git clone https://ghp_xxx@github.com/org/repo.git
//	cmd.String() // git clone https://[secure]@github.com/org/repo.git
package redact

import (
	"fmt"
	"log/slog"
)

// Mask is the display form of every value created with Secret.
const Mask = "[secure]"

// String is an immutable pair of raw and display text. The zero value
// is the empty string in both renditions.
type String struct {
	raw     string
	display string
}

// New returns a String with explicit raw and display forms.
func New(raw, display string) String {
	return String{raw: raw, display: display}
}

// Plain returns a String whose raw and display forms are identical.
func Plain(s string) String {
	return String{raw: s, display: s}
}

// Secret returns a String that displays as Mask.
func Secret(s string) String {
	return String{raw: s, display: Mask}
}

// Sprintf formats template twice: once with the display form of every
// String argument and once with the raw form. Arguments of any other
// type contribute the same text to both renditions.
func Sprintf(template string, args ...any) String {
	display := make([]any, len(args))
	raw := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case String:
			display[i], raw[i] = v.display, v.raw
		case *String:
			display[i], raw[i] = v.display, v.raw
		default:
			display[i], raw[i] = arg, arg
		}
	}
	return String{
		raw:     fmt.Sprintf(template, raw...),
		display: fmt.Sprintf(template, display...),
	}
}

// Raw returns the text to execute. It must never be logged.
func (s String) Raw() string { return s.raw }

// Display returns the text that is safe to show.
func (s String) Display() string { return s.display }

// String implements fmt.Stringer with the display form.
func (s String) String() string { return s.display }

// GoString keeps %#v from printing the unexported raw field.
func (s String) GoString() string { return fmt.Sprintf("redact.String(%q)", s.display) }

// LogValue implements slog.LogValuer with the display form.
func (s String) LogValue() slog.Value { return slog.StringValue(s.display) }

// MarshalText implements encoding.TextMarshaler with the display form.
func (s String) MarshalText() ([]byte, error) { return []byte(s.display), nil }

// IsRedacted reports whether the raw and display forms differ.
func (s String) IsRedacted() bool { return s.raw != s.display }
