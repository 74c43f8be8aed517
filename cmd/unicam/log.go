package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// colorProfile returns the color profile for log output to w: terminal
// colors when w is a terminal (honoring NO_COLOR), none otherwise.
func colorProfile(w io.Writer) termenv.Profile {
	if !isTerminal(w) {
		return termenv.Ascii
	}
	return termenv.NewOutput(w).EnvColorProfile()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // file descriptors fit in int
}

// newLogger returns a text logger whose level names are colored unless
// profile is termenv.Ascii.
func newLogger(w io.Writer, debug bool, profile termenv.Profile) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if profile != termenv.Ascii {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey || len(groups) > 0 {
				return a
			}
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(levelString(profile, lvl))
			}
			return a
		}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func levelString(profile termenv.Profile, l slog.Level) string {
	var c termenv.Color
	switch {
	case l >= slog.LevelError:
		c = termenv.ANSIRed
	case l >= slog.LevelWarn:
		c = termenv.ANSIYellow
	case l >= slog.LevelInfo:
		c = termenv.ANSIGreen
	default:
		c = termenv.ANSIBlue
	}
	return profile.String(l.String()).Foreground(profile.Convert(c)).String()
}
