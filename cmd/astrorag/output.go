package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"
)

// style is an ANSI SGR sequence.
type style string

const (
	plain  style = "\033[0m"
	bold   style = "\033[1m"
	red    style = "\033[31m"
	green  style = "\033[32m"
	yellow style = "\033[33m"
	cyan   style = "\033[36m"
)

// messages receives status lines; stdout stays reserved for command output.
var messages io.Writer = os.Stderr

func colorize(s style, text string) string {
	if noColor || s == plain {
		return text
	}
	return string(s) + text + string(plain)
}

func say(s style, mark, format string, args ...any) {
	fmt.Fprintln(messages, colorize(s, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { say(green, "✓", format, args...) }
func printError(format string, args ...any)   { say(red, "✗", format, args...) }
func printWarning(format string, args ...any) { say(yellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { say(cyan, "→", format, args...) }

// printStatus writes an indented "label: value" line.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(messages, "  %s %s\n", colorize(bold, label+":"), fmt.Sprintf(format, args...))
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shorten cuts s to at most n runes, marking the cut with an ellipsis.
func shorten(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
