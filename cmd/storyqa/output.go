package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// diag receives progress and status lines. Results go to stdout.
var diag io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, mark, format string, args ...any) {
	fmt.Fprintln(diag, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(diag, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printRunRow(w io.Writer, r runRow) {
	failed := ""
	if r.FailedItems > 0 {
		failed = fmt.Sprintf(" (%d failed)", r.FailedItems)
	}
	if r.Attempts > 1 {
		failed += fmt.Sprintf(" [%d attempts]", r.Attempts)
	}
	fmt.Fprintf(w, "%s  %s/%s@%d  %s%s\n",
		r.UpdatedAt, r.ProjectID, r.StoryID, r.Revision,
		colorize(statusColor(r.Status), r.Status), failed)
}
