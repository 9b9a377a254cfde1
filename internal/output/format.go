// Package output provides terminal output formatting utilities for the chemflow CLI.
// This package is designed to have minimal dependencies to avoid import cycles.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// GetTerminalWidth returns the terminal width, defaulting to 80 if unavailable.
func GetTerminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	return 80
}

// PrintSeparator prints a dim rule with a centered label, used to frame
// artifact text.
func PrintSeparator(out io.Writer, label string) {
	termWidth := GetTerminalWidth()
	magenta := color.New(color.FgMagenta, color.Faint).SprintFunc()

	label = " " + label + " "
	lineLen := (termWidth - utf8.RuneCountInString(label)) / 2
	if lineLen < 3 {
		lineLen = 3
	}

	line := strings.Repeat("─", lineLen)
	fmt.Fprintf(out, "%s%s%s\n", magenta(line), magenta(label), magenta(line))
}

// PrintStageHeader prints a colored stage header (e.g., "[Stage 2/10] Literature research...").
func PrintStageHeader(out io.Writer, stageNum, totalStages int, stageName string) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	white := color.New(color.FgWhite, color.Bold).SprintFunc()
	fmt.Fprintf(out, "%s %s\n", cyan(fmt.Sprintf("[Stage %d/%d]", stageNum, totalStages)), white(stageName+"..."))
}

// PrintStageSuccess prints a green checkmark followed by message.
func PrintStageSuccess(out io.Writer, message string) {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(out, "%s %s\n", green("✓"), cyan(message))
}

// Preview collapses whitespace in s and cuts it to at most width runes,
// ending with "..." when shortened.
func Preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 3 || utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	return string(runes[:width-3]) + "..."
}
