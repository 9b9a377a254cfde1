package errors

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// palette holds the sprint functions used by the banner. The plain palette
// returns its input unchanged.
type palette struct {
	label, message, fix, usage, bullet, category func(a ...interface{}) string
}

func plain(a ...interface{}) string { return fmt.Sprint(a...) }

var (
	colored = palette{
		label:    color.New(color.FgRed, color.Bold).SprintFunc(),
		message:  color.New(color.FgRed).SprintFunc(),
		fix:      color.New(color.FgGreen, color.Bold).SprintFunc(),
		usage:    color.New(color.FgCyan).SprintFunc(),
		bullet:   color.New(color.FgGreen).SprintFunc(),
		category: color.New(color.FgYellow).SprintFunc(),
	}
	uncolored = palette{plain, plain, plain, plain, plain, plain}
)

// FormatError renders a CLIError as a failure banner. color.NoColor disables
// colors on non-terminals.
func FormatError(err *CLIError) string {
	if err == nil {
		return ""
	}
	return formatError(err, colored)
}

// FormatErrorPlain renders a CLIError without colors.
func FormatErrorPlain(err *CLIError) string {
	if err == nil {
		return ""
	}
	return formatError(err, uncolored)
}

func formatError(err *CLIError, p palette) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s [%s]: %s\n", p.label("Error"), p.category(err.Category.String()), p.message(err.Message))

	if err.Usage != "" {
		fmt.Fprintf(&sb, "\n%s %s\n", p.usage("Usage:"), p.usage(err.Usage))
	}

	if len(err.Remediation) > 0 {
		fmt.Fprintf(&sb, "\n%s\n", p.fix("To fix this:"))
		for _, step := range err.Remediation {
			fmt.Fprintf(&sb, "  %s %s\n", p.bullet("•"), step)
		}
	}
	return sb.String()
}

// PrintError prints a formatted CLIError to stderr.
func PrintError(err *CLIError) {
	FprintError(os.Stderr, err)
}

// FprintError prints a formatted CLIError to the given writer.
func FprintError(w io.Writer, err *CLIError) {
	if err == nil {
		return
	}
	fmt.Fprint(w, FormatError(err))
}

// PrintWorkflowError prints any error as a failure banner, mapping workflow
// failures to their category and remediation first.
func PrintWorkflowError(w io.Writer, err error) {
	FprintError(w, FromWorkflowError(err))
}
