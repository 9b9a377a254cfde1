package progress

import (
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// ASCIIEnv forces ASCII symbols when set to "1", for terminals that cannot
// draw the braille spinner.
const ASCIIEnv = "CHEMFLOW_ASCII"

var (
	unicodeSymbols = ProgressSymbols{Checkmark: "✓", Failure: "✗", SpinnerSet: 14}
	asciiSymbols   = ProgressSymbols{Checkmark: "[OK]", Failure: "[FAIL]", SpinnerSet: 9}
)

// DetectTerminal inspects f. Color follows fatih/color, which already honors
// NO_COLOR and TERM=dumb.
func DetectTerminal(f *os.File) TerminalCapabilities {
	tty := term.IsTerminal(int(f.Fd()))
	return TerminalCapabilities{
		IsTTY:           tty,
		SupportsColor:   tty && !color.NoColor,
		SupportsUnicode: tty && os.Getenv(ASCIIEnv) != "1",
	}
}

// SelectSymbols picks glyphs and the spinner set for caps.
func SelectSymbols(caps TerminalCapabilities) ProgressSymbols {
	if caps.SupportsUnicode {
		return unicodeSymbols
	}
	return asciiSymbols
}
