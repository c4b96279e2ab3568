package logging

import "github.com/fatih/color"

// One fatih/color.Color per level. Using the library (rather than raw ANSI
// escapes) means color output respects NO_COLOR and non-TTY detection.
var (
	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
	infoColor  = color.New(color.FgGreen)
	debugColor = color.New(color.FgCyan)
	traceColor = color.New(color.FgMagenta)
	plainColor = color.New(color.FgWhite)
)

// levelColor returns the *color.Color used to render a line at this level.
func (l Level) levelColor() *color.Color {
	switch {
	case l <= Error:
		return errorColor
	case l == Warn:
		return warnColor
	case l == Info:
		return infoColor
	case l == Debug:
		return debugColor
	default:
		return traceColor
	}
}
