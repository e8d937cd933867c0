package herd

import (
	"strings"

	"github.com/fatih/color"
)

const bannerRule = "#################################"

// formatter renders coloured terminal text. Every call builds its own
// color.Color and never touches color.NoColor.
type formatter struct {
	color bool
}

func (f formatter) paint(s string, attrs ...color.Attribute) string {
	c := color.New(attrs...)
	if f.color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func (f formatter) info(s string) string {
	return f.paint(s, color.FgBlue)
}

func (f formatter) ok(s string) string {
	return f.paint(s, color.FgGreen)
}

func (f formatter) fail(s string) string {
	return f.paint(s, color.FgRed)
}

func (f formatter) bold(s string) string {
	return f.paint(s, color.Bold)
}

// banner frames title between two rules.
func (f formatter) banner(title string) string {
	return strings.Join([]string{bannerRule, f.bold(title), bannerRule}, "\n") + "\n"
}

// status renders a phase status in its colour.
func (f formatter) status(s PhaseStatus) string {
	if s == Passed {
		return f.ok(s.String())
	}
	return f.fail(s.String())
}
