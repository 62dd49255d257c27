package tui

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorNavy  = lipgloss.Color("17")
	ColorWhite = lipgloss.Color("15")
	ColorGray  = lipgloss.Color("244")
	ColorBlue  = lipgloss.Color("39")
	ColorGreen = lipgloss.Color("40")
	ColorRed   = lipgloss.Color("196")
	ColorAmber = lipgloss.Color("214")
)

const cellGlyph = "██"

// Skin is the palette the dashboard renders with.
type Skin struct {
	Found    lipgloss.Color
	NotFound lipgloss.Color
	Unknown  lipgloss.Color
	Accent   lipgloss.Color
	Key      lipgloss.Color
	Bar      lipgloss.Color
}

var skins = map[string]Skin{
	"default": {
		Found: ColorGreen, NotFound: ColorRed, Unknown: lipgloss.Color("236"),
		Accent: ColorBlue, Key: ColorAmber, Bar: ColorNavy,
	},
	// Blue/orange stays distinguishable for red-green colour blindness.
	"contrast": {
		Found: lipgloss.Color("33"), NotFound: lipgloss.Color("208"), Unknown: lipgloss.Color("238"),
		Accent: ColorWhite, Key: lipgloss.Color("226"), Bar: lipgloss.Color("235"),
	},
}

var (
	foundCellStyle    lipgloss.Style
	notFoundCellStyle lipgloss.Style
	unknownCellStyle  lipgloss.Style

	titleStyle lipgloss.Style
	keyStyle   lipgloss.Style
	dimStyle   lipgloss.Style
	errorStyle lipgloss.Style

	panelStyle     lipgloss.Style
	statusBarStyle lipgloss.Style
)

func init() { applySkin(skins["default"]) }

// SkinNames lists the built-in skins.
func SkinNames() []string {
	names := make([]string, 0, len(skins))
	for name := range skins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitializeSkin switches the dashboard palette. Unknown names leave the
// default in place and return an error.
func InitializeSkin(name string) error {
	if name == "" {
		name = "default"
	}
	skin, ok := skins[name]
	if !ok {
		return fmt.Errorf("unknown skin %q (available: %v)", name, SkinNames())
	}
	applySkin(skin)
	return nil
}

func applySkin(s Skin) {
	foundCellStyle = lipgloss.NewStyle().Foreground(s.Found)
	notFoundCellStyle = lipgloss.NewStyle().Foreground(s.NotFound)
	unknownCellStyle = lipgloss.NewStyle().Foreground(s.Unknown)

	titleStyle = lipgloss.NewStyle().Foreground(s.Accent).Bold(true)
	keyStyle = lipgloss.NewStyle().Foreground(s.Key).Bold(true)
	dimStyle = lipgloss.NewStyle().Foreground(ColorGray)
	errorStyle = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)

	panelStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(s.Bar).
		Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
		Background(s.Bar).
		Foreground(ColorWhite)
}
