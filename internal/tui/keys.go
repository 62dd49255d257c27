package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all dashboard key bindings with built-in help text.
type KeyMap struct {
	Quit      key.Binding
	ForceQuit key.Binding
	Help      key.Binding
	Escape    key.Binding
	Enter     key.Binding

	// Cycle control
	Target key.Binding
	Start  key.Binding
	Stop   key.Binding
	Reset  key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q"),
			key.WithHelp("q", "quit"),
		),
		ForceQuit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "force quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?", "h"),
			key.WithHelp("?/h", "help"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "confirm"),
		),
		Target: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "register target"),
		),
		Start: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "start cycle"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "stop cycle"),
		),
		Reset: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reset grid"),
		),
	}
}

// ShortHelp implements help.KeyMap for the status line.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Target, k.Start, k.Stop, k.Reset, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap for the help page.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Target, k.Start, k.Stop, k.Reset},
		{k.Enter, k.Escape},
		{k.Help, k.Quit, k.ForceQuit},
	}
}
