// Package models defines the contact command grammar for ChatLoop.
package models

import "strings"

// Command is a fixed contact-issued instruction recognized before any flow
// graph traversal. Anything not in the grammar is CommandNone and flows
// into normal classification.
type Command string

const (
	// CommandNone indicates the input is not a command.
	CommandNone Command = ""
	// CommandMenu asks for the list of launchable campaigns.
	CommandMenu Command = "menu"
	// CommandStartOver cancels the contact's current session so a fresh one
	// can be created on the next keyword.
	CommandStartOver Command = "start-over"
	// CommandStop pauses all automated replies for the contact.
	CommandStop Command = "stop"
)

// commandTokens maps canonical input tokens to commands. Tokens are compared
// after trim+uppercase canonicalization.
var commandTokens = map[string]Command{
	"MENU":        CommandMenu,
	"HELP":        CommandMenu,
	"/START-OVER": CommandStartOver,
	"START OVER":  CommandStartOver,
	"RESET":       CommandStartOver,
	"STOP":        CommandStop,
	"SAIR":        CommandStop,
}

// ParseCommand returns the command for a canonical token, or CommandNone.
func ParseCommand(canonicalToken string) Command {
	if cmd, ok := commandTokens[strings.ToUpper(strings.TrimSpace(canonicalToken))]; ok {
		return cmd
	}
	return CommandNone
}
