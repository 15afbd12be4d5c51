// Package console dispatches command strings queued in the shared state region to
// handlers. Commands have the form "<verb> <args...>".
package console

import (
	"context"
	"strings"
)

// HandlerFunc handles the argument string of one command.
type HandlerFunc func(ctx context.Context, args string) error

// Console resolves a verb to its handler.
type Console interface {
	Handler(verb string) (HandlerFunc, bool)
}

// Commands is a Console backed by a verb to handler map.
type Commands map[string]HandlerFunc

func (c Commands) Handler(verb string) (HandlerFunc, bool) {
	h, ok := c[verb]
	return h, ok && h != nil
}

// Split separates a command into its verb and the rest of the line. Leading whitespace is
// ignored; the argument string keeps its inner spacing.
func Split(command string) (verb, args string) {
	command = strings.TrimLeft(command, " \t")
	verb, args, _ = strings.Cut(command, " ")
	return verb, args
}
