// Package commands holds the slash-command table a bot session dispatches to.
package commands

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"unicode"

	"github.com/mymmrac/telego"

	berrors "github.com/p-blackswan/botemu/internal/errors"
)

// Prefix marks a message as a command.
const Prefix = "/"

var nameRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// Reply is what a handler produces: either plain text, which the caller wraps
// into a bot message, or a fully formed message used as-is.
type Reply struct {
	Text    string
	Message *telego.Message
}

// TextReply wraps plain reply text.
func TextReply(text string) Reply { return Reply{Text: text} }

// MessageReply wraps a complete message.
func MessageReply(msg *telego.Message) Reply { return Reply{Message: msg} }

// IsMessage reports whether the handler built the whole message itself.
func (r Reply) IsMessage() bool { return r.Message != nil }

// Handler produces a reply for the message that triggered a command.
type Handler interface {
	Handle(ctx context.Context, msg telego.Message) (Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg telego.Message) (Reply, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg telego.Message) (Reply, error) {
	return f(ctx, msg)
}

// Command is a named handler.
type Command struct {
	Name        string
	Description string
	Usage       string // shown by /help, defaults to "/<name>"
	Handler     Handler
}

func (c Command) usage() string {
	if c.Usage != "" {
		return c.Usage
	}
	return Prefix + c.Name
}

// Registry is an ordered, immutable name-to-command table. Lookup is an
// exact, case-sensitive match.
type Registry struct {
	order  []Command
	byName map[string]Command
}

// NewRegistry builds a registry, rejecting invalid and duplicate names.
func NewRegistry(cmds ...Command) (*Registry, error) {
	r := &Registry{byName: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		if !nameRe.MatchString(c.Name) {
			return nil, fmt.Errorf("invalid command name %q", c.Name)
		}
		if c.Handler == nil {
			return nil, fmt.Errorf("command %q has no handler", c.Name)
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate command %q", c.Name)
		}
		r.byName[c.Name] = c
		r.order = append(r.order, c)
	}
	return r, nil
}

// Lookup finds a command by name.
func (r *Registry) Lookup(name string) (Command, bool) {
	if r == nil {
		return Command{}, false
	}
	c, ok := r.byName[name]
	return c, ok
}

// Resolve is Lookup that reports a miss as berrors.ErrUnknownCommand.
func (r *Registry) Resolve(name string) (Command, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return Command{}, fmt.Errorf("%s%s: %w", Prefix, name, berrors.ErrUnknownCommand)
	}
	return c, nil
}

// BotCommands lists the registry in Bot API form, in registration order.
func (r *Registry) BotCommands() []telego.BotCommand {
	if r == nil {
		return []telego.BotCommand{}
	}
	out := make([]telego.BotCommand, 0, len(r.order))
	for _, c := range r.order {
		out = append(out, telego.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// HelpText renders the /help listing.
func (r *Registry) HelpText() string {
	var b strings.Builder
	b.WriteString("Available commands:")
	if r == nil {
		return b.String()
	}
	for _, c := range r.order {
		b.WriteString("\n")
		b.WriteString(c.usage())
		b.WriteString(" - ")
		b.WriteString(c.Description)
	}
	return b.String()
}

// Parse splits "/name rest" into name and trimmed arguments. ok is false when
// text does not start with Prefix.
func Parse(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, Prefix) {
		return "", "", false
	}
	body := strings.TrimPrefix(text, Prefix)
	end := strings.IndexFunc(body, unicode.IsSpace)
	if end < 0 {
		return body, "", true
	}
	return body[:end], strings.TrimSpace(body[end:]), true
}

// Invoke runs a command handler, converting a panic into an error.
func Invoke(ctx context.Context, cmd Command, msg telego.Message) (reply Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("command /%s panicked: %v\n%s", cmd.Name, p, debug.Stack())
		}
	}()
	return cmd.Handler.Handle(ctx, msg)
}
