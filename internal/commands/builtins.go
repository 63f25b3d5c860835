package commands

import (
	"context"
	"time"

	"github.com/mymmrac/telego"
)

// Built-in command replies.
const (
	WelcomeText   = "Hello! Welcome to the Telegram Bot Emulator."
	PongText      = "Pong! 🏓"
	EchoEmptyText = "Please provide text to echo."
	EchoPrefix    = "You said: "
	TimePrefix    = "Current time: "
)

// isoMillis matches JavaScript's Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func textHandler(text string) Handler {
	return HandlerFunc(func(context.Context, telego.Message) (Reply, error) {
		return TextReply(text), nil
	})
}

// Builtins returns start, ping, echo and time. help is added by Default,
// since it needs the finished registry.
func Builtins(now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	return []Command{
		{
			Name:        "start",
			Description: "Start the bot",
			Handler:     textHandler(WelcomeText),
		},
		{
			Name:        "ping",
			Description: "Check if bot is responding",
			Handler:     textHandler(PongText),
		},
		{
			Name:        "echo",
			Description: "Echo back your message",
			Usage:       "/echo [text]",
			Handler: HandlerFunc(func(_ context.Context, msg telego.Message) (Reply, error) {
				_, args, _ := Parse(msg.Text)
				if args == "" {
					return TextReply(EchoEmptyText), nil
				}
				return TextReply(EchoPrefix + args), nil
			}),
		},
		{
			Name:        "time",
			Description: "Get current time",
			Handler: HandlerFunc(func(context.Context, telego.Message) (Reply, error) {
				return TextReply(TimePrefix + now().UTC().Format(isoMillis)), nil
			}),
		},
	}
}

// Default builds the standard registry: start, help, ping, echo, time, then
// any extra commands (for example from a commands file).
func Default(now func() time.Time, extra ...Command) (*Registry, error) {
	var reg *Registry
	help := Command{
		Name:        "help",
		Description: "Show this help message",
		Handler: HandlerFunc(func(context.Context, telego.Message) (Reply, error) {
			return TextReply(reg.HelpText()), nil
		}),
	}

	builtins := Builtins(now)
	cmds := make([]Command, 0, len(builtins)+1+len(extra))
	cmds = append(cmds, builtins[0], help)
	cmds = append(cmds, builtins[1:]...)
	cmds = append(cmds, extra...)

	r, err := NewRegistry(cmds...)
	if err != nil {
		return nil, err
	}
	reg = r
	return reg, nil
}
