// Package validate checks inbound bot configurations and messages before
// they reach the session store.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mymmrac/telego"

	berrors "github.com/p-blackswan/botemu/internal/errors"
	"github.com/p-blackswan/botemu/internal/sanitize"
)

var (
	tokenRe       = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{35,}$`)
	botUsernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	alphanumRe    = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

var chatTypes = map[string]bool{
	"private":    true,
	"group":      true,
	"supergroup": true,
	"channel":    true,
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every violation found in one payload.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Unwrap lets callers match errors.Is(err, errors.ErrInvalidInput).
func (e Errors) Unwrap() error { return berrors.ErrInvalidInput }

// Messages returns the human-readable messages only.
func (e Errors) Messages() []string {
	out := make([]string, len(e))
	for i, fe := range e {
		out[i] = fe.Field + " " + fe.Message
	}
	return out
}

type collector struct{ errs Errors }

func (c *collector) add(field, format string, args ...any) {
	c.errs = append(c.errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) length(field, s string, min, max int) {
	n := utf8.RuneCountInString(s)
	switch {
	case n < min:
		c.add(field, "must be at least %d characters", min)
	case max > 0 && n > max:
		c.add(field, "must be at most %d characters", max)
	}
}

func (c *collector) result() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

// BotConfigInput is the create-bot request body.
type BotConfigInput struct {
	Token          string   `json:"token"`
	Username       string   `json:"username"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

// BotConfig validates a bot registration.
func BotConfig(in BotConfigInput) error {
	var c collector

	if in.Token == "" {
		c.add("token", "is required")
	} else if !tokenRe.MatchString(in.Token) {
		c.add("token", "must match <digits>:<35+ characters of A-Z a-z 0-9 _ ->")
	}

	if in.Username == "" {
		c.add("username", "is required")
	} else {
		if !botUsernameRe.MatchString(in.Username) {
			c.add("username", "may contain only letters, digits and underscores")
		}
		c.length("username", in.Username, 5, 32)
	}

	if in.WebhookURL != "" {
		u, err := url.Parse(in.WebhookURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			c.add("webhook_url", "must be an absolute URI")
		}
	}

	for i, upd := range in.AllowedUpdates {
		if strings.TrimSpace(upd) == "" {
			c.add(fmt.Sprintf("allowed_updates[%d]", i), "must not be empty")
		}
	}

	return c.result()
}

// Message validates an inbound user message.
func Message(m telego.Message) error {
	var c collector

	if m.MessageID <= 0 {
		c.add("message_id", "must be a positive integer")
	}
	if m.Date <= 0 {
		c.add("date", "must be a positive integer")
	}
	if m.From != nil {
		user(&c, "from", *m.From)
	}
	chat(&c, "chat", m.Chat)
	if utf8.RuneCountInString(m.Text) > sanitize.MaxTextLength {
		c.add("text", "must be at most %d characters", sanitize.MaxTextLength)
	}

	return c.result()
}

// User validates a participant profile.
func User(u telego.User) error {
	var c collector
	user(&c, "user", u)
	return c.result()
}

func user(c *collector, prefix string, u telego.User) {
	if u.ID <= 0 {
		c.add(prefix+".id", "must be a positive integer")
	}
	c.length(prefix+".first_name", u.FirstName, 1, 64)
	c.length(prefix+".last_name", u.LastName, 0, 64)
	if u.Username != "" {
		username(c, prefix+".username", u.Username)
	}
	if u.LanguageCode != "" && utf8.RuneCountInString(u.LanguageCode) != 2 {
		c.add(prefix+".language_code", "must be exactly 2 characters")
	}
}

func chat(c *collector, prefix string, ch telego.Chat) {
	if ch.Type == "" {
		c.add(prefix+".type", "is required")
	} else if !chatTypes[ch.Type] {
		c.add(prefix+".type", "must be one of private, group, supergroup, channel")
	}
	c.length(prefix+".title", ch.Title, 0, 255)
	if ch.Username != "" {
		username(c, prefix+".username", ch.Username)
	}
	c.length(prefix+".first_name", ch.FirstName, 0, 64)
	c.length(prefix+".last_name", ch.LastName, 0, 64)
}

func username(c *collector, field, s string) {
	if !alphanumRe.MatchString(s) {
		c.add(field, "must be alphanumeric")
	}
	c.length(field, s, 5, 32)
}
