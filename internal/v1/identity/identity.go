// Package identity holds the pure identity primitives of the hub: opaque
// session ids, display-name and chat-text validation, and the @-prefix
// parsing behind private messages. Everything here is side-effect free and
// safe for concurrent use.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameLength bounds a trimmed display name.
	MaxNameLength = 32
	// MaxChatLength bounds a trimmed chat body, in runes.
	MaxChatLength = 500

	idBytes = 12

	// replyPrefix marks a quoted public reply. It begins with '@' like a
	// private message, so routers must test it before private parsing.
	replyPrefix = "@reply ["
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9 _\-\.]+$`)

// NewID returns a fresh opaque identifier: 12 cryptographically random
// bytes rendered as 24 lowercase hex digits. Collisions over a process
// lifetime are negligible.
func NewID() string {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process cannot mint identities at
		// all; nothing sensible can continue from here.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// ValidateName canonicalizes a display name. It returns the trimmed name
// and true iff the trimmed input is 1 to 32 characters drawn from
// letters, digits, space, underscore, hyphen and dot.
func ValidateName(s string) (string, bool) {
	name := strings.TrimSpace(s)
	if name == "" || len(name) > MaxNameLength {
		return "", false
	}
	if !namePattern.MatchString(name) {
		return "", false
	}
	return name, true
}

// ValidateChat trims chat text and accepts it iff the result is 1 to 500
// runes and carries no embedded control characters. Multi-line text is
// allowed: tab, LF and CR pass, every other C0 control and DEL do not.
func ValidateChat(s string) (string, bool) {
	text := strings.TrimSpace(s)
	if text == "" || utf8.RuneCountInString(text) > MaxChatLength {
		return "", false
	}
	for _, r := range text {
		if forbiddenControl(r) {
			return "", false
		}
	}
	return text, true
}

func forbiddenControl(r rune) bool {
	switch {
	case r <= 0x08:
		return true
	case r == 0x0B || r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	}
	return false
}

// IsReply reports whether text carries the literal quoted-reply prefix
// "@reply [". Such text is public chat even though it starts with '@'.
func IsReply(text string) bool {
	return strings.HasPrefix(text, replyPrefix)
}

// ParsePrivatePrefix splits private-addressed chat text into target name
// and body. Two shapes are recognized:
//
//	@"name with spaces" body
//	@name body
//
// The quoted shape needs a closing quote (searched from index 2), then a
// single space, then a non-empty body. The bare shape splits at the first
// space and needs a non-empty name and body. Anything else reports ok
// false and should be treated as public text.
func ParsePrivatePrefix(text string) (name, body string, ok bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	if strings.HasPrefix(text, `@"`) {
		end := strings.Index(text[2:], `"`)
		if end < 0 {
			return "", "", false
		}
		end += 2
		rest := text[end+1:]
		if !strings.HasPrefix(rest, " ") || len(rest) < 2 {
			return "", "", false
		}
		return text[2:end], rest[1:], true
	}
	sp := strings.IndexByte(text, ' ')
	if sp < 2 || sp == len(text)-1 {
		return "", "", false
	}
	return text[1:sp], text[sp+1:], true
}
