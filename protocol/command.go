package protocol

import "strings"

// Param is a single key=value command parameter. Parameter order is
// significant and preserved through Encode.
type Param struct {
	Key   string
	Value string
}

// Command is one instruction for the query server: a name plus an ordered
// set of parameters. Build it with NewCommand/With, then serialise it with
// Encode. Encode never mutates the command.
type Command struct {
	name   string
	params []Param
}

func NewCommand(name string) *Command {
	return &Command{name: name}
}

// With appends a parameter and returns the command for chaining. Keys are
// protocol identifiers and must not contain '=': the wire format has no
// escape for it, and decoders split an entry field at the first '='. Values
// may contain '=' freely.
func (c *Command) With(key, value string) *Command {
	c.params = append(c.params, Param{Key: key, Value: value})
	return c
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Params() []Param {
	return c.params
}

// Encode serialises the command into exactly one wire line, without the
// trailing line terminator. Keys and values are escaped so no parameter can
// corrupt framing or smuggle in a second parameter. A '=' inside a key is
// not representable on the wire; see With.
func (c *Command) Encode() string {
	var b strings.Builder
	b.WriteString(c.name)

	for _, p := range c.params {
		b.WriteByte(' ')
		b.WriteString(Escape(p.Key))
		b.WriteByte('=')
		b.WriteString(Escape(p.Value))
	}

	return b.String()
}

// escapes maps every character that must not appear raw in a key or value
// to its two-byte escape sequence.
var escapes = []struct {
	raw     byte
	escaped string
}{
	{'\\', `\\`},
	{'/', `\/`},
	{' ', `\s`},
	{'|', `\p`},
	{'\a', `\a`},
	{'\b', `\b`},
	{'\f', `\f`},
	{'\n', `\n`},
	{'\r', `\r`},
	{'\t', `\t`},
	{'\v', `\v`},
}

// Escape replaces the delimiter and control characters in s with their
// escape sequences.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))

outer:
	for i := 0; i < len(s); i++ {
		for _, e := range escapes {
			if s[i] == e.raw {
				b.WriteString(e.escaped)
				continue outer
			}
		}
		b.WriteByte(s[i])
	}

	return b.String()
}

// Unescape is the inverse of Escape. Unknown escape sequences and a
// trailing bare backslash produce ErrMalformedResponse.
func Unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}

		if i == len(s)-1 {
			return "", ErrMalformedResponse
		}

		i++

		found := false
		for _, e := range escapes {
			if s[i] == e.escaped[1] {
				b.WriteByte(e.raw)
				found = true
				break
			}
		}

		if !found {
			return "", ErrMalformedResponse
		}
	}

	return b.String(), nil
}
