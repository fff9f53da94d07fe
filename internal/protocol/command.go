// Package protocol parses the command framing embedded in the device's text
// stream and encodes the bridge's replies.
//
// A command line has the exact shape
//
//	$$CMD_<NAME>:<args>$$
//
// where NAME is made of upper-case letters and underscores. Everything else
// the device prints is a plain log line.
package protocol

import (
	"regexp"
	"strings"
)

const (
	commandPrefix = "$$CMD_"
	argSeparator  = ":"
)

var commandPattern = regexp.MustCompile(`^\$\$CMD_([A-Z_]+):(.+)\$\$$`)

type Command struct {
	Name string
	Args []string
}

// Arg returns the i-th argument, or "" when absent.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}

	return c.Args[i]
}

// ParseCommand recognises a command line. Arguments are split on every
// colon, so a trailing argument containing a colon arrives as several
// fields; handlers rely on this.
func ParseCommand(line string) (Command, bool) {
	m := commandPattern.FindStringSubmatch(line)
	if m == nil {
		return Command{}, false
	}

	return Command{
		Name: m[1],
		Args: strings.Split(m[2], argSeparator),
	}, true
}

// FormatCommand renders a command back into its wire line, without the
// line terminator.
func FormatCommand(name string, args ...string) string {
	return commandPrefix + name + argSeparator + strings.Join(args, argSeparator) + "$$"
}

// EncodeLine frames a single response line.
func EncodeLine(text string) []byte {
	return []byte(text + "\n")
}

// EncodeLines frames a multi-valued response: one line per value and an
// empty terminator line.
func EncodeLines(values []string) []byte {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	return []byte(b.String())
}
