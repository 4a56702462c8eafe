// Package protocol implements the line-oriented command grammar spoken
// between tracker clients and the registry subprocess. Commands travel
// client→registry on the shared command pipe; replies travel registry→owner
// on the private reply pipe.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/procwatch/restrack/internal/resource"
)

// Verb is the operation requested by a command line.
type Verb string

const (
	VerbRegister   Verb = "REGISTER"
	VerbUnregister Verb = "UNREGISTER"
	VerbMarkUnlink Verb = "MARK_UNLINK"
	VerbProbe      Verb = "PROBE"
	VerbList       Verb = "LIST"
	VerbShutdown   Verb = "SHUTDOWN"
)

// Reply tokens written by the registry on the reply pipe.
const (
	ReplyReady = "READY"
	ReplyOK    = "OK"
	ReplyEnd   = "END"
	replyEntry = "ENTRY"
)

var (
	// ErrBadName rejects names that would corrupt the line grammar.
	ErrBadName = errors.New("resource name contains protocol delimiter")
	// ErrMalformed marks an undecodable command line. The registry logs
	// and skips these; one misbehaving writer must not stop tracking for
	// everyone else.
	ErrMalformed = errors.New("malformed command")
)

// Command is one decoded line. Kind and Name are empty for the payload-free
// verbs (PROBE, LIST, SHUTDOWN).
type Command struct {
	Verb Verb
	Kind resource.Kind
	Name string
}

func (v Verb) hasPayload() bool {
	switch v {
	case VerbRegister, VerbUnregister, VerbMarkUnlink:
		return true
	}
	return false
}

func validVerb(v Verb) bool {
	switch v {
	case VerbRegister, VerbUnregister, VerbMarkUnlink, VerbProbe, VerbList, VerbShutdown:
		return true
	}
	return false
}

// Encode renders cmd as a newline-terminated wire line.
func Encode(cmd Command) (string, error) {
	if !validVerb(cmd.Verb) {
		return "", fmt.Errorf("encode: unknown verb %q", cmd.Verb)
	}
	if !cmd.Verb.hasPayload() {
		return string(cmd.Verb) + "\n", nil
	}
	if !resource.ValidName(cmd.Name) {
		return "", fmt.Errorf("encode %s %q: %w", cmd.Verb, cmd.Name, ErrBadName)
	}
	if _, err := resource.ParseKind(string(cmd.Kind)); err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s\n", cmd.Verb, cmd.Kind, cmd.Name), nil
}

// Decode parses one command line. The trailing newline is optional; payload
// verbs require both kind and name, payload-free verbs accept a bare verb
// or an empty trailing payload.
func Decode(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\n")
	verbToken, rest, hasRest := strings.Cut(line, ":")
	verb := Verb(verbToken)
	if !validVerb(verb) {
		return Command{}, fmt.Errorf("%w: verb %q", ErrMalformed, verbToken)
	}
	if !verb.hasPayload() {
		if hasRest && strings.Trim(rest, ":") != "" {
			return Command{}, fmt.Errorf("%w: %s carries no payload", ErrMalformed, verb)
		}
		return Command{Verb: verb}, nil
	}
	kindToken, name, ok := strings.Cut(rest, ":")
	if !hasRest || !ok || name == "" {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	kind, err := resource.ParseKind(kindToken)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.Contains(name, ":") {
		return Command{}, fmt.Errorf("%w: name %q", ErrMalformed, name)
	}
	return Command{Verb: verb, Kind: kind, Name: name}, nil
}

// EncodeEntry renders one tracking-table row for a LIST reply.
func EncodeEntry(e resource.Entry) string {
	return fmt.Sprintf("%s:%s:%s:%d\n", replyEntry, e.Key.Kind, e.Key.Name, e.Count)
}

// DecodeEntry parses one ENTRY reply line.
func DecodeEntry(line string) (resource.Entry, error) {
	line = strings.TrimSuffix(line, "\n")
	fields := strings.Split(line, ":")
	if len(fields) != 4 || fields[0] != replyEntry {
		return resource.Entry{}, fmt.Errorf("%w: reply %q", ErrMalformed, line)
	}
	kind, err := resource.ParseKind(fields[1])
	if err != nil {
		return resource.Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	count, err := strconv.Atoi(fields[3])
	if err != nil || count < 0 {
		return resource.Entry{}, fmt.Errorf("%w: count %q", ErrMalformed, fields[3])
	}
	return resource.Entry{Key: resource.Key{Kind: kind, Name: fields[2]}, Count: count}, nil
}
