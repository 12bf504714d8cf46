package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedResponse = errors.New("response is malformed and could not be parsed")
	ErrTypeMismatch      = errors.New("server returned a different response shape than the caller expected")

	// PrefixStatus starts the trailer line that terminates every response.
	PrefixStatus = "error "

	// PrefixNotification starts every unsolicited event line.
	PrefixNotification = "notify"
)

// IsStatusLine reports whether line is the status trailer of a response.
func IsStatusLine(line string) bool {
	return strings.HasPrefix(line, PrefixStatus)
}

// IsNotification reports whether line is an unsolicited server event.
func IsNotification(line string) bool {
	return strings.HasPrefix(line, PrefixNotification)
}

// ParseStatus parses a trailer line of the form `error id=0 msg=ok`.
func ParseStatus(line string) (Status, error) {
	if !IsStatusLine(line) {
		return Status{}, fmt.Errorf("%q is not a status trailer: %w", line, ErrMalformedResponse)
	}

	params, err := parseEntry(strings.TrimPrefix(line, PrefixStatus))
	if err != nil {
		return Status{}, err
	}

	rawID, ok := params["id"]
	if !ok {
		return Status{}, fmt.Errorf("status trailer %q has no id: %w", line, ErrMalformedResponse)
	}

	id, err := strconv.Atoi(rawID)
	if err != nil {
		return Status{}, fmt.Errorf("status trailer %q has a non numeric id: %w", line, ErrMalformedResponse)
	}

	return Status{ID: id, Msg: params["msg"]}, nil
}

// Notification is one unsolicited event pushed by the server.
type Notification struct {
	// Event is the full marker, e.g. "notifytrackstarted".
	Event string

	Data map[string]string
}

// ParseNotification parses a single `notify...` line.
func ParseNotification(line string) (*Notification, error) {
	if !IsNotification(line) {
		return nil, fmt.Errorf("%q is not a notification: %w", line, ErrMalformedResponse)
	}

	event, rest, _ := strings.Cut(line, " ")

	data := map[string]string{}
	if rest != "" {
		var err error
		if data, err = parseEntry(rest); err != nil {
			return nil, err
		}
	}

	return &Notification{Event: event, Data: data}, nil
}

// Decode turns the accumulated lines of one response (payload lines plus
// the status trailer as the final line) into a typed Response.
//
// A non-zero status produces a *QueryError. A payload that does not match
// the expected shape produces ErrTypeMismatch; it is never silently
// coerced.
func Decode(lines []string, shape Shape) (*Response, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("response has no trailer: %w", ErrMalformedResponse)
	}

	status, err := ParseStatus(lines[len(lines)-1])
	if err != nil {
		return nil, err
	}

	if !status.OK() {
		return nil, &QueryError{Status: status}
	}

	payload := lines[:len(lines)-1]
	resp := &Response{Shape: shape, Status: status, Raw: payload}

	entries, err := parseEntries(payload)
	if err != nil {
		return nil, err
	}

	switch shape {
	case ShapeStatus:
		if len(entries) != 0 {
			return nil, fmt.Errorf("expected a bare status but got %d entries: %w",
				len(entries), ErrTypeMismatch)
		}

	case ShapeEntry:
		if len(entries) != 1 {
			return nil, fmt.Errorf("expected a single entry but got %d: %w",
				len(entries), ErrTypeMismatch)
		}
		resp.Entry = entries[0]

	case ShapeList:
		resp.List = entries

	default:
		return nil, fmt.Errorf("unknown response shape %v: %w", shape, ErrTypeMismatch)
	}

	return resp, nil
}

// parseEntries flattens payload lines into entries. A line can carry
// several entries separated by `|`.
func parseEntries(lines []string) ([]map[string]string, error) {
	var entries []map[string]string

	for _, line := range lines {
		for _, raw := range strings.Split(line, "|") {
			entry, err := parseEntry(raw)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// parseEntry parses one run of space separated key=value pairs.
func parseEntry(raw string) (map[string]string, error) {
	entry := map[string]string{}

	for _, field := range strings.Split(raw, " ") {
		if field == "" {
			continue
		}

		rawKey, rawValue, _ := strings.Cut(field, "=")

		key, err := Unescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse field %q: %w", field, err)
		}

		value, err := Unescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("failed to parse field %q: %w", field, err)
		}

		entry[key] = value
	}

	return entry, nil
}
