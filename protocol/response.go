package protocol

import "fmt"

// Shape is the response payload shape a caller expects for a command.
type Shape int

const (
	// ShapeStatus expects no payload, only the status trailer.
	ShapeStatus Shape = iota

	// ShapeEntry expects exactly one key=value entry.
	ShapeEntry

	// ShapeList expects zero or more entries.
	ShapeList
)

func (s Shape) String() string {
	switch s {
	case ShapeStatus:
		return "status"
	case ShapeEntry:
		return "entry"
	case ShapeList:
		return "list"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Status is the decoded trailer line that terminates every response.
// An ID of 0 means the command succeeded.
type Status struct {
	ID  int
	Msg string
}

func (s Status) OK() bool {
	return s.ID == 0
}

// Response is one decoded command response.
//
// Entry is populated for ShapeEntry, List for ShapeList. Raw always holds
// the undecoded payload lines (without the trailer).
type Response struct {
	Shape  Shape
	Status Status
	Entry  map[string]string
	List   []map[string]string
	Raw    []string
}

// QueryError is a command error reported by the server through a non-zero
// status trailer. It is specific to the one command that caused it; the
// connection stays healthy.
type QueryError struct {
	Status Status
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("server rejected command: id=%d msg=%q", e.Status.ID, e.Status.Msg)
}
