package protocol

// This package implements parsing and serialising of the line protocol that
// queryline speaks with a query server.
//
// The protocol aims to be
//
// - human readable
// - trivial to frame (one request is always exactly one line)
// - cheap to parse
//
// - `Command`  - An instruction a client sends to the server.
// - `Response` - One or more lines the server sends back for a single
//                command, always terminated by a status trailer.
// - `Notification` - An unsolicited event pushed by the server. These are
//                not tied to any command and can appear at any time.
//
// === General Syntax
//
// - lines are `\n` delimited
// - a request is the command name followed by zero or more space separated
//   `key=value` parameters
//
//   ```
//     clientupdate nickname=queryline\n
//   ```
//
// - parameter keys and values are escaped (see below), so a value can never
//   split a line or inject a second parameter
//
// === Responses
//
// The server answers every command with zero or more payload lines followed
// by a status trailer of the form
//
//   ```
//     error id=0 msg=ok\n
//   ```
//
// An `id` of 0 means success; anything else is a command error and `msg`
// carries the human readable reason. Payload lines contain `key=value`
// pairs; a line can carry several entries separated by `|`.
//
// The protocol carries no request identifiers. The server guarantees it
// answers commands in the order it received them, so clients correlate
// responses to requests strictly first-in first-out.
//
// === Notifications
//
// Lines starting with `notify` are events pushed by the server, for example
//
//   ```
//     notifytrackstarted id=42 uri=...\n
//   ```
//
// Notifications are atomic single lines and can interleave between the
// payload lines of a response.
//
// === Escaping
//
// Backslash, space (the parameter delimiter), pipe (the entry separator),
// slash and the ASCII control characters are escaped in keys and values:
//
//   \\  \/  \s (space)  \p (pipe)  \a  \b  \f  \n  \r  \t  \v
//
// Escaping round-trips: Unescape(Escape(s)) == s for every string.
//
// The '=' between key and value has no escape sequence. Decoders split a
// field at the first '=', so values may contain the character but keys must
// stay identifier-only.
