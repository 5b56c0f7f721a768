// Package goid reports the id of the calling goroutine.
//
// Go deliberately hides goroutine identity. The id is still printed in the
// first line of every stack trace ("goroutine 123 [running]:"), which is
// enough to log which goroutine executed a unit of work. It also answers
// "am I the goroutine that is running this message right now?", provided the
// recorded id is cleared as soon as that message ends. Do not key any other
// state on it.
package goid

import "runtime"

const prefix = "goroutine "

// Get returns the current goroutine id, or 0 if the stack header could not
// be parsed.
func Get() int64 {
	// Only the first line is needed.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parse(buf[:n])
}

// parse extracts the id from a stack header without allocating.
func parse(buf []byte) int64 {
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}

	var id int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
