package filter

// Package filter provides JavaScript filters consulted before events are delivered.
//
// Filters are JavaScript files loaded from a directory at startup.
// Each filter must define a filter(event) function returning a boolean, and may
// restrict itself to some event kinds with one or more @kind directives.
// The event object has topic, kind, data, timestamp (unix ms) and receivedAt.
//
// Example filter:
//
//	// @kind flag.created
//	// @kind flag.confirmed
//	function filter(event) {
//	    return event.data.confidence >= 0.5;
//	}
//
// A filter that throws, times out or returns a non-boolean lets the event through.
