// Package coordinator is the composition root for the coordinatord
// binary: it builds every subsystem once, in dependency order, and
// exposes Start/Stop for the daemon's lifecycle. Library code outside
// cmd/ should depend on the individual pkg/* subsystems directly rather
// than on Coordinator, so tests can construct a narrower slice of the
// system than the whole process.
package coordinator
