// Package types defines the entity rows, task statuses, domain registry and
// last-accessed state shapes, and the error taxonomy shared by the dpm store,
// the domain manager, and the command-line front end.
package types
