// Package tracking records the original field values of a struct at wrap
// time and reports which exported fields have since changed.
//
// A Wrapper holds a reference to the live object and a deep copy of every
// tracked field. IsChanged and Changes compare live values against that
// copy using value equality; Revert writes the copy back with reflection, so
// no setter on the wrapped type runs; Reset takes a new snapshot after the
// owner has persisted the current values.
//
// Fields are tracked in declaration order. A field is skipped when it is
// unexported, tagged `track:"-"`, or named in an Exclude option.
package tracking
