// Package preflight provides readiness checks for the directories, binaries
// and backend stemflow depends on.
//
// These checks run in two contexts:
//   - "stemflow run" and "stemflow worker" call RunAll before starting and
//     refuse to start when a required check fails.
//   - "stemflow doctor" prints every result, including optional binaries.
package preflight
