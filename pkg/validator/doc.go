// Package validator checks provided inputs against a plugin's input
// definitions: alias keys rewrite to canonical names, required inputs must
// be present, and values coerce losslessly toward their declared types.
// The validator is pure; it performs no I/O.
package validator
