/*
Package errs constructs immutable structured errors with stable codes.

A StructuredError carries an error code from a closed namespace, a
severity, the source component, an optional cause chain and contextual
info, plus the HTTP status the API boundary maps it to. Construction is
purely functional: the package never logs and never panics; callers decide
whether to fail locally or surface the error.
*/
package errs
