// Package logx wraps zerolog behind a small functional-field API so the
// rest of the codebase does not import zerolog directly.
package logx
