// Package dsl implements the bounded expression language used by edge
// conditions, gate conditions and string templates.
//
// Expressions see four roots: entity, context, actor and tokens. The
// language has dotted property paths, the comparison operators
// == != < <= > >= (plus === and !==), && || !, literals and ${...}
// templates. Nothing else: no calls, no arithmetic, no assignment.
//
// Safety is layered. ValidateSafety enforces static limits (length,
// dereference count, nesting depth) and a forbidden-operation list before
// anything runs; CheckRuntime adds a keyword blacklist and rejects
// assignment. Evaluate applies both before evaluating.
package dsl
