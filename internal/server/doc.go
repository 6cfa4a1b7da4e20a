// Package server exposes the engine over an admin HTTP API built on gin.
//
// Routes:
//
//	GET  /health
//	POST /compile                      compile an envelope document
//	POST /validate                     DAG + slot validation report
//	POST /dsl/evaluate                 evaluate a guard expression
//	POST /definitions                  compile and publish
//	POST /instances                    create (or enqueue with async=true)
//	GET  /instances/:id                instance with tokens and steps
//	POST /instances/:id/advance
//	POST /instances/:id/amend
//	POST /instances/:id/cancel
//	GET  /instances/:id/projection     rebuild from steps and compare
//	POST /instances/:id/edit-window    check a verb against the window
//	POST /events/:key/resume           wake tokens waiting on an event key
//
// Errors are returned as ErrorResponse with a status derived from the
// engine error code.
package server
