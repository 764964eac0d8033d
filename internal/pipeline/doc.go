// Package pipeline implements the plugin pipeline simulation engine.
//
// The engine sits in the middleware chain in front of the operation
// executor. For every eligible request it captures images, dispatches the
// registered plugin steps stage by stage, forwards the request to the next
// handler, and records an audit trail of what ran.
//
// ARCHITECTURE:
//
// Stage Sequencing (Engine.Execute):
//  1. Resolve target (TargetResolver) and image identity (computed once)
//  2. Capture pre-images for Preoperation and Postoperation - BOTH before next
//  3. Prevalidation / Synchronous   (no images)
//  4. Preoperation  / Synchronous   (pre-image)
//  5. next - the core operation; an error here skips every later stage
//  6. Capture post-image from the mutated in-memory target
//  7. Postoperation / Synchronous   (pre-image + post-image)
//  8. Postoperation / Asynchronous  (same images, simulated inline)
//
// Dispatch (Dispatcher.Dispatch):
//   - Steps matched by (message, stage, mode, entity or wildcard)
//   - Ascending rank; equal ranks keep registration order
//   - One audit record appended per invoked step, success or failure
//   - Fail-fast: the first step error ends the stage and the request
//
// Determinism:
// The engine never spawns goroutines. "Asynchronous" is a logical phase,
// not concurrency. Audit records are stamped from a logical clock, never
// wall time, so repeated runs produce identical trails.
//
// Feature switches live in Options and are bound when the engine is built;
// they are read-only for the lifetime of the engine.
package pipeline
