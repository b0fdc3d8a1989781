// Package output implements the future-valued results produced by
// provisioning requests.
//
// An Output[T] is pending until the request behind it completes, after which
// it is either resolved with a value or rejected with an error. Outputs are
// never read directly: a value derived from an output is expressed as a
// continuation through Apply, Map, Bind, All, Zip2, Zip3 or Sprintf, and the
// derived output stays pending until all of its sources resolve.
//
// Three properties flow through every combinator:
//
//   - Failure: a rejected source rejects every output derived from it, with
//     the original error, and the continuation is never invoked.
//   - Secrecy: a resolution carries a secret tag; any derived output whose
//     sources include a secret is itself secret.
//   - Dependencies: each output carries the URNs of the resources it derives
//     from, which the engine uses to draw the dependency graph before anything
//     resolves.
//
// Await exists for the process boundary only, where the final stack outputs
// are collected.
package output
