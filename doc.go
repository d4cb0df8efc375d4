// Package taskrelay provides task messaging with failure isolation and status propagation
// for services that hand long-running jobs to remote workers.
//
// Typical flow:
//  1. A caller builds a Task message and submits it through a Dispatcher.
//  2. The Dispatcher validates the envelope, reserves a task record (collapsing duplicate
//     idempotency keys), and publishes the task through the circuit breaker of its target,
//     retrying transient failures with exponential backoff.
//  3. Workers report progress with Event messages; a Propagator applies them to the Registry
//     in order and pushes the new state to subscribers.
//  4. Clients await completion with a StatusObserver, which uses push updates when a push
//     channel is available and polls GetStatus otherwise.
//
// Storage and transport are pluggable. See the memstore and mysql packages for stores, and
// transport/memory, transport/zmq and mysql.Queue for transports.
package taskrelay
