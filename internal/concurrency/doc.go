// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for hioload-rest: the per-thread EventLoop that
// services scheduler tasks, its timer heap, OS thread pinning and the worker
// Executor backing dispatcher queues.
package concurrency
