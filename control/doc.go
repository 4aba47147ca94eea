// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, configuration snapshots and debug introspection for
// hioload-rest. The scheduler reporter logs what this package collects.
package control
