// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the poll-mode readiness backends (epoll on Linux,
// poll(2) on other Unix systems) used by the scheduler event loops.
package reactor
