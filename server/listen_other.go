//go:build !unix

// File: server/listen_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"

	"github.com/momentics/hioload-rest/api"
)

func (s *Server) openListener(endpoint string) (listener, error) {
	return nil, api.ErrResource.WithContext("endpoint", endpoint).
		Wrap(errors.New("listening sockets are not supported on this platform"))
}
