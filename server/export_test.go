package server

import "github.com/momentics/hioload-rest/api"

// SignalTaskIDs exposes the installed signal tasks to tests.
func SignalTaskIDs(s *Server) []api.TaskID { return s.signals }
