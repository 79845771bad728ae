package project

import (
	"github.com/InsulaLabs/projfs/internal/tkv"
	"github.com/InsulaLabs/projfs/internal/vfs"
)

// Session is one connection-scoped batch of operations against a project.
// Tree operations are promoted from the embedded FS; each runs as its own
// unit on the session's connection.
type Session struct {
	*vfs.FS

	project *Project
	name    string
	conn    *tkv.Conn

	// Conn.Writes() as of the last timestamp refresh
	stamped int64
}

func (s *Session) Name() string {
	return s.name
}

// Created reports whether this session created the project store.
func (s *Session) Created() bool {
	return s.conn.Created()
}

// PerformedWrite reports whether any unit on this session mutated the store.
func (s *Session) PerformedWrite() bool {
	return s.conn.PerformedWrite()
}

// Unit exposes the session's connection for callers that seed records of
// their own.
func (s *Session) Unit() tkv.TKVUnitHandler {
	return s.conn
}

// dirty reports whether a mutation committed after the last refresh.
func (s *Session) dirty() bool {
	return s.conn.Writes() > s.stamped
}
