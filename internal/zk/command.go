package zk

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// commandKind tags the mutation a Raft log entry applies. Replaces the
// teacher's protobuf oneof (internal/config/command.ConfigCommand) with a
// plain tagged struct, since no codegen runs in this exercise — see
// DESIGN.md's "Raft command wire format" decision.
type commandKind string

const (
	cmdCreate         commandKind = "create"
	cmdSet            commandKind = "set"
	cmdDelete         commandKind = "delete"
	cmdExpireSession  commandKind = "expire_session"
)

// command is the single wire type applied through raft.Apply(); exactly
// one of the Create/Set/Delete/ExpireSession payloads is populated per
// Kind.
type command struct {
	Kind commandKind

	// Create
	CreatePath      string
	CreateData      []byte
	CreateEphemeral bool
	CreateSequence  bool
	CreateSessionID string
	CreateMakepath  bool

	// Set
	SetPath    string
	SetData    []byte
	SetVersion int64

	// Delete
	DeletePath      string
	DeleteVersion   int64
	DeleteRecursive bool

	// ExpireSession
	ExpireSessionID string
}

func marshalCommand(c *command) ([]byte, error) {
	return msgpack.Marshal(c)
}

func unmarshalCommand(b []byte) (*command, error) {
	var c command
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal zk command: %w", err)
	}
	return &c, nil
}
