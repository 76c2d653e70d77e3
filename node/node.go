// Package node holds the identity of a tapsync instance: a stable unique ID
// and the replication role it was configured with.
package node

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Role determines whether this node accepts external writes (primary) or
// converges toward the primary's state (secondary).
type Role int8

const (
	RoleSecondary Role = iota
	RolePrimary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// ParseRole maps a config string to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return RolePrimary, nil
	case "secondary", "":
		return RoleSecondary, nil
	default:
		return RoleSecondary, errors.Errorf("unknown role %q", s)
	}
}

const idFileMode = 0o600

// LoadOrCreateID returns the node ID persisted at idPath, generating and
// persisting a new UUID if the file does not exist yet. Identity must survive
// restarts because change-log entries are keyed by their origin node.
func LoadOrCreateID(idPath string) (string, error) {
	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return "", errors.Wrapf(parseErr, "corrupt node id file %s", idPath)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to read node id file %s", idPath)
	}

	id := uuid.NewString()
	if err := os.WriteFile(idPath, []byte(id+"\n"), idFileMode); err != nil {
		return "", errors.Wrapf(err, "failed to persist node id to %s", idPath)
	}
	return id, nil
}
