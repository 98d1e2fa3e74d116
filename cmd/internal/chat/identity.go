package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Participant roles. The marketplace has a small fixed role set; a numeric id
// is only meaningful together with its role.
const (
	RoleUser        = "user"
	RoleProducer    = "producer"
	RoleTransporter = "transporter"
)

// ErrInvalidTarget is returned when a target identity cannot be parsed
// (non-numeric id or unknown role). It is surfaced to clients as a chatError,
// never as a closed connection.
var ErrInvalidTarget = errors.New("chat: target id must be numeric")

// Identity is an (id, role) pair. Identity is never a bare id: the pair is
// the unit of equality everywhere in the chat subsystem.
type Identity struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
}

// ParseIdentity builds an Identity from raw handshake/payload strings.
func ParseIdentity(rawID, role string) (Identity, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if !ValidRole(role) {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidTarget, role)
	}

	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil {
		return Identity{}, ErrInvalidTarget
	}

	return Identity{ID: id, Role: role}, nil
}

// ValidRole reports whether role is one of the known role tags.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleProducer, RoleTransporter:
		return true
	default:
		return false
	}
}

// Key returns the structural map key for this identity ("role:id").
// Two Identity values with equal role and id always produce the same key.
func (i Identity) Key() string {
	return i.Role + ":" + strconv.FormatInt(i.ID, 10)
}

// Zero reports whether the identity is unset.
func (i Identity) Zero() bool {
	return i.ID == 0 && i.Role == ""
}

func (i Identity) String() string {
	return i.Key()
}

// Less defines a stable total order over identities: role first, id second.
// It is used to canonicalize unordered participant pairs.
func (i Identity) Less(other Identity) bool {
	if i.Role != other.Role {
		return i.Role < other.Role
	}
	return i.ID < other.ID
}

// PairKey returns the canonical key for the unordered pair {a, b}.
// PairKey(a, b) == PairKey(b, a) for all identities, so a uniqueness
// constraint over it prevents duplicate conversations for the same pair.
func PairKey(a, b Identity) string {
	if b.Less(a) {
		a, b = b, a
	}
	return a.Key() + "|" + b.Key()
}
