package domain

import "fmt"

type PeerID string

// Role is fixed for the lifetime of a connection.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleViewer    Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePublisher, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}
