package domain

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Principal is the caller identity established by the transport layer.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}
