package model

// Member roles.  The same values are carried in the "role" claim of access
// tokens; a rundown membership can narrow but never widen the token role.
const (
	RoleOwner  = "OWNER"
	RoleEditor = "EDITOR"
	RoleViewer = "VIEWER"
)

// CanWrite reports whether role may submit operations.
func CanWrite(role string) bool {
	return role == RoleOwner || role == RoleEditor
}

// Summary is the listing form of a rundown.
type Summary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ShowDate   string `json:"showDate"`
	DocVersion int64  `json:"docVersion"`
	Role       string `json:"role"`
	ItemCount  int    `json:"itemCount"`
}
