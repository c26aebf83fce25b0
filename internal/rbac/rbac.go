package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleWriter Role = "writer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionVersion Action = "version"
	ActionAdmin   Action = "admin"
)

// Can reports whether role may perform action. Writers edit and undo but
// cannot cut tagged versions or restore old ones.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionVersion
	case RoleWriter:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleWriter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
