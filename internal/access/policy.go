// Package access decides which console view a session may open.
package access

import "metricsconsole/internal/models"

type View string

const (
	ViewRoot     View = ""
	ViewLogin    View = "login"
	ViewAdmin    View = "admin"
	ViewOperator View = "operator"
)

// ParseView maps a path segment onto a view. Anything unknown is the root.
func ParseView(s string) View {
	switch v := View(s); v {
	case ViewLogin, ViewAdmin, ViewOperator:
		return v
	default:
		return ViewRoot
	}
}

// Decision is either Allow or a redirect to Target.
type Decision struct {
	Allow  bool
	Target View
}

func allow() Decision           { return Decision{Allow: true} }
func redirect(to View) Decision { return Decision{Target: to} }

// Home is the landing view for a role.
func Home(role models.Role) View {
	if role == models.RoleAdmin {
		return ViewAdmin
	}
	return ViewOperator
}

// Resolve is evaluated on every navigation and every session change.
func Resolve(sess *models.Session, view View) Decision {
	if view == ViewLogin {
		return allow()
	}
	if sess == nil {
		return redirect(ViewLogin)
	}
	switch view {
	case ViewAdmin:
		if sess.Role != models.RoleAdmin {
			return redirect(ViewLogin)
		}
		return allow()
	case ViewOperator:
		return allow()
	default:
		return redirect(Home(sess.Role))
	}
}
