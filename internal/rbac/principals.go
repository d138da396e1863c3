package rbac

// User is an authenticated caller and its group memberships, in membership
// order. A zero UserID is an anonymous caller.
type User struct {
	UserID string
	Groups []string
}

func (u User) LoggedIn() bool {
	return u.UserID != ""
}

// GroupPrincipals lists the no-group marker, then a read principal per group,
// then an authorship principal per group.
func GroupPrincipals(u User) []string {
	out := make([]string, 0, 1+2*len(u.Groups))
	out = append(out, GroupPrincipal(NoGroup))
	for _, g := range u.Groups {
		out = append(out, GroupPrincipal(g))
	}
	for _, g := range u.Groups {
		out = append(out, u.UserID+"~"+GroupPrincipal(g))
	}
	return out
}

func EffectivePrincipals(u User) []string {
	if !u.LoggedIn() {
		return []string{Everyone}
	}
	out := []string{Everyone, Authenticated, u.UserID}
	return append(out, GroupPrincipals(u)...)
}
