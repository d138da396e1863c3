package rbac

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hypothesis/h-sub003/internal/store"
)

const (
	// WorldGroup is the public group every annotation defaults to.
	WorldGroup = "__world__"
	// NoGroup is granted to every logged-in user.
	NoGroup = "__none__"

	Everyone      = "system.Everyone"
	Authenticated = "system.Authenticated"
	SystemPrefix  = "system."
)

type Action string

const (
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
	ActionAll    Action = "*"
)

type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

var ErrGroupNotWritable = errors.New("you may not create annotations in the specified group")

type ACE struct {
	Effect    Effect
	Principal string
	Action    Action
}

// ACL is evaluated in order; the first entry matching both principal and
// action decides.
type ACL []ACE

var denyAll = ACE{Effect: Deny, Principal: Everyone, Action: ActionAll}

func (acl ACL) Permits(principals []string, action Action) bool {
	for _, ace := range acl {
		if ace.Action != action && ace.Action != ActionAll {
			continue
		}
		if ace.Principal == Everyone || slices.Contains(principals, ace.Principal) {
			return ace.Effect == Allow
		}
	}
	return false
}

// Principals returns the principals allowed to perform action.
func (acl ACL) Principals(action Action) []string {
	out := make([]string, 0, 1)
	for _, ace := range acl {
		if ace.Effect == Allow && ace.Action == action {
			out = append(out, ace.Principal)
		}
	}
	return out
}

func GroupPrincipal(groupID string) string {
	if groupID == "" {
		groupID = NoGroup
	}
	return "group:" + groupID
}

// ReadPrincipal is the single principal granted read on ann.
func ReadPrincipal(ann store.Annotation) string {
	switch {
	case !ann.Shared:
		return ann.UserID
	case ann.GroupID == WorldGroup:
		return Everyone
	default:
		return GroupPrincipal(ann.GroupID)
	}
}

func AnnotationACL(ann store.Annotation) ACL {
	return ACL{
		{Effect: Allow, Principal: ReadPrincipal(ann), Action: ActionRead},
		{Effect: Allow, Principal: ann.UserID, Action: ActionAdmin},
		{Effect: Allow, Principal: ann.UserID, Action: ActionUpdate},
		{Effect: Allow, Principal: ann.UserID, Action: ActionDelete},
		denyAll,
	}
}

// Permissions is the wire form of an annotation's ACL.
type Permissions struct {
	Read   []string `json:"read"`
	Update []string `json:"update"`
	Delete []string `json:"delete"`
	Admin  []string `json:"admin"`
}

func PresentedPermissions(ann store.Annotation) Permissions {
	read := ReadPrincipal(ann)
	if read == Everyone {
		read = GroupPrincipal(WorldGroup)
	}
	return Permissions{
		Read:   []string{read},
		Update: []string{ann.UserID},
		Delete: []string{ann.UserID},
		Admin:  []string{ann.UserID},
	}
}

// LegacyACL translates a client supplied permissions object. Principals in
// the system namespace are dropped so client data can never name them.
func LegacyACL(perms Permissions) ACL {
	acl := make(ACL, 0, 5)
	add := func(action Action, principals []string) {
		for _, p := range principals {
			if p == GroupPrincipal(WorldGroup) {
				p = Everyone
			} else if strings.HasPrefix(p, SystemPrefix) {
				continue
			}
			acl = append(acl, ACE{Effect: Allow, Principal: p, Action: action})
		}
	}
	add(ActionRead, perms.Read)
	add(ActionUpdate, perms.Update)
	add(ActionDelete, perms.Delete)
	add(ActionAdmin, perms.Admin)
	return append(acl, denyAll)
}

// SharedIn reports whether perms grant read to the whole of groupID.
func SharedIn(perms Permissions, groupID string) bool {
	want := GroupPrincipal(groupID)
	if groupID == WorldGroup {
		want = Everyone
	}
	for _, ace := range LegacyACL(perms) {
		if ace.Effect == Allow && ace.Action == ActionRead && ace.Principal == want {
			return true
		}
	}
	return false
}

// CheckGroupPermissions fails unless principals may write into groupID.
func CheckGroupPermissions(principals []string, groupID string) error {
	if groupID == WorldGroup {
		return nil
	}
	if slices.Contains(principals, GroupPrincipal(groupID)) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrGroupNotWritable, groupID)
}
