package domain

// PrincipalKind names the two ways a caller can be admitted.
type PrincipalKind string

const (
	PrincipalRegistered PrincipalKind = "registered"
	PrincipalGuest      PrincipalKind = "guest"
)

// Principal is the identity resolved for one request. The only
// implementations are RegisteredUser and GuestSession.
type Principal interface {
	Kind() PrincipalKind
	// OwnerKey identifies the owner of sessions created by this principal.
	OwnerKey() string
	// Features returns the server-side feature flags for this principal.
	Features() FeatureFlags
	// CanUse reports whether the principal may start a session on the subject.
	// Registered users may use any existing subject.
	CanUse(subjectType SubjectType, ref string) (Subject, bool)

	isPrincipal()
}

// RegisteredUser is a caller authenticated by bearer token.
type RegisteredUser struct {
	ID    string
	Flags FeatureFlags
}

func (u RegisteredUser) Kind() PrincipalKind    { return PrincipalRegistered }
func (u RegisteredUser) OwnerKey() string       { return "user:" + u.ID }
func (u RegisteredUser) Features() FeatureFlags { return u.Flags }
func (u RegisteredUser) isPrincipal()           {}

// CanUse always defers to the store for registered users.
func (u RegisteredUser) CanUse(SubjectType, string) (Subject, bool) {
	return Subject{}, false
}

// GuestSession is a caller admitted by an access code.
type GuestSession struct {
	Grant Grant
}

func (g GuestSession) Kind() PrincipalKind    { return PrincipalGuest }
func (g GuestSession) OwnerKey() string       { return "guest:" + g.Grant.Code }
func (g GuestSession) Features() FeatureFlags { return g.Grant.Features }
func (g GuestSession) isPrincipal()           {}

// CanUse resolves the subject against the code's assignment.
func (g GuestSession) CanUse(subjectType SubjectType, ref string) (Subject, bool) {
	if subjectType == "" {
		return g.Grant.Assignment.LookupAny(ref)
	}
	return g.Grant.Assignment.Lookup(subjectType, ref)
}
