package auth

// Known OAuth scopes used by the attendance service.
const (
	ScopeAttendanceWrite = "attendance:write"
	ScopeAttendanceRead  = "attendance:read"
)

// implied lists the scopes granted by holding a broader one.
var implied = map[string][]string{
	ScopeAttendanceWrite: {ScopeAttendanceRead},
}

// Allows reports whether the claims grant scope directly or through a broader scope.
func (c *Claims) Allows(scope string) bool {
	if c.HasScope(scope) {
		return true
	}
	for broader, grants := range implied {
		if !c.HasScope(broader) {
			continue
		}
		for _, g := range grants {
			if g == scope {
				return true
			}
		}
	}
	return false
}
