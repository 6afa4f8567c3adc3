package rbac

// Matrix is the flattened per-role projection of a permission set, indexed
// by Capability. The zero Matrix denies everything.
type Matrix [capabilityCount]bool

// Has reports whether the capability is granted. Out-of-range values deny.
func (m Matrix) Has(c Capability) bool {
	if !c.Valid() {
		return false
	}
	return m[c]
}

// Granted lists the granted capabilities in declaration order.
func (m Matrix) Granted() []Capability {
	var out []Capability
	for c := Capability(0); c < capabilityCount; c++ {
		if m[c] {
			out = append(out, c)
		}
	}
	return out
}

// Map renders the matrix keyed by capability key, one entry per capability.
func (m Matrix) Map() map[string]bool {
	out := make(map[string]bool, capabilityCount)
	for c := Capability(0); c < capabilityCount; c++ {
		out[capabilityDefs[c].key] = m[c]
	}
	return out
}

// GenerateMatrix computes the matrix for id by testing each capability's
// permission against the role definition. Unknown roles get the zero Matrix.
func GenerateMatrix(id RoleID) Matrix {
	var m Matrix
	role, ok := roleDefinitions[id]
	if !ok {
		return m
	}
	for c := Capability(0); c < capabilityCount; c++ {
		m[c] = role.Has(capabilityDefs[c].permission)
	}
	return m
}

// Roles are immutable, so matrices are computed once.
var matrices = func() map[RoleID]Matrix {
	out := make(map[RoleID]Matrix, len(roleDefinitions))
	for id := range roleDefinitions {
		out[id] = GenerateMatrix(id)
	}
	return out
}()

// MatrixFor returns the memoized matrix for id, or the zero Matrix when id
// is unknown.
func MatrixFor(id RoleID) Matrix {
	return matrices[id]
}
