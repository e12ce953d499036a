package coordinator

import "shiftcast/internal/domain"

// Eligible returns the caregivers whose role matches the shift's requirement.
// Pure: no side effects, deterministic for a given caregiver snapshot.
func Eligible(shift domain.Shift, caregivers []domain.Caregiver) []domain.Caregiver {
	var out []domain.Caregiver
	for _, cg := range caregivers {
		if cg.Role == shift.RoleRequired {
			out = append(out, cg)
		}
	}
	return out
}
