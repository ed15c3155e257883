package model

// UnlimitedConcurrency is the sentinel stored for "no limit". Admin input of
// 0 is substituted with this value rather than being stored literally.
const UnlimitedConcurrency = 1_000_000

// ModelLimit is the per-model admission gate: at most MaxConcurrent jobs may
// sit in processing at once. A model with no row admits freely.
type ModelLimit struct {
	ModelID       string `json:"model_id"`
	MaxConcurrent int    `json:"max_concurrent"`
	CurrentActive int    `json:"current_active"`
}

// Unlimited reports whether the limit is the no-cap sentinel.
func (l ModelLimit) Unlimited() bool {
	return l.MaxConcurrent >= UnlimitedConcurrency
}
