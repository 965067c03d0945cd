package pharmacy

import (
	"time"

	"github.com/google/uuid"
)

// Settings is the pharmacy's free-form key/value configuration. The scanning
// engine consumes only excluded_bins; everything else is carried for the
// dashboard.
type Settings map[string]interface{}

// ExcludedBINs returns the set of BINs the pharmacy treats as cash or
// sentinel values. Claims on these BINs never produce opportunities.
func (s Settings) ExcludedBINs() map[string]bool {
	out := make(map[string]bool)
	raw, ok := s["excluded_bins"]
	if !ok {
		return out
	}
	switch v := raw.(type) {
	case []string:
		for _, bin := range v {
			out[bin] = true
		}
	case []interface{}:
		for _, item := range v {
			if bin, ok := item.(string); ok {
				out[bin] = true
			}
		}
	}
	return out
}

// Pharmacy is the tenant scope for every other entity.
type Pharmacy struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Settings  Settings  `db:"settings" json:"settings"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
