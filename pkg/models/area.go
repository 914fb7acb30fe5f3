package models

import (
	"time"

	"github.com/google/uuid"
)

// AreaSet is a named collection of boundaries at one granularity,
// e.g. postcodes, wards, constituencies.
type AreaSet struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"` // unique, e.g. "PC", "WMC24"
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Area is one geographic boundary within an area set. The polygon geometry
// stays in the database; only the precomputed representative points travel
// with the model.
type Area struct {
	ID          uuid.UUID `json:"id"`
	AreaSetID   uuid.UUID `json:"area_set_id"`
	AreaSetCode string    `json:"area_set_code"`
	Code        string    `json:"code"` // unique within its set
	Name        string    `json:"name"`
	// SamplePoint is a point guaranteed to lie inside the boundary
	// (point-on-surface), used to seed containment cascades.
	SamplePoint Point `json:"sample_point"`
	// Centroid may fall outside concave boundaries; used for labelling.
	Centroid Point `json:"centroid"`
}
