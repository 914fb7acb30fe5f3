package models

import (
	"time"

	"github.com/google/uuid"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// GeocodeResult maps area set codes to the area code containing the record.
// Keying by area set lets a later geocode pass overwrite a stale entry for
// one set without disturbing the others.
type GeocodeResult struct {
	Areas        map[string]string `json:"areas"`
	CentralPoint *Point            `json:"central_point,omitempty"`
	SamplePoint  *Point            `json:"sample_point,omitempty"`
}

// DataRecord mirrors one external record locally.
// (ExternalID, DataSourceID) is unique and is the idempotency key for all
// upserts.
type DataRecord struct {
	ID           uuid.UUID      `json:"id"`
	DataSourceID uuid.UUID      `json:"data_source_id"`
	ExternalID   string         `json:"external_id"`
	JSON         map[string]any `json:"json"`
	// Derived holds enrichment rule outputs, merged last-write-wins.
	Derived map[string]any `json:"derived,omitempty"`
	Geocode *GeocodeResult `json:"geocode,omitempty"`
	// GeocodePoint is the spatially indexed representative point.
	GeocodePoint *Point    `json:"geocode_point,omitempty"`
	NeedsImport  bool      `json:"needs_import"`
	NeedsEnrich  bool      `json:"needs_enrich"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
