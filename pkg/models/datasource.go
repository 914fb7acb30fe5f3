package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderType discriminates the provider-specific config union.
// Each type has a registered adaptor; the adaptor is selected once when the
// data source is loaded, never re-checked per call.
type ProviderType string

const (
	ProviderCSV      ProviderType = "csv"
	ProviderAirtable ProviderType = "airtable"
	ProviderCMS      ProviderType = "cms"
	ProviderMailList ProviderType = "maillist"
	ProviderSheets   ProviderType = "sheets"
)

// GeocodingMode selects how a record's raw field maps onto an area.
type GeocodingMode string

const (
	GeocodeByCode    GeocodingMode = "code"
	GeocodeByName    GeocodingMode = "name"
	GeocodeByAddress GeocodingMode = "address"
)

// GeocodingConfig configures geocoding for a data source. A nil config on a
// DataSource means records are not geocoded.
type GeocodingConfig struct {
	Mode GeocodingMode `json:"mode"`
	// AreaSetCode is the area set the source column resolves against
	// (e.g. "PC" for postcodes, "WD23" for wards).
	AreaSetCode string `json:"area_set_code"`
	// Columns are the payload columns holding the code/name/address.
	// Address mode joins multiple columns with a space before lookup.
	Columns []string `json:"columns"`
}

// EnrichmentSource discriminates where an enrichment rule copies from.
type EnrichmentSource string

const (
	EnrichFromArea       EnrichmentSource = "area"
	EnrichFromDataSource EnrichmentSource = "dataSource"
)

// EnrichmentRule copies one derived field onto a record. Rules are applied in
// order and merged; later rules overwrite earlier ones writing the same
// target field (documented last-write-wins).
type EnrichmentRule struct {
	Source EnrichmentSource `json:"source"`
	// Target is the derived field name written on the record.
	Target string `json:"target"`

	// Area rules: copy a property ("name" or "code") of the record's
	// geocoded area within AreaSetCode.
	AreaSetCode  string `json:"area_set_code,omitempty"`
	AreaProperty string `json:"area_property,omitempty"`

	// Data source rules: copy SourceColumn from a related record in
	// DataSourceID. Relatedness is a shared area code in JoinAreaSetCode,
	// or a matching key column when JoinColumn is set.
	DataSourceID    *uuid.UUID `json:"data_source_id,omitempty"`
	SourceColumn    string     `json:"source_column,omitempty"`
	JoinAreaSetCode string     `json:"join_area_set_code,omitempty"`
	JoinColumn      string     `json:"join_column,omitempty"`
}

// ColumnDef describes one column discovered from provider data.
type ColumnDef struct {
	Name string `json:"name"`
	Type string `json:"type"` // "string", "number", "boolean", "object"
}

// ColumnRoles marks which discovered columns play special roles.
type ColumnRoles struct {
	NameColumns []string `json:"name_columns,omitempty"`
	DateColumn  string   `json:"date_column,omitempty"`
}

// DataSource represents a configured external provider connection.
// Config carries provider-specific settings including credentials and is
// encrypted at rest by the service layer.
type DataSource struct {
	ID              uuid.UUID        `json:"id"`
	OrganisationID  uuid.UUID        `json:"organisation_id"`
	Name            string           `json:"name"`
	ProviderType    ProviderType     `json:"provider_type"`
	Config          map[string]any   `json:"config"`
	Columns         []ColumnDef      `json:"columns,omitempty"`
	ColumnRoles     ColumnRoles      `json:"column_roles"`
	Geocoding       *GeocodingConfig `json:"geocoding,omitempty"`
	EnrichmentRules []EnrichmentRule `json:"enrichment_rules,omitempty"`
	AutoImport      bool             `json:"auto_import"`
	AutoEnrich      bool             `json:"auto_enrich"`
	RecordCount     int              `json:"record_count"`
	WebhookID       string           `json:"webhook_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
