package provider

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/apperrors"
)

func init() {
	Register(AdaptorRegistration{
		Info: AdaptorInfo{
			Type:             "csv",
			DisplayName:      "CSV / Spreadsheet upload",
			Description:      "One-shot import from a CSV file URL",
			SupportsWebhooks: false,
		},
		Factory: func(config map[string]any, deps Deps) (Adaptor, error) {
			return newCSVAdaptor(config, deps)
		},
	})
}

// csvAdaptor fetches a CSV document in one shot. There is no pagination and
// no webhook support; re-sync is always a full import.
type csvAdaptor struct {
	url      string
	idColumn string
	client   *Client
	logger   *zap.Logger
}

func newCSVAdaptor(config map[string]any, deps Deps) (*csvAdaptor, error) {
	url, err := configString(config, "url")
	if err != nil {
		return nil, err
	}
	return &csvAdaptor{
		url:      url,
		idColumn: configStringDefault(config, "id_column", ""),
		client:   deps.Client,
		logger:   deps.Logger.Named("csv_adaptor"),
	}, nil
}

func (a *csvAdaptor) Type() string { return "csv" }

func (a *csvAdaptor) FetchAll(ctx context.Context) RecordIterator {
	raw, err := a.client.GetRaw(ctx, a.url, nil)
	if err != nil {
		return newSliceIterator(nil, fmt.Errorf("failed to fetch CSV: %w", err))
	}

	records, err := a.parse(raw)
	return newSliceIterator(records, err)
}

// parse converts CSV text into records keyed by header row. When no ID
// column is configured the 1-based row number becomes the external ID, which
// is stable as long as the file is append-only.
func (a *csvAdaptor) parse(raw []byte) ([]ExternalRecord, error) {
	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.FieldsPerRecord = -1 // tolerate ragged rows

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable CSV: %v", apperrors.ErrInvalidProviderConfig, err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	records := make([]ExternalRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		payload := make(map[string]any, len(header))
		for col, name := range header {
			if col < len(row) {
				payload[name] = row[col]
			}
		}

		externalID := strconv.Itoa(i + 1)
		if a.idColumn != "" {
			if v, ok := payload[a.idColumn].(string); ok && v != "" {
				externalID = v
			}
		}

		records = append(records, ExternalRecord{ExternalID: externalID, JSON: payload})
	}
	return records, nil
}

// ExtractExternalRecordIDs always returns nil: CSV sources have no webhooks,
// so no body can reference records.
func (a *csvAdaptor) ExtractExternalRecordIDs(body []byte) []string {
	return nil
}
