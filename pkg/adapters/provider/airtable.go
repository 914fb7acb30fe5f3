package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

func init() {
	Register(AdaptorRegistration{
		Info: AdaptorInfo{
			Type:             "airtable",
			DisplayName:      "Airtable",
			Description:      "Airtable base table with native webhooks",
			SupportsWebhooks: true,
		},
		Factory: func(config map[string]any, deps Deps) (Adaptor, error) {
			return newAirtableAdaptor(config, deps)
		},
	})
}

// airtableAdaptor speaks the Airtable records API. Listing is cursor
// paginated via an offset token. Webhook notifications are bare pings; the
// changed record IDs are pulled from the payloads endpoint with a
// server-maintained cursor (see PollChanges).
type airtableAdaptor struct {
	apiKey    string
	baseID    string
	tableID   string
	webhookID string
	baseURL   string
	client    *Client
	logger    *zap.Logger
}

func newAirtableAdaptor(config map[string]any, deps Deps) (*airtableAdaptor, error) {
	apiKey, err := configString(config, "api_key")
	if err != nil {
		return nil, err
	}
	baseID, err := configString(config, "base_id")
	if err != nil {
		return nil, err
	}
	tableID, err := configString(config, "table_id")
	if err != nil {
		return nil, err
	}
	return &airtableAdaptor{
		apiKey:    apiKey,
		baseID:    baseID,
		tableID:   tableID,
		webhookID: configStringDefault(config, "webhook_id", ""),
		baseURL:   configStringDefault(config, "base_url", "https://api.airtable.com/v0"),
		client:    deps.Client,
		logger:    deps.Logger.Named("airtable_adaptor"),
	}, nil
}

func (a *airtableAdaptor) Type() string { return "airtable" }

func (a *airtableAdaptor) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

type airtableRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type airtableListResponse struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset"`
}

func (a *airtableAdaptor) FetchAll(ctx context.Context) RecordIterator {
	return newPageIterator(func(ctx context.Context, cursor string) ([]ExternalRecord, string, error) {
		u := fmt.Sprintf("%s/%s/%s?pageSize=100", a.baseURL, a.baseID, a.tableID)
		if cursor != "" {
			u += "&offset=" + url.QueryEscape(cursor)
		}

		var resp airtableListResponse
		if err := a.client.GetJSON(ctx, u, a.headers(), &resp); err != nil {
			return nil, "", fmt.Errorf("failed to list records: %w", err)
		}

		records := make([]ExternalRecord, 0, len(resp.Records))
		for _, rec := range resp.Records {
			records = append(records, ExternalRecord{ExternalID: rec.ID, JSON: rec.Fields})
		}
		return records, resp.Offset, nil
	})
}

// ExtractExternalRecordIDs returns nil for Airtable pings: the notification
// names the webhook, never the records. Callers detect the CursorPoller
// capability and poll the payloads endpoint instead.
func (a *airtableAdaptor) ExtractExternalRecordIDs([]byte) []string {
	return nil
}

type airtablePayloadsResponse struct {
	Payloads []struct {
		ChangedTablesByID map[string]struct {
			ChangedRecordsByID map[string]json.RawMessage `json:"changedRecordsById"`
			CreatedRecordsByID map[string]json.RawMessage `json:"createdRecordsById"`
			DestroyedRecordIDs []string                   `json:"destroyedRecordIds"`
		} `json:"changedTablesById"`
	} `json:"payloads"`
	Cursor        int  `json:"cursor"`
	MightHaveMore bool `json:"mightHaveMore"`
}

// PollChanges pulls webhook payloads since cursor and collects the record
// IDs they reference. The returned cursor must be persisted before the IDs
// are acted on, so each payload batch is consumed exactly once.
func (a *airtableAdaptor) PollChanges(ctx context.Context, cursor int) ([]string, int, error) {
	if a.webhookID == "" {
		return nil, cursor, fmt.Errorf("no webhook registered for airtable base %s", a.baseID)
	}

	seen := make(map[string]bool)
	next := cursor

	for {
		u := fmt.Sprintf("%s/bases/%s/webhooks/%s/payloads?cursor=%d", a.baseURL, a.baseID, a.webhookID, next)
		var resp airtablePayloadsResponse
		if err := a.client.GetJSON(ctx, u, a.headers(), &resp); err != nil {
			return nil, cursor, fmt.Errorf("failed to poll webhook payloads: %w", err)
		}

		for _, payload := range resp.Payloads {
			for _, table := range payload.ChangedTablesByID {
				for id := range table.ChangedRecordsByID {
					seen[id] = true
				}
				for id := range table.CreatedRecordsByID {
					seen[id] = true
				}
				for _, id := range table.DestroyedRecordIDs {
					seen[id] = true
				}
			}
		}

		next = resp.Cursor
		if !resp.MightHaveMore {
			break
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, next, nil
}

type airtableWebhookCreateResponse struct {
	ID string `json:"id"`
}

// RegisterWebhook creates a webhook watching the configured table.
func (a *airtableAdaptor) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	u := fmt.Sprintf("%s/bases/%s/webhooks", a.baseURL, a.baseID)
	payload := map[string]any{
		"notificationUrl": callbackURL,
		"specification": map[string]any{
			"options": map[string]any{
				"filters": map[string]any{
					"dataTypes":         []string{"tableData"},
					"recordChangeScope": a.tableID,
				},
			},
		},
	}

	var resp airtableWebhookCreateResponse
	if err := a.client.PostJSON(ctx, u, a.headers(), payload, &resp); err != nil {
		return "", fmt.Errorf("failed to register webhook: %w", err)
	}

	a.webhookID = resp.ID
	return resp.ID, nil
}

type airtableWebhookListResponse struct {
	Webhooks []struct {
		ID string `json:"id"`
	} `json:"webhooks"`
}

// RemoveWebhooks deletes every webhook on the base. Airtable caps webhooks
// per base, so stale registrations from previous callback URLs must go.
func (a *airtableAdaptor) RemoveWebhooks(ctx context.Context) error {
	u := fmt.Sprintf("%s/bases/%s/webhooks", a.baseURL, a.baseID)
	var resp airtableWebhookListResponse
	if err := a.client.GetJSON(ctx, u, a.headers(), &resp); err != nil {
		return fmt.Errorf("failed to list webhooks: %w", err)
	}

	for _, hook := range resp.Webhooks {
		if err := a.client.Delete(ctx, u+"/"+hook.ID, a.headers()); err != nil {
			return fmt.Errorf("failed to delete webhook %s: %w", hook.ID, err)
		}
	}

	a.webhookID = ""
	return nil
}

var (
	_ Adaptor        = (*airtableAdaptor)(nil)
	_ WebhookManager = (*airtableAdaptor)(nil)
	_ CursorPoller   = (*airtableAdaptor)(nil)
)
