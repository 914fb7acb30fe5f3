package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/jsonutil"
)

func init() {
	Register(AdaptorRegistration{
		Info: AdaptorInfo{
			Type:             "cms",
			DisplayName:      "Headless CMS",
			Description:      "Generic REST collection API with API-key auth",
			SupportsWebhooks: true,
		},
		Factory: func(config map[string]any, deps Deps) (Adaptor, error) {
			return newCMSAdaptor(config, deps)
		},
	})
}

// cmsAdaptor speaks a generic REST collection API: page/size pagination,
// API key in a header, entries under "items".
type cmsAdaptor struct {
	baseURL    string
	apiKey     string
	collection string
	pageSize   int
	client     *Client
	logger     *zap.Logger
}

func newCMSAdaptor(config map[string]any, deps Deps) (*cmsAdaptor, error) {
	baseURL, err := configString(config, "base_url")
	if err != nil {
		return nil, err
	}
	apiKey, err := configString(config, "api_key")
	if err != nil {
		return nil, err
	}
	collection, err := configString(config, "collection")
	if err != nil {
		return nil, err
	}
	return &cmsAdaptor{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		pageSize:   configInt(config, "page_size", 100),
		client:     deps.Client,
		logger:     deps.Logger.Named("cms_adaptor"),
	}, nil
}

func (a *cmsAdaptor) Type() string { return "cms" }

func (a *cmsAdaptor) headers() map[string]string {
	return map[string]string{"X-Api-Key": a.apiKey}
}

type cmsListResponse struct {
	Items []map[string]any `json:"items"`
	Total int              `json:"total"`
}

func (a *cmsAdaptor) FetchAll(ctx context.Context) RecordIterator {
	return newPageIterator(func(ctx context.Context, cursor string) ([]ExternalRecord, string, error) {
		page := 1
		if cursor != "" {
			p, err := strconv.Atoi(cursor)
			if err != nil {
				return nil, "", fmt.Errorf("bad page cursor %q: %w", cursor, err)
			}
			page = p
		}

		u := fmt.Sprintf("%s/collections/%s/entries?page=%d&per_page=%d", a.baseURL, a.collection, page, a.pageSize)
		var resp cmsListResponse
		if err := a.client.GetJSON(ctx, u, a.headers(), &resp); err != nil {
			return nil, "", fmt.Errorf("failed to list entries: %w", err)
		}

		records := make([]ExternalRecord, 0, len(resp.Items))
		for _, item := range resp.Items {
			id, ok := jsonutil.FieldString(item, "id")
			if !ok {
				a.logger.Warn("entry missing id, skipping", zap.String("collection", a.collection))
				continue
			}
			records = append(records, ExternalRecord{ExternalID: id, JSON: item})
		}

		next := ""
		if page*a.pageSize < resp.Total {
			next = strconv.Itoa(page + 1)
		}
		return records, next, nil
	})
}

// cmsWebhookBody is the entry-event shape most headless CMSes deliver.
type cmsWebhookBody struct {
	Event string `json:"event"`
	Entry struct {
		ID json.Number `json:"id"`
	} `json:"entry"`
	// Some backends batch entries.
	Entries []struct {
		ID json.Number `json:"id"`
	} `json:"entries"`
}

// ExtractExternalRecordIDs pulls entry IDs out of a CMS webhook body.
// Unknown shapes yield nil.
func (a *cmsAdaptor) ExtractExternalRecordIDs(body []byte) []string {
	var hook cmsWebhookBody
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil
	}

	var ids []string
	if hook.Entry.ID.String() != "" {
		ids = append(ids, hook.Entry.ID.String())
	}
	for _, entry := range hook.Entries {
		if entry.ID.String() != "" {
			ids = append(ids, entry.ID.String())
		}
	}
	return ids
}

type cmsWebhookCreateResponse struct {
	ID json.Number `json:"id"`
}

func (a *cmsAdaptor) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	u := fmt.Sprintf("%s/webhooks", a.baseURL)
	payload := map[string]any{
		"url":        callbackURL,
		"collection": a.collection,
		"events":     []string{"entry.create", "entry.update", "entry.delete"},
	}

	var resp cmsWebhookCreateResponse
	if err := a.client.PostJSON(ctx, u, a.headers(), payload, &resp); err != nil {
		return "", fmt.Errorf("failed to register webhook: %w", err)
	}
	return resp.ID.String(), nil
}

type cmsWebhookListResponse struct {
	Items []struct {
		ID         json.Number `json:"id"`
		Collection string      `json:"collection"`
	} `json:"items"`
}

func (a *cmsAdaptor) RemoveWebhooks(ctx context.Context) error {
	u := fmt.Sprintf("%s/webhooks", a.baseURL)
	var resp cmsWebhookListResponse
	if err := a.client.GetJSON(ctx, u, a.headers(), &resp); err != nil {
		return fmt.Errorf("failed to list webhooks: %w", err)
	}

	for _, hook := range resp.Items {
		if hook.Collection != a.collection {
			continue
		}
		if err := a.client.Delete(ctx, fmt.Sprintf("%s/%s", u, hook.ID.String()), a.headers()); err != nil {
			return fmt.Errorf("failed to delete webhook %s: %w", hook.ID.String(), err)
		}
	}
	return nil
}

var (
	_ Adaptor        = (*cmsAdaptor)(nil)
	_ WebhookManager = (*cmsAdaptor)(nil)
)
