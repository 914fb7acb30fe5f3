package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

func init() {
	Register(AdaptorRegistration{
		Info: AdaptorInfo{
			Type:             "maillist",
			DisplayName:      "Mailing list",
			Description:      "Mailing list provider with member webhooks",
			SupportsWebhooks: true,
		},
		Factory: func(config map[string]any, deps Deps) (Adaptor, error) {
			return newMailListAdaptor(config, deps)
		},
	})
}

// mailListAdaptor speaks a Mailchimp-style members API: offset/count
// pagination, basic API-key auth, and webhooks that deliver either JSON or
// form-encoded bodies depending on the event source.
type mailListAdaptor struct {
	baseURL string
	apiKey  string
	listID  string
	count   int
	client  *Client
	logger  *zap.Logger
}

func newMailListAdaptor(config map[string]any, deps Deps) (*mailListAdaptor, error) {
	baseURL, err := configString(config, "base_url")
	if err != nil {
		return nil, err
	}
	apiKey, err := configString(config, "api_key")
	if err != nil {
		return nil, err
	}
	listID, err := configString(config, "list_id")
	if err != nil {
		return nil, err
	}
	return &mailListAdaptor{
		baseURL: baseURL,
		apiKey:  apiKey,
		listID:  listID,
		count:   configInt(config, "page_size", 500),
		client:  deps.Client,
		logger:  deps.Logger.Named("maillist_adaptor"),
	}, nil
}

func (a *mailListAdaptor) Type() string { return "maillist" }

func (a *mailListAdaptor) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

type mailListMembersResponse struct {
	Members []struct {
		ID           string         `json:"id"`
		EmailAddress string         `json:"email_address"`
		MergeFields  map[string]any `json:"merge_fields"`
		Status       string         `json:"status"`
	} `json:"members"`
	TotalItems int `json:"total_items"`
}

func (a *mailListAdaptor) FetchAll(ctx context.Context) RecordIterator {
	return newPageIterator(func(ctx context.Context, cursor string) ([]ExternalRecord, string, error) {
		offset := 0
		if cursor != "" {
			o, err := strconv.Atoi(cursor)
			if err != nil {
				return nil, "", fmt.Errorf("bad offset cursor %q: %w", cursor, err)
			}
			offset = o
		}

		u := fmt.Sprintf("%s/lists/%s/members?offset=%d&count=%d", a.baseURL, a.listID, offset, a.count)
		var resp mailListMembersResponse
		if err := a.client.GetJSON(ctx, u, a.headers(), &resp); err != nil {
			return nil, "", fmt.Errorf("failed to list members: %w", err)
		}

		records := make([]ExternalRecord, 0, len(resp.Members))
		for _, m := range resp.Members {
			payload := map[string]any{
				"email_address": m.EmailAddress,
				"status":        m.Status,
			}
			for k, v := range m.MergeFields {
				payload[k] = v
			}
			records = append(records, ExternalRecord{ExternalID: m.ID, JSON: payload})
		}

		next := ""
		if offset+len(resp.Members) < resp.TotalItems && len(resp.Members) > 0 {
			next = strconv.Itoa(offset + len(resp.Members))
		}
		return records, next, nil
	})
}

// mailListJSONWebhook is the JSON event shape.
type mailListJSONWebhook struct {
	Type string `json:"type"`
	Data struct {
		ID     string `json:"id"`
		ListID string `json:"list_id"`
	} `json:"data"`
}

// ExtractExternalRecordIDs sniffs the body: JSON first, then form encoding
// (the provider posts form-encoded bodies for subscribe/unsubscribe events
// and JSON for API-driven changes). Anything unrecognizable yields nil so an
// aggressive retry storm never sees a failure it can amplify.
func (a *mailListAdaptor) ExtractExternalRecordIDs(body []byte) []string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var hook mailListJSONWebhook
		if err := json.Unmarshal(body, &hook); err != nil {
			return nil
		}
		if hook.Data.ID == "" {
			return nil
		}
		return []string{hook.Data.ID}
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil
	}
	if id := values.Get("data[id]"); id != "" {
		return []string{id}
	}
	return nil
}

type mailListWebhookCreateResponse struct {
	ID string `json:"id"`
}

func (a *mailListAdaptor) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	u := fmt.Sprintf("%s/lists/%s/webhooks", a.baseURL, a.listID)
	payload := map[string]any{
		"url": callbackURL,
		"events": map[string]bool{
			"subscribe":   true,
			"unsubscribe": true,
			"profile":     true,
		},
		"sources": map[string]bool{
			"user":  true,
			"admin": true,
			"api":   true,
		},
	}

	var resp mailListWebhookCreateResponse
	if err := a.client.PostJSON(ctx, u, a.headers(), payload, &resp); err != nil {
		return "", fmt.Errorf("failed to register webhook: %w", err)
	}
	return resp.ID, nil
}

type mailListWebhookListResponse struct {
	Webhooks []struct {
		ID string `json:"id"`
	} `json:"webhooks"`
}

func (a *mailListAdaptor) RemoveWebhooks(ctx context.Context) error {
	u := fmt.Sprintf("%s/lists/%s/webhooks", a.baseURL, a.listID)
	var resp mailListWebhookListResponse
	if err := a.client.GetJSON(ctx, u, a.headers(), &resp); err != nil {
		return fmt.Errorf("failed to list webhooks: %w", err)
	}

	for _, hook := range resp.Webhooks {
		if err := a.client.Delete(ctx, u+"/"+hook.ID, a.headers()); err != nil {
			return fmt.Errorf("failed to delete webhook %s: %w", hook.ID, err)
		}
	}
	return nil
}

var (
	_ Adaptor        = (*mailListAdaptor)(nil)
	_ WebhookManager = (*mailListAdaptor)(nil)
)
