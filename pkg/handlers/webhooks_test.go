package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newWebhookMux(svc *mockWebhookService) *http.ServeMux {
	handler := NewWebhooksHandler(svc, zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux
}

func TestWebhooksHandler_DeliversBody(t *testing.T) {
	svc := &mockWebhookService{}
	mux := newWebhookMux(svc)
	dataSourceID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+dataSourceID.String(),
		strings.NewReader(`{"ids":["rec-1"]}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if len(svc.notified) != 1 || svc.notified[0] != dataSourceID {
		t.Fatalf("expected one notification for %s, got %v", dataSourceID, svc.notified)
	}
	if string(svc.bodies[0]) != `{"ids":["rec-1"]}` {
		t.Errorf("body not passed through: %s", svc.bodies[0])
	}
}

func TestWebhooksHandler_AlwaysRespondsOK(t *testing.T) {
	tests := []struct {
		name string
		path string
		svc  *mockWebhookService
	}{
		{
			name: "processing failure",
			path: "/webhooks/" + uuid.NewString(),
			svc:  &mockWebhookService{err: errors.New("provider exploded")},
		},
		{
			name: "unparseable data source id",
			path: "/webhooks/not-a-uuid",
			svc:  &mockWebhookService{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newWebhookMux(tt.svc)
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader("{}"))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
			}
		})
	}
}

func TestWebhooksHandler_GETVerification(t *testing.T) {
	svc := &mockWebhookService{}
	mux := newWebhookMux(svc)
	dataSourceID := uuid.New()

	// Some providers probe the endpoint with a GET before delivering
	req := httptest.NewRequest(http.MethodGet, "/webhooks/"+dataSourceID.String(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if len(svc.notified) != 1 {
		t.Errorf("expected GET to reach the service, got %d notifications", len(svc.notified))
	}
}
