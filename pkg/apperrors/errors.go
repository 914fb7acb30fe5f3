package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrUnsupportedProvider    = errors.New("unsupported provider type")
	ErrInvalidProviderConfig  = errors.New("invalid provider configuration")
	ErrWebhooksNotSupported   = errors.New("provider does not support webhooks")
	ErrCredentialsKeyMismatch = errors.New("provider credentials were encrypted with a different key")
)
