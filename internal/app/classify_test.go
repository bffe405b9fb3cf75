package app_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zeroscript/zeroscript/internal/app"
	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/backend"
	"github.com/zeroscript/zeroscript/internal/notify"
	"github.com/zeroscript/zeroscript/internal/resilience"
	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/internal/transcription"
	"github.com/zeroscript/zeroscript/pkg/audio"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantKind   notify.ErrorKind
		wantAction notify.Action
		wantMsg    string
	}{
		{"auth required", fmt.Errorf("transcription: token: %w", auth.ErrAuthRequired), notify.KindAuth, notify.ActionLogin, ""},
		{"unauthorized", fmt.Errorf("backend: %w", auth.ErrUnauthorized), notify.KindAuth, notify.ActionLogin, ""},
		{"no device", fmt.Errorf("%w: no default input", audio.ErrDeviceUnavailable), notify.KindDevice, notify.ActionRetry, ""},
		{"device denied", fmt.Errorf("%w: Permission Denied", audio.ErrDeviceUnavailable), notify.KindAccess, notify.ActionNone, ""},
		{"rate limited", fmt.Errorf("%w: %w", script.ErrEmbedding, embeddings.ErrRateLimited), notify.KindEmbedding, notify.ActionRetry, "Script matching is busy right now. It will resume shortly."},
		{"circuit open", resilience.ErrCircuitOpen, notify.KindEmbedding, notify.ActionRetry, "Script matching is busy right now. It will resume shortly."},
		{"backend unavailable", backend.ErrUnavailable, notify.KindEmbedding, notify.ActionRetry, "Script matching is busy right now. It will resume shortly."},
		{"lookup", fmt.Errorf("%w: db down", script.ErrLookup), notify.KindEmbedding, notify.ActionRetry, "Script matching is unavailable."},
		{"backend 500", backend.ErrServer, notify.KindEmbedding, notify.ActionRetry, "Script matching is unavailable."},
		{"dial", fmt.Errorf("%w: dial tcp: connection refused", transcription.ErrTransport), notify.KindTransport, notify.ActionRetry, "Could not reach the transcription service. Check your network connection."},
		{"handshake 401", fmt.Errorf("%w: dial: unexpected status 401", transcription.ErrTransport), notify.KindTransport, notify.ActionRetry, "The transcription service rejected the call token."},
		{"lost", fmt.Errorf("%w: closed with code 1011", transcription.ErrTransport), notify.KindTransport, notify.ActionRetry, "The transcription connection was lost."},
		{"timeout", fmt.Errorf("backend: score: %w", context.DeadlineExceeded), notify.KindTransport, notify.ActionRetry, "The request timed out."},
		{"unknown", errors.New("boom"), notify.KindUnknown, notify.ActionRetry, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := app.Classify(tt.err)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", got.Action, tt.wantAction)
			}
			if tt.wantMsg != "" && got.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMsg)
			}
			if got.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	t.Parallel()
	if got := app.Classify(nil); got != (notify.Error{}) {
		t.Errorf("Classify(nil) = %+v, want zero", got)
	}
}
