package app

import (
	"context"
	"errors"
	"strings"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/backend"
	"github.com/zeroscript/zeroscript/internal/notify"
	"github.com/zeroscript/zeroscript/internal/resilience"
	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/internal/transcription"
	"github.com/zeroscript/zeroscript/pkg/audio"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

// Classify maps a pipeline error onto the user-facing error shown by the
// overlay. Unknown errors keep their message and offer a retry.
func Classify(err error) notify.Error {
	switch {
	case err == nil:
		return notify.Error{}

	case errors.Is(err, auth.ErrAuthRequired):
		return notify.Error{Kind: notify.KindAuth, Message: "Sign in to start a call.", Action: notify.ActionLogin}

	case errors.Is(err, auth.ErrUnauthorized):
		return notify.Error{Kind: notify.KindAuth, Message: "Your session has expired. Sign in again.", Action: notify.ActionLogin}

	case errors.Is(err, audio.ErrDeviceUnavailable):
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed") {
			return notify.Error{Kind: notify.KindAccess, Message: "Microphone access was denied. Allow access and try again."}
		}
		return notify.Error{Kind: notify.KindDevice, Message: "No microphone is available. Check that one is connected and not in use.", Action: notify.ActionRetry}

	case errors.Is(err, embeddings.ErrRateLimited),
		errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen):
		return notify.Error{Kind: notify.KindEmbedding, Message: "Script matching is busy right now. It will resume shortly.", Action: notify.ActionRetry}

	case errors.Is(err, embeddings.ErrUnauthorized),
		errors.Is(err, script.ErrEmbedding),
		errors.Is(err, script.ErrLookup),
		errors.Is(err, backend.ErrServer):
		return notify.Error{Kind: notify.KindEmbedding, Message: "Script matching is unavailable.", Action: notify.ActionRetry}

	case errors.Is(err, transcription.ErrTransport),
		errors.Is(err, backend.ErrTransport),
		errors.Is(err, stt.ErrClosed):
		return notify.Error{Kind: notify.KindTransport, Message: transportMessage(err), Action: notify.ActionRetry}

	case errors.Is(err, context.DeadlineExceeded):
		return notify.Error{Kind: notify.KindTransport, Message: "The request timed out.", Action: notify.ActionRetry}
	}
	return notify.Error{Kind: notify.KindUnknown, Message: err.Error(), Action: notify.ActionRetry}
}

// transportMessage picks a message from the error text; transport
// failures carry no finer typed cause.
func transportMessage(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "The transcription service did not respond in time."
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "unauthorized"):
		return "The transcription service rejected the call token."
	case strings.Contains(msg, "dial"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "Could not reach the transcription service. Check your network connection."
	case strings.Contains(msg, "1011"), strings.Contains(msg, "1006"), strings.Contains(msg, "closed"):
		return "The transcription connection was lost."
	}
	return "A network error interrupted the call."
}
