// Package push delivers multicast notifications to device tokens.
package push

import (
	"context"
	"errors"
)

// MaxMulticastTokens is the largest token group accepted by one multicast call.
const MaxMulticastTokens = 500

// ErrTooManyTokens indicates a multicast group above MaxMulticastTokens.
var ErrTooManyTokens = errors.New("push: too many tokens in multicast")

// FailureReason classifies a per-token delivery failure.
type FailureReason string

const (
	FailureNone         FailureReason = ""
	FailureUnregistered FailureReason = "unregistered"
	FailureInvalidToken FailureReason = "invalid_token"
	FailureOther        FailureReason = "other"
)

// Message is the platform-neutral notification sent to every token in a group.
type Message struct {
	Title            string
	Body             string
	Data             map[string]string
	CollapseKey      string
	Tag              string
	AndroidChannelID string
	AndroidSound     string
	APNSSound        string
}

// Result is the outcome for the token at the same position in the request.
type Result struct {
	Token     string
	MessageID string
	Failure   FailureReason
	Err       error
}

// Succeeded reports whether the token accepted the message.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.Failure == FailureNone
}

// TokenPermanentlyInvalid reports whether the token should be removed from the directory.
func (r Result) TokenPermanentlyInvalid() bool {
	return r.Failure == FailureUnregistered || r.Failure == FailureInvalidToken
}

// Gateway sends one message to a group of tokens.
type Gateway interface {
	SendMulticast(ctx context.Context, tokens []string, message Message) ([]Result, error)
}
