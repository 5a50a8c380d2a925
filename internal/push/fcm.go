package push

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	androidPriorityHigh = "high"
	apnsPriorityAlert   = "10"
)

// FCMConfig configures the Firebase Cloud Messaging gateway.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
	Logger          *zap.Logger
}

type multicastClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMGateway sends notifications through Firebase Cloud Messaging.
type FCMGateway struct {
	client multicastClient
	logger *zap.Logger
}

// NewFCMGateway initializes a Firebase app and its messaging client.
// Without a credentials file the application default credentials are used.
func NewFCMGateway(ctx context.Context, cfg FCMConfig) (*FCMGateway, error) {
	var clientOptions []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	var appConfig *firebase.Config
	if strings.TrimSpace(cfg.ProjectID) != "" {
		appConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appConfig, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("push: initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: initialize messaging client: %w", err)
	}
	return newFCMGatewayWithClient(client, cfg.Logger), nil
}

func newFCMGatewayWithClient(client multicastClient, logger *zap.Logger) *FCMGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMGateway{client: client, logger: logger}
}

// SendMulticast delivers the message and maps every response back to its token.
func (g *FCMGateway) SendMulticast(ctx context.Context, tokens []string, message Message) ([]Result, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if len(tokens) > MaxMulticastTokens {
		return nil, fmt.Errorf("%w: %d", ErrTooManyTokens, len(tokens))
	}

	response, err := g.client.SendEachForMulticast(ctx, buildMulticastMessage(tokens, message))
	if err != nil {
		return nil, fmt.Errorf("push: multicast send: %w", err)
	}
	if response == nil || len(response.Responses) != len(tokens) {
		return nil, fmt.Errorf("push: multicast response size mismatch")
	}

	results := make([]Result, len(tokens))
	for index, sendResponse := range response.Responses {
		result := Result{Token: tokens[index]}
		switch {
		case sendResponse == nil:
			result.Failure = FailureOther
			result.Err = fmt.Errorf("push: missing response")
		case sendResponse.Success:
			result.MessageID = sendResponse.MessageID
		default:
			result.Err = sendResponse.Error
			result.Failure = classifyError(sendResponse.Error)
		}
		results[index] = result
	}

	g.logger.Debug("fcm multicast sent",
		zap.Int("token_count", len(tokens)),
		zap.Int("success_count", response.SuccessCount),
		zap.Int("failure_count", response.FailureCount))
	return results, nil
}

func classifyError(err error) FailureReason {
	if err == nil {
		return FailureOther
	}
	return classifyFailure(messaging.IsUnregistered(err), messaging.IsInvalidArgument(err), err.Error())
}

// classifyFailure treats INVALID_ARGUMENT as a bad token only when the error
// names the registration token. Other invalid arguments concern the payload.
func classifyFailure(unregistered, invalidArgument bool, message string) FailureReason {
	switch {
	case unregistered:
		return FailureUnregistered
	case invalidArgument && strings.Contains(strings.ToLower(message), "registration token"):
		return FailureInvalidToken
	default:
		return FailureOther
	}
}

func buildMulticastMessage(tokens []string, message Message) *messaging.MulticastMessage {
	data := make(map[string]string, len(message.Data))
	for key, value := range message.Data {
		data[key] = value
	}

	apnsHeaders := map[string]string{"apns-priority": apnsPriorityAlert}
	if message.CollapseKey != "" {
		apnsHeaders["apns-collapse-id"] = message.CollapseKey
	}

	return &messaging.MulticastMessage{
		Tokens: append([]string(nil), tokens...),
		Data:   data,
		Notification: &messaging.Notification{
			Title: message.Title,
			Body:  message.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority:    androidPriorityHigh,
			CollapseKey: message.CollapseKey,
			Notification: &messaging.AndroidNotification{
				ChannelID:             message.AndroidChannelID,
				Sound:                 message.AndroidSound,
				Tag:                   message.Tag,
				DefaultVibrateTimings: true,
				Visibility:            messaging.VisibilityPublic,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: apnsHeaders,
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: message.APNSSound},
			},
		},
	}
}
