package subscriptions

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Validator checks subscriptions before they are registered.
type Validator struct {
	channels *ChannelFactory
	logger   *zap.Logger
}

// NewValidator creates a validator that handshakes through channels.
func NewValidator(channels *ChannelFactory, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{channels: channels, logger: logger}
}

// Validate checks info and, unless the subscription is off, performs a
// handshake with its endpoint. It returns a copy of info whose status
// reflects the handshake: active when it succeeded, error when it did not.
// Any failure is reported as a *ValidationError alongside the updated copy.
func (v *Validator) Validate(ctx context.Context, info Info) (Info, error) {
	var failures []Failure
	logger := v.logger.With(zap.String("subscription_id", info.ID))

	if info.Status == "" {
		info.Status = StatusRequested
	}
	switch info.Status {
	case StatusRequested, StatusActive, StatusError, StatusOff:
	default:
		failures = append(failures, Failure{Field: "status", Message: fmt.Sprintf("unknown status %q", info.Status)})
	}

	var ch Channel
	switch info.Channel.Type {
	case ChannelNone, "":
		logger.Info("subscription channel type is not valid")
		failures = append(failures, Failure{Field: "channel.type", Message: "channel type is not valid"})
	default:
		var err error
		if ch, err = v.channels.Create(info.Channel.Type); err != nil {
			failures = append(failures, Failure{Field: "channel.type", Message: err.Error()})
		}
	}

	if ch != nil && info.Status != StatusOff {
		err := errInvalidEndpoint
		if validEndpoint(info.Channel.Endpoint) {
			err = ch.Handshake(ctx, &info)
		}
		if err != nil {
			logger.Info("subscription endpoint is not valid", zap.Error(err))
			failures = append(failures, Failure{Field: "channel.endpoint", Message: "endpoint is not valid"})
			info.Status = StatusError
		} else {
			info.Status = StatusActive
		}
	}

	if len(failures) > 0 {
		return info, &ValidationError{Failures: failures}
	}
	return info, nil
}

var errInvalidEndpoint = fmt.Errorf("%w: endpoint must be an absolute http(s) url", ErrInvalidSubscription)
