// Package subscriptions notifies external endpoints about resources
// committed by bundle processing.
//
// A committed bundle is matched against the registered subscriptions and one
// processing job per matching subscription is put on the job queue. The job
// reads the referenced resources back from the store and publishes them
// through the subscription's channel.
package subscriptions

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Status is the activation state of a subscription.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusOff       Status = "off"
)

// ChannelType names a notification transport.
type ChannelType string

const (
	ChannelRestHook ChannelType = "rest-hook"
	ChannelNone     ChannelType = "none"
)

// ChannelInfo describes where and how notifications are delivered.
type ChannelInfo struct {
	Type     ChannelType       `json:"type"`
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"header,omitempty"`
	// Secret signs notification bodies when set.
	Secret string `json:"secret,omitempty"`
}

// Info is a registered subscription.
type Info struct {
	ID       string      `json:"id"`
	Status   Status      `json:"status"`
	Criteria []string    `json:"criteria"`
	Channel  ChannelInfo `json:"channel"`
}

// Matches reports whether a resource of the given type is covered by the
// subscription. An empty criteria list matches every type.
func (i *Info) Matches(resourceType string) bool {
	if len(i.Criteria) == 0 {
		return true
	}
	return slices.Contains(i.Criteria, resourceType)
}

var (
	ErrSubscriptionNotFound = errors.New("subscriptions: subscription not found")
	ErrInvalidSubscription  = errors.New("subscriptions: invalid subscription")
	ErrUnsupportedChannel   = errors.New("subscriptions: unsupported channel type")
)

// ValidationError carries every problem found while validating a
// subscription.
type ValidationError struct {
	Failures []Failure
}

// Failure is one validation problem.
type Failure struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("subscriptions: invalid subscription: %s", strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSubscription }

func validEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
