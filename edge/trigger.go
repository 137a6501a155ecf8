package edge

import (
	"fmt"
	"strings"
)

// Trigger is the point of the CDN lifecycle that invoked the function.
type Trigger int

const (
	TriggerUnknown Trigger = iota
	TriggerViewerRequest
	TriggerOriginRequest
	TriggerOriginResponse
	TriggerViewerResponse
)

var triggerNames = map[Trigger]string{
	TriggerViewerRequest:  "viewer-request",
	TriggerOriginRequest:  "origin-request",
	TriggerOriginResponse: "origin-response",
	TriggerViewerResponse: "viewer-response",
}

// ParseTrigger accepts both the platform spelling (viewer-request) and the
// underscore spelling (viewer_request).
func ParseTrigger(s string) (Trigger, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for t, n := range triggerNames {
		if n == name {
			return t, nil
		}
	}

	return TriggerUnknown, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, s)
}

func (t Trigger) String() string {
	if n, ok := triggerNames[t]; ok {
		return n
	}

	return "unknown"
}

// IsRequest reports whether the trigger fires on the request leg.
func (t Trigger) IsRequest() bool {
	return t == TriggerViewerRequest || t == TriggerOriginRequest
}

// IsResponse reports whether the trigger fires on the response leg.
func (t Trigger) IsResponse() bool {
	return t == TriggerOriginResponse || t == TriggerViewerResponse
}
