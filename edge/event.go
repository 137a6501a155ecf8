// Package edge converts CDN edge events into a typed model.
//
// The platform hands a function a loosely-typed record (a Lambda@Edge
// CloudFront record, or a plain HTTP request on other platforms). Parse
// validates that record once at the boundary; everything downstream works on
// Event, Request and Response and never re-checks for missing fields.
package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	validator "github.com/go-playground/validator/v10"
)

var ErrInvalidEvent = errors.New("edge: invalid event")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Config describes the distribution that produced the event.
type Config struct {
	DistributionDomainName string
	DistributionID         string
	RequestID              string
}

// Event is a validated edge invocation. Request is set for every trigger
// that carries it; Response is set for the response triggers.
type Event struct {
	Trigger  Trigger
	Config   Config
	Request  *Request
	Response *Response
}

// Request is the request leg of an event.
type Request struct {
	ClientIP    string
	Method      string
	URI         string
	QueryString string
	Headers     *HeaderSet
}

// Response is the response leg of an event, or a response generated by the
// function itself.
type Response struct {
	Status            int
	StatusDescription string
	Headers           *HeaderSet
	Body              string
}

// NewResponse returns a generated response with the standard status text.
func NewResponse(status int, body string) *Response {
	return &Response{
		Status:            status,
		StatusDescription: http.StatusText(status),
		Headers:           NewHeaderSet(),
		Body:              body,
	}
}

// Result is what the function hands back to the platform: either the
// (possibly mutated) request to continue with, or a response.
type Result struct {
	Request  *Request
	Response *Response
}

// MarshalJSON renders the platform object for whichever leg is set.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Response != nil {
		return json.Marshal(r.Response)
	}
	if r.Request != nil {
		return json.Marshal(r.Request)
	}

	return []byte("null"), nil
}

type envelope struct {
	Records []record `json:"Records" validate:"required,min=1,dive"`
}

type record struct {
	CF struct {
		Config   wireConfig    `json:"config"`
		Request  *wireRequest  `json:"request"`
		Response *wireResponse `json:"response"`
	} `json:"cf"`
}

type wireConfig struct {
	DistributionDomainName string `json:"distributionDomainName"`
	DistributionID         string `json:"distributionId"`
	EventType              string `json:"eventType" validate:"required"`
	RequestID              string `json:"requestId"`
}

type wireRequest struct {
	ClientIP    string     `json:"clientIp,omitempty"`
	Headers     *HeaderSet `json:"headers"`
	Method      string     `json:"method" validate:"required"`
	QueryString string     `json:"querystring"`
	URI         string     `json:"uri" validate:"required,startswith=/"`
}

type wireResponse struct {
	Body              string     `json:"body,omitempty"`
	Headers           *HeaderSet `json:"headers"`
	Status            string     `json:"status" validate:"required,number"`
	StatusDescription string     `json:"statusDescription,omitempty"`
}

// Parse validates a raw platform event and converts it into an Event. Only
// the first record is used, as the platform delivers exactly one.
func Parse(b []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	cf := env.Records[0].CF
	trigger, err := ParseTrigger(cf.Config.EventType)
	if err != nil {
		return nil, err
	}

	evt := &Event{
		Trigger: trigger,
		Config: Config{
			DistributionDomainName: cf.Config.DistributionDomainName,
			DistributionID:         cf.Config.DistributionID,
			RequestID:              cf.Config.RequestID,
		},
	}

	if cf.Request != nil {
		evt.Request = cf.Request.request()
	}
	if cf.Response != nil {
		evt.Response, err = cf.Response.response()
		if err != nil {
			return nil, err
		}
	}

	switch {
	case trigger.IsRequest() && evt.Request == nil:
		return nil, fmt.Errorf("%w: %s event without request", ErrInvalidEvent, trigger)
	case trigger.IsResponse() && evt.Response == nil:
		return nil, fmt.Errorf("%w: %s event without response", ErrInvalidEvent, trigger)
	}

	return evt, nil
}

func (w *wireRequest) request() *Request {
	h := w.Headers
	if h == nil {
		h = NewHeaderSet()
	}

	return &Request{
		ClientIP:    w.ClientIP,
		Method:      w.Method,
		URI:         w.URI,
		QueryString: w.QueryString,
		Headers:     h,
	}
}

func (w *wireResponse) response() (*Response, error) {
	status, err := strconv.Atoi(w.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: status %q: %w", ErrInvalidEvent, w.Status, err)
	}

	h := w.Headers
	if h == nil {
		h = NewHeaderSet()
	}

	return &Response{
		Status:            status,
		StatusDescription: w.StatusDescription,
		Headers:           h,
		Body:              w.Body,
	}, nil
}

// MarshalJSON renders the platform request object.
func (r *Request) MarshalJSON() ([]byte, error) {
	h := r.Headers
	if h == nil {
		h = NewHeaderSet()
	}

	return json.Marshal(wireRequest{
		ClientIP:    r.ClientIP,
		Headers:     h,
		Method:      r.Method,
		QueryString: r.QueryString,
		URI:         r.URI,
	})
}

// MarshalJSON renders the platform response object. The status is a string
// on the wire.
func (r *Response) MarshalJSON() ([]byte, error) {
	h := r.Headers
	if h == nil {
		h = NewHeaderSet()
	}

	return json.Marshal(wireResponse{
		Body:              r.Body,
		Headers:           h,
		Status:            strconv.Itoa(r.Status),
		StatusDescription: r.StatusDescription,
	})
}
