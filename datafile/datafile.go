// Package datafile fetches and caches the feature-flag configuration
// document (the datafile) for an SDK key.
//
// A Cache holds at most one datafile per key for the lifetime of the
// process. Concurrent misses for a key share a single upstream fetch, and a
// cached datafile is dropped by a timer once its TTL elapses.
package datafile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var errNotObject = errors.New("body is not a JSON object")

// Datafile is an opaque configuration document. Raw is the JSON body exactly
// as served by the origin.
type Datafile struct {
	Key       string
	Revision  string
	Raw       []byte
	FetchedAt time.Time
}

// Parse checks that b is a JSON object and extracts its revision.
func Parse(key string, b []byte) (Datafile, error) {
	if t := bytes.TrimSpace(b); len(t) == 0 || t[0] != '{' {
		return Datafile{}, &ParseError{Key: key, Err: errNotObject}
	}

	var doc struct {
		Revision json.RawMessage `json:"revision"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return Datafile{}, &ParseError{Key: key, Err: err}
	}

	return Datafile{
		Key:      key,
		Revision: strings.Trim(string(doc.Revision), `"`),
		Raw:      b,
	}, nil
}

// FetchError is returned when the datafile could not be retrieved from the
// origin. StatusCode is set when the origin answered with a non-2xx status.
type FetchError struct {
	Key        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("datafile: fetch %q: status %d: %v", e.Key, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("datafile: fetch %q: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError is returned when the origin body is not a JSON document.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("datafile: parse %q: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// asTyped makes sure every error leaving the cache is a *FetchError or a
// *ParseError.
func asTyped(key string, err error) error {
	var fe *FetchError
	var pe *ParseError
	if errors.As(err, &fe) || errors.As(err, &pe) {
		return err
	}

	return &FetchError{Key: key, Err: err}
}
