// Package decision defines the contract between the edge handlers and the
// feature-flag engine that evaluates a datafile for a visitor.
package decision

import (
	"context"
	"errors"
	"strconv"

	"github.com/alextanhongpin/edgeflag/datafile"
)

var ErrNoDatafile = errors.New("decision: empty datafile")

// User is the visitor a decision is made for.
type User struct {
	ID         string
	Attributes map[string]any
}

// Decision is the outcome of evaluating one flag.
type Decision struct {
	FlagKey      string   `json:"flagKey"`
	Enabled      bool     `json:"enabled"`
	VariationKey string   `json:"variationKey,omitempty"`
	RuleKey      string   `json:"ruleKey,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

// HeaderValue renders the decision as a header value.
func (d Decision) HeaderValue() string {
	return strconv.FormatBool(d.Enabled)
}

// HeaderName is the header carrying the decision for flag.
func HeaderName(flag string) string {
	return flag + "-decision"
}

// Engine evaluates flags against a datafile. An empty flagKeys evaluates
// every flag in the datafile.
type Engine interface {
	Decide(ctx context.Context, df datafile.Datafile, user User, flagKeys []string) (map[string]Decision, error)
}

// EngineFunc adapts a function into an Engine.
type EngineFunc func(ctx context.Context, df datafile.Datafile, user User, flagKeys []string) (map[string]Decision, error)

func (f EngineFunc) Decide(ctx context.Context, df datafile.Datafile, user User, flagKeys []string) (map[string]Decision, error) {
	return f(ctx, df, user, flagKeys)
}
