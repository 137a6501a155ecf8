package decision_test

import (
	"context"
	"testing"

	"github.com/alextanhongpin/edgeflag/datafile"
	"github.com/alextanhongpin/edgeflag/decision"
	"github.com/stretchr/testify/assert"
)

func TestHeaderName(t *testing.T) {
	assert.Equal(t, "sort_algorithm-decision", decision.HeaderName("sort_algorithm"))
}

func TestHeaderValue(t *testing.T) {
	assert.Equal(t, "true", decision.Decision{Enabled: true}.HeaderValue())
	assert.Equal(t, "false", decision.Decision{}.HeaderValue())
}

func TestEngineFunc(t *testing.T) {
	var e decision.Engine = decision.EngineFunc(func(ctx context.Context, df datafile.Datafile, user decision.User, flagKeys []string) (map[string]decision.Decision, error) {
		out := make(map[string]decision.Decision)
		for _, k := range flagKeys {
			out[k] = decision.Decision{FlagKey: k, Enabled: user.ID == "on"}
		}
		return out, nil
	})

	got, err := e.Decide(context.Background(), datafile.Datafile{}, decision.User{ID: "on"}, []string{"a"})
	assert.Nil(t, err)
	assert.Equal(t, map[string]decision.Decision{"a": {FlagKey: "a", Enabled: true}}, got)
}
