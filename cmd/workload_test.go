package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanWorkload(t *testing.T) {
	plan := planWorkload(3*len(scenarios), 42)
	require.Len(t, plan, 3*len(scenarios))

	counts := make(map[string]int)
	for _, r := range plan {
		counts[r.scenario.name]++
		if r.scenario.payload == "" {
			assert.Empty(t, r.param)
		} else {
			assert.NotEmpty(t, r.param)
			assert.NotContains(t, r.param, "%!", "payload templates take exactly one integer")
		}
	}
	for _, sc := range scenarios {
		assert.Equal(t, 3, counts[sc.name], sc.name)
	}

	again := planWorkload(3*len(scenarios), 42)
	for i := range plan {
		assert.Equal(t, plan[i].scenario.name, again[i].scenario.name)
		assert.Equal(t, plan[i].param, again[i].param)
	}
}

func TestPlanWorkload_PathPayloadNeedsTrimming(t *testing.T) {
	for _, r := range planWorkload(len(scenarios), 1) {
		if r.scenario.name == "path_trim" {
			assert.NotEqual(t, r.param, strings.TrimSpace(r.param))
			return
		}
	}
	t.Fatal("path_trim scenario missing from plan")
}
