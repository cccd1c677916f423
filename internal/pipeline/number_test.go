package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberAcceptsNumbersAndStrings(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		`5`:     5,
		`"5"`:   5,
		`" 7 "`: 7,
		`""`:    0,
		`null`:  0,
		`3.0`:   3,
	}
	for raw, want := range cases {
		var n Number
		require.NoError(t, json.Unmarshal([]byte(raw), &n), raw)
		assert.Equal(t, want, n.Int(), raw)
	}

	var n Number
	require.Error(t, json.Unmarshal([]byte(`"five"`), &n))
	require.Error(t, json.Unmarshal([]byte(`true`), &n))
}
