package env_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/utils/env"
)

func TestParseSpecsWith(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "FROM_ORCHESTRATOR" {
			return "orchestrator-value", true
		}
		return "", false
	}

	tests := map[string]struct {
		specs  []string
		expEnv map[string]string
		expErr bool
	}{
		"KEY=VALUE should be set as is.": {
			specs:  []string{"MODEL=large", "EMPTY="},
			expEnv: map[string]string{"MODEL": "large", "EMPTY": ""},
		},
		"A value with equal signs should keep them.": {
			specs:  []string{"QUERY=a=b"},
			expEnv: map[string]string{"QUERY": "a=b"},
		},
		"A bare key should be resolved from the process environment.": {
			specs:  []string{"FROM_ORCHESTRATOR"},
			expEnv: map[string]string{"FROM_ORCHESTRATOR": "orchestrator-value"},
		},
		"Later specs should override earlier ones.": {
			specs:  []string{"MODEL=small", "MODEL=large"},
			expEnv: map[string]string{"MODEL": "large"},
		},
		"A missing bare key should fail.": {
			specs:  []string{"NOT_SET"},
			expErr: true,
		},
		"An invalid key should fail.": {
			specs:  []string{"1MODEL=large"},
			expErr: true,
		},
		"An empty spec should fail.": {
			specs:  []string{""},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			gotEnv, err := env.ParseSpecsWith(test.specs, lookup)

			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(test.expEnv, gotEnv)
		})
	}
}

func TestParseSpecsUsesProcessEnvironment(t *testing.T) {
	t.Setenv("SANDBOX_TOKEN", "secret")

	gotEnv, err := env.ParseSpecs([]string{"SANDBOX_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"SANDBOX_TOKEN": "secret"}, gotEnv)
}

func TestMerge(t *testing.T) {
	assert := assert.New(t)

	base := map[string]string{"A": "1", "B": "2"}
	got := env.Merge(base, map[string]string{"B": "3", "C": "4"})

	assert.Equal(map[string]string{"A": "1", "B": "3", "C": "4"}, got)
	assert.Equal(map[string]string{"A": "1", "B": "2"}, base)
	assert.Equal(map[string]string{}, env.Merge(nil, nil))
}
