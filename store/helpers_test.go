package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/dagmc/compiler"
)

func mustSpec(t *testing.T, src string) *compiler.Spec {
	t.Helper()
	spec, err := compiler.Parse([]byte(src))
	require.NoError(t, err)
	return spec
}
