package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeedPasswordFallsBackToEnv(t *testing.T) {
	t.Setenv("PGPASSWORD", "fromenv")

	assert.Equal(t, "fromflag", seedPassword("fromflag"))
	assert.Equal(t, "fromenv", seedPassword(""))

	t.Setenv("PGPASSWORD", "")
	assert.Equal(t, "", seedPassword(""))
}
