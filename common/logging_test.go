package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	log := SetupLogger(&LoggingOpts{Debug: true, JSON: true, Service: "trust-anchor", Version: Version})
	require.NotNil(t, log)
	require.True(t, log.Handler().Enabled(t.Context(), -4))

	log = SetupLogger(&LoggingOpts{})
	require.False(t, log.Handler().Enabled(t.Context(), -4))
}
