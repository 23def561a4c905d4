package rendergraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendergraph/core/node"
	"github.com/rendergraph/core/slot"
)

func TestNewLoggerIsUsable(t *testing.T) {
	logger := NewLogger()
	require.NotNil(t, logger)
	logger.Info().Str("component", "test").Log("logger smoke test")
}

func TestNewGraphCompilesEmptyGraph(t *testing.T) {
	slots := slot.NewRegistry()
	g := NewGraph(slots, WithLogger(NewLogger()))
	require.NotNil(t, g)

	report, err := g.Compile()
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Empty(t, report.Order)

	cleaned, err := g.CleanupAll()
	require.NoError(t, err)
	require.Empty(t, cleaned)
}

func TestNewGraphRejectsUnknownNode(t *testing.T) {
	slots := slot.NewRegistry()
	g := NewGraph(slots)

	_, err := g.Instance(node.Ref(999))
	require.Error(t, err)
}
