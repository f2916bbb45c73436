package cli_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chpwatch/chpwatch/cli"
)

func TestServer_RequiresSource(t *testing.T) {
	t.Parallel()
	var root cli.RootCmd
	err := root.Command().Invoke("server", "--db", "").Run()
	require.ErrorContains(t, err, "at least one of --feed-url and --poll-url")
}
