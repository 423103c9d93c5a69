package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteCommandOmitsFlagWhenNoFeatures(t *testing.T) {
	require.Equal(t, RemoteCommand, remoteCommand(nil))
	require.Equal(t, RemoteCommand, remoteCommand([]string{}))
}

func TestRemoteCommandJoinsSupportedFeatures(t *testing.T) {
	require.Equal(
		t,
		"nix-store --serve --write --system-features kvm,big-parallel",
		remoteCommand([]string{"kvm", "big-parallel"}),
	)
}
