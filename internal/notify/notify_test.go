package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmoji(t *testing.T) {
	require.Equal(t, "OK", Emoji(AckAllow))
	require.Equal(t, "CrossMark", Emoji(AckDeny))
	require.Equal(t, "DONE", Emoji(AckMessage))
	require.Equal(t, "OnIt", Emoji(AckQueued))
}

func TestKindForHookEvent(t *testing.T) {
	tests := map[string]Kind{
		"Stop":               KindTaskComplete,
		"Notification":       KindPermissionRequest,
		"PostToolUseFailure": KindToolFailure,
		"SomethingElse":      KindTaskComplete,
	}
	for event, want := range tests {
		require.Equal(t, want, KindForHookEvent(event), event)
	}
}
