package hook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchDanger(t *testing.T) {
	patterns := []string{"git push --force", "DROP TABLE"}
	home := "/home/dev"

	tests := []struct {
		command string
		flagged bool
	}{
		{"rm -rf /tmp/scratch", false},
		{"rm -rf build/", false},
		{"rm -r ./node_modules", false},
		{"rm /", false},
		{"ls -la /", false},
		{"rm -rf /", true},
		{"rm -rf /*", true},
		{"sudo rm -fr /usr", true},
		{"rm -Rf //", true},
		{"rm --recursive --force /etc/", true},
		{"rm -rf $HOME", true},
		{"rm -rf ${HOME}/", true},
		{"rm -rf ~", true},
		{"rm -rf ~/", true},
		{"rm -rf /home/dev", true},
		{`rm -rf "/home/dev/"`, true},
		{"rm -rf /home/dev/project", false},
		{"cd /tmp && rm -rf /", true},
		{"echo ok; /bin/rm -rf -- /", true},
		{"sudo -E rm -rf /", true},
		{"sudo -u root rm -rf /etc", true},
		{"env rm -rf /", true},
		{"env FOO=1 rm -rf /", true},
		{"nice rm -rf /", true},
		{"nice -n 10 rm -rf /", true},
		{"sudo -- rm -rf $HOME", true},
		{"nohup /bin/rm -rf ~ &", true},
		{"timeout 5 rm -rf /usr", true},
		{"find / -name x | xargs -0 rm -rf /var", true},
		{"sudo rm -rf /tmp/scratch", false},
		{"env ls -la /", false},
		{"FOO=bar make clean", false},
		{"git push --force origin main", true},
		{"psql -c 'DROP TABLE users'", true},
		{"git push origin main", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			_, flagged := MatchDanger(tt.command, patterns, home)
			require.Equal(t, tt.flagged, flagged)
		})
	}
}

func TestMatchDanger_ReportsPattern(t *testing.T) {
	pattern, ok := MatchDanger("git push --force", []string{"git push --force"}, "")
	require.True(t, ok)
	require.Equal(t, "git push --force", pattern)

	pattern, ok = MatchDanger("rm -rf /", nil, "")
	require.True(t, ok)
	require.Equal(t, "rm -r /", pattern)
}
