package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/app/models/image"
)

func TestParseFile(t *testing.T) {
	file := `# web server
from scratch
BOOTSTRAP 14.1-RELEASE amd64
ARG PORT=80
ARG NAME
RUN pkg install -y \
    nginx && \
    echo $HOME ${PORT}
COPY site/ conf/nginx.conf /usr/local/www/
ADD https://example.org/robots.txt /usr/local/www/
WORKDIR /srv
ENV A=1 B="two words"
ENV LEGACY value with spaces
EXPOSE ${PORT} 53/udp
USER www
VOLUME ["/data", "/logs"]
LABEL maintainer="ops team" tier=web
SHELL ["/bin/csh", "-c"]
ENTRYPOINT ["/usr/local/sbin/nginx"]
CMD -g "daemon off;"
STOPSIGNAL SIGQUIT
`
	insts, err := Parse(file, map[string]string{"NAME": "web"})
	require.NoError(t, err)
	require.Len(t, insts, 18)

	assert.Equal(t, image.KindFrom, insts[0].Kind)
	assert.Equal(t, "scratch", insts[0].Value)
	assert.Equal(t, 2, insts[0].Line)

	require.NotNil(t, insts[1].Bootstrap)
	assert.Equal(t, "14.1-RELEASE", insts[1].Bootstrap.Version)
	assert.Equal(t, "amd64", insts[1].Bootstrap.Architecture)
	assert.Empty(t, insts[1].Bootstrap.Mirror)

	require.NotNil(t, insts[2].Default)
	assert.Equal(t, "80", *insts[2].Default)
	assert.Nil(t, insts[3].Default)

	run := insts[4]
	assert.Equal(t, image.KindRun, run.Kind)
	assert.Equal(t, 6, run.Line)
	assert.False(t, run.ExecForm)
	assert.Contains(t, run.Value, "nginx")
	assert.Contains(t, run.Value, "echo $HOME 80")

	assert.Equal(t, []string{"site/", "conf/nginx.conf"}, insts[5].Args)
	assert.Equal(t, "/usr/local/www/", insts[5].Dest)
	assert.Equal(t, []string{"https://example.org/robots.txt"}, insts[6].Args)

	assert.Equal(t, "/srv", insts[7].Value)
	assert.Equal(t, []image.Pair{{Key: "A", Value: "1"}, {Key: "B", Value: "two words"}}, insts[8].Pairs)
	assert.Equal(t, []image.Pair{{Key: "LEGACY", Value: "value with spaces"}}, insts[9].Pairs)
	assert.Equal(t, []image.Port{{Port: 80, Protocol: "tcp"}, {Port: 53, Protocol: "udp"}}, insts[10].Ports)
	assert.Equal(t, "www", insts[11].Value)
	assert.Equal(t, []string{"/data", "/logs"}, insts[12].Args)
	assert.Equal(t, []image.Pair{{Key: "maintainer", Value: "ops team"}, {Key: "tier", Value: "web"}}, insts[13].Pairs)

	assert.True(t, insts[14].ExecForm)
	assert.Equal(t, []string{"/bin/csh", "-c"}, insts[14].Args)
	assert.True(t, insts[15].ExecForm)
	assert.Equal(t, `-g "daemon off;"`, insts[16].Value)
	assert.Equal(t, "SIGQUIT", insts[17].Value)
}

func TestParseArgOverride(t *testing.T) {
	insts, err := Parse("FROM base\nARG V=1\nRUN echo ${V} $V $OTHER", map[string]string{"V": "2"})
	require.NoError(t, err)
	assert.Equal(t, "echo 2 2 $OTHER", insts[2].Value)
	assert.Equal(t, "RUN echo 2 2 $OTHER", insts[2].Raw)

	// references before the declaration stay untouched
	insts, err = Parse("FROM base\nRUN echo $V\nARG V=1", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo $V", insts[1].Value)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		line string
	}{
		{"empty", "# nothing\n\n", ""},
		{"first not FROM", "RUN true", "line 1"},
		{"second FROM", "FROM a\nFROM b", "line 2"},
		{"unknown", "FROM a\n\nFROB x", "line 3"},
		{"bad port", "FROM a\nEXPOSE http", "line 2"},
		{"bad proto", "FROM a\nEXPOSE 80/sctp", "line 2"},
		{"port zero", "FROM a\nEXPOSE 0", "line 2"},
		{"bad json", "FROM a\nCMD [\"x\"", "line 2"},
		{"copy without dest", "FROM a\nCOPY only", "line 2"},
		{"copy flags", "FROM a\nCOPY --chown=www a b", "line 2"},
		{"label without value", "FROM a\nLABEL nope", "line 2"},
		{"unterminated quote", "FROM a\nENV A=\"open", "line 2"},
		{"bootstrap args", "FROM scratch\nBOOTSTRAP a b c d", "line 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.file, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)
			assert.Contains(t, err.Error(), tt.line)
		})
	}
}

func TestSplitLinesKeepsFirstLineNumber(t *testing.T) {
	lines := splitLines("FROM a\n\n# c\nRUN one \\\n  two \\\n  three\nCMD x")
	require.Len(t, lines, 3)
	assert.Equal(t, 4, lines[1].number)
	assert.Equal(t, "RUN one    two    three", lines[1].text)
	assert.Equal(t, 7, lines[2].number)
}
