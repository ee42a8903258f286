package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineageEdges(t *testing.T) {
	l := NewLineage()
	l.Add("base", "")
	l.Add("web", "base")
	l.Add("api", "base")
	l.Add("api-debug", "api")

	assert.Equal(t, []string{"api", "web"}, l.Children("base"))
	assert.Equal(t, []string{"api", "base"}, l.Ancestors("api-debug"))
	assert.Empty(t, l.Ancestors("base"))

	l.Remove("web")
	assert.Equal(t, []string{"api"}, l.Children("base"))

	l.Remove("api-debug")
	assert.Empty(t, l.Children("api"))
}

func TestLineageRefs(t *testing.T) {
	l := NewLineage()

	assert.Equal(t, 1, l.Ref("img"))
	assert.Equal(t, 2, l.Ref("img"))
	assert.Equal(t, 1, l.Unref("img"))
	assert.Equal(t, 0, l.Unref("img"))
	assert.Equal(t, 0, l.Unref("img"))
	assert.Equal(t, 0, l.Refs("img"))
}

func TestConfigArgvAndEnv(t *testing.T) {
	c := NewConfig()
	c.Entrypoint = []string{"/usr/local/bin/app"}
	c.Cmd = []string{"serve", "--port", "80"}
	c.Env["B"] = "2"
	c.Env["A"] = "1"

	assert.Equal(t, []string{"/usr/local/bin/app", "serve", "--port", "80"}, c.Argv())
	assert.Equal(t, []string{"A=1", "B=2"}, c.EnvList())

	clone := c.Clone()
	clone.Env["A"] = "changed"
	assert.Equal(t, "1", c.Env["A"])
}

func TestInstructionCommand(t *testing.T) {
	shell := Instruction{Kind: KindRun, Value: "make install"}
	assert.Equal(t, []string{"/bin/sh", "-c", "make install"}, shell.Command(nil))
	assert.Equal(t, []string{"/bin/csh", "-c", "make install"}, shell.Command([]string{"/bin/csh", "-c"}))

	exec := Instruction{Kind: KindRun, Args: []string{"pkg", "install", "-y", "nginx"}, ExecForm: true}
	assert.Equal(t, []string{"pkg", "install", "-y", "nginx"}, exec.Command([]string{"/bin/csh", "-c"}))
}
