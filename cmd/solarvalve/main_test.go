package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/solarvalve/cmd/solarvalve/subcmd"
	"github.com/temoto/solarvalve/log2"
)

func TestRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.hcl")
	require.NoError(t, ioutil.WriteFile(configPath, []byte(`hub { name = "pi-test" }`), 0644))
	probe := subcmd.Mod{Name: "probe", Main: func(ctx context.Context, env *subcmd.Env) error {
		_, err := env.Out.Write([]byte(env.Config.Hub.Name))
		return err
	}}

	cases := []struct {
		name      string
		args      []string
		expect    string
		expectErr string
	}{
		{"version", []string{"version"}, "solarvalve unknown\n", ""},
		{"config", []string{"probe", "--config", configPath}, "pi-test", ""},
		{"config-missing", []string{"probe", "-c", filepath.Join(dir, "absent.hcl")}, "", "config required name=absent.hcl"},
		{"unknown", []string{"frob"}, "", "unknown command"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			root, err := newRoot([]subcmd.Mod{versionMod, probe}, log2.NewTest(t, log2.LDebug))
			require.NoError(t, err)
			buf := bytes.NewBuffer(nil)
			root.SetOut(buf)
			root.SetArgs(c.args)
			err = root.ExecuteContext(context.Background())
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, buf.String())
		})
	}
}

func TestRootDuplicate(t *testing.T) {
	t.Parallel()
	_, err := newRoot([]subcmd.Mod{versionMod, versionMod}, nil)
	assert.Error(t, err)
}
