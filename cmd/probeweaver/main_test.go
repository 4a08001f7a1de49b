package main

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/index"
	"github.com/kolkov/probeweaver/internal/probe/liverequest"
	"github.com/kolkov/probeweaver/internal/probe/snapshot"
	"github.com/kolkov/probeweaver/internal/probe/tracker"
)

// run executes the CLI against fsys and returns what it printed.
func run(t *testing.T, fsys afero.Fs, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := &app{fs: fsys}
	root := a.rootCmd(&out, &errOut)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

// writeState saves a state with two enter probes, one of them released.
func writeState(t *testing.T, fsys afero.Fs, path string) []byte {
	t.Helper()
	ids := tracker.NewIDAllocator()
	table := index.NewTable()
	x := table.Index(event.KindVirtualMethodEnter)

	add := event.Location{Type: "com.acme.Cart", Member: "add", Signature: "(I)V"}
	r := index.NewRecord(ids.Next(), add, "alice")
	r.ChangeCount = 1
	x.Add(r)
	closeLoc := event.Location{Type: "com.acme.Order", Member: "close", Signature: "()V"}
	x.Add(index.NewRecord(ids.Next(), closeLoc))
	extra := ids.Next()
	ids.Free(extra)

	var buf bytes.Buffer
	require.NoError(t, snapshot.Write(&buf, snapshot.State{IDs: ids, Probes: table, Live: liverequest.New(nil, nil, nil)}))
	require.NoError(t, afero.WriteFile(fsys, path, buf.Bytes(), 0o644))
	return buf.Bytes()
}

func TestVersion(t *testing.T) {
	out, err := run(t, afero.NewMemMapFs(), "version")
	require.NoError(t, err)
	assert.Equal(t, "probeweaver version 0.1.0 (state format v1.0.0)\n", out)

	out, err = run(t, afero.NewMemMapFs(), "--version")
	require.NoError(t, err)
	assert.Equal(t, "probeweaver version 0.1.0\n", out)
}

func TestInspect(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeState(t, fsys, "/s/session.state")

	out, err := run(t, fsys, "inspect", "/s/session.state")
	require.NoError(t, err)
	assert.Contains(t, out, "format  v1.0.0\n")
	assert.Contains(t, out, "ids     next=4 live=2 free=[3]\n")
	assert.Contains(t, out, "probes  2\n  virtual-method-enter\n")
	assert.Contains(t, out, "    #1 com.acme.Cart.add(I)V keys=[alice] changes=1\n")
	assert.Contains(t, out, "    #2 com.acme.Order.close()V keys=[] changes=0\n")
	assert.Contains(t, out, "live    0\n")
}

func TestInspectErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_, err := run(t, fsys, "inspect", "/nope.state")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fsys, "/junk.state", []byte("not a state"), 0o644))
	_, err = run(t, fsys, "inspect", "/junk.state")
	assert.ErrorIs(t, err, snapshot.ErrNotState)

	_, err = run(t, fsys, "inspect")
	assert.Error(t, err, "missing argument accepted")
}

func TestVerify(t *testing.T) {
	fsys := afero.NewMemMapFs()
	raw := writeState(t, fsys, "/s/session.state")

	out, err := run(t, fsys, "verify", "/s/session.state")
	require.NoError(t, err)
	assert.Contains(t, out, "ok (")
	assert.Contains(t, out, "format v1.0.0")

	require.NoError(t, afero.WriteFile(fsys, "/s/long.state", append(raw, 0), 0o644))
	_, err = run(t, fsys, "verify", "/s/long.state")
	assert.ErrorContains(t, err, "trailing data")
}

func TestCompact(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "merge across gap",
			args: []string{"13:15", "18:24", "34:37", "11:26"},
			want: "set   [ 11:26 34:37 ]\ncheck 11 <= i <= 26\ncheck 34 <= i <= 37\n",
		},
		{
			name: "open ends",
			args: []string{":3", "5", "9:"},
			want: "set   [ :3 5:5 9: ]\ncheck i <= 3\ncheck i == 5\ncheck i >= 9\n",
		},
		{
			name: "open ends meet",
			args: []string{":10", "8:"},
			want: "set   [ * ]\ncheck true\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, afero.NewMemMapFs(), append([]string{"compact"}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	for _, bad := range []string{"x:3", "-1", "1:2:3"} {
		_, err := run(t, afero.NewMemMapFs(), "compact", bad)
		assert.Error(t, err, "compact %s", bad)
	}
}

func TestConfigCheck(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/pw.yaml", []byte("error_policy: detach\n"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/bad.yaml", []byte("fetch:\n  concurrency: -2\n"), 0o644))

	out, err := run(t, fsys, "config", "check", "/pw.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/pw.yaml: ok (policy detach)\n", out)

	out, err = run(t, fsys, "config", "check", "--show", "/pw.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "error_policy: detach")

	_, err = run(t, fsys, "config", "check", "/bad.yaml")
	assert.ErrorContains(t, err, "fetch.concurrency")

	out, err = run(t, fsys, "config", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "error_policy: halt")
}

func TestGlobalConfigFlag(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/bad.yaml", []byte("log:\n  format: xml\n"), 0o644))

	_, err := run(t, fsys, "--config", "/bad.yaml", "version")
	assert.ErrorContains(t, err, "log format")

	_, err = run(t, fsys, "--log-level", "loud", "version")
	assert.Error(t, err)
}
