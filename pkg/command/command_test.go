package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	_, err = ExecRunner{}.Run(context.Background(), "false")
	assert.Error(t, err)
}

func TestRecordingRunner(t *testing.T) {
	r := NewRecordingRunner()
	r.Respond("qconf -sel", Response{Output: "master\nw1\n"})
	r.Respond("exportfs -ra", Response{Err: errors.New("exports locked")})

	out, err := r.Run(context.Background(), "qconf", "-sel")
	require.NoError(t, err)
	assert.Equal(t, "master\nw1\n", out)

	_, err = r.Run(context.Background(), "exportfs", "-ra")
	assert.Error(t, err)

	_, err = r.Run(context.Background(), "mount", "/dev/sdg", "/mnt/data")
	assert.NoError(t, err)

	assert.Equal(t, []string{"qconf -sel", "exportfs -ra", "mount /dev/sdg /mnt/data"}, r.Commands())
	assert.True(t, r.Ran("mount /dev/sdg"))
	assert.False(t, r.Ran("umount"))
}
