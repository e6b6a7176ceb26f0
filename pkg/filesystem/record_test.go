package filesystem

import (
	"testing"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	env, _, _ := newTestEnv(t)

	tests := []struct {
		name string
		rec  clusterconf.Filesystem
	}{
		{
			name: "volume",
			rec: clusterconf.Filesystem{
				Name: "galaxyData", Roles: []string{"primary-data"}, MountPoint: "/mnt/galaxyData",
				Kind: types.KindVolume, IDs: []string{"vol-1"}, Size: 10,
			},
		},
		{
			name: "snapshot",
			rec: clusterconf.Filesystem{
				Name: "indices", Roles: []string{"reference-data"}, MountPoint: "/mnt/indices",
				Kind: types.KindSnapshot, IDs: []string{"snap-1"},
			},
		},
		{
			name: "bucket",
			rec: clusterconf.Filesystem{
				Name: "ref", Roles: []string{"generic-fs"}, MountPoint: "/mnt/ref",
				Kind: types.KindBucket, IDs: []string{"bucket-a"}, AccessKey: "AK", SecretKey: "enc:xyz",
			},
		},
		{
			name: "gluster",
			rec: clusterconf.Filesystem{
				Name: "gl", Roles: []string{"generic-fs"}, MountPoint: "/mnt/gl",
				Kind: types.KindGluster, Server: "gl:/vol", MountOptions: "ro",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := FromRecord(tt.rec, env)
			require.NoError(t, err)
			assert.Equal(t, tt.rec.Kind, fs.Kind())
			assert.Equal(t, tt.rec, fs.Record())
		})
	}
}

func TestFromRecordRejectsInvalid(t *testing.T) {
	env, _, _ := newTestEnv(t)
	for _, rec := range []clusterconf.Filesystem{
		{Name: "t", Kind: types.KindTransient},
		{Name: "v", Kind: types.KindVolume},
		{Name: "n", Kind: types.KindNFS},
		{Kind: types.KindVolume, IDs: []string{"vol-1"}},
	} {
		_, err := FromRecord(rec, env)
		assert.Error(t, err, rec.Name)
	}
}
