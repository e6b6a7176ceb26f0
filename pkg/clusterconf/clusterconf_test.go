package clusterconf

import (
	"testing"

	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	return &Document{
		ClusterName:           "genomics",
		ClusterType:           types.ClusterTypeFull,
		Placement:             "us-east-1a",
		MachineImageID:        "ami-123",
		PersistentDataVersion: CurrentVersion,
		Tags:                  map[string]string{"owner": "lab"},
		Filesystems: []Filesystem{
			{Name: "galaxy", Roles: []string{"primary-data"}, MountPoint: "/mnt/galaxy", Kind: types.KindVolume, IDs: []string{"vol-1"}, Size: 10},
			{Name: "galaxyIndices", Roles: []string{"reference-data"}, MountPoint: "/mnt/galaxyIndices", Kind: types.KindSnapshot, IDs: []string{"snap-9"}},
			{Name: "1000g", Roles: []string{"generic-fs"}, MountPoint: "/mnt/1000g", Kind: types.KindBucket, IDs: []string{"1000genomes"}, AccessKey: "AK", SecretKey: "enc:xyz"},
		},
		Services: []Service{
			{Name: "Postgres", Roles: []string{"database"}},
			{Name: "Galaxy", Roles: []string{"webapp"}, Home: "/mnt/galaxy/galaxy-app"},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	doc := sampleDocument()

	data, err := doc.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "cluster_name: genomics")
	assert.Contains(t, string(data), "persistent_data_version: 3")

	loaded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, doc, loaded)
	assert.NoError(t, loaded.Validate())
}

func TestUnmarshalInvalid(t *testing.T) {
	_, err := Unmarshal([]byte("cluster_name: [unterminated"))
	assert.Error(t, err)
}

func TestFilesystemValidate(t *testing.T) {
	tests := []struct {
		name    string
		fs      Filesystem
		wantErr bool
	}{
		{name: "volume", fs: Filesystem{Name: "d", Kind: types.KindVolume, IDs: []string{"vol-1"}}},
		{name: "volume without ids", fs: Filesystem{Name: "d", Kind: types.KindVolume}, wantErr: true},
		{name: "nfs", fs: Filesystem{Name: "n", Kind: types.KindNFS, Server: "10.0.0.1:/export"}},
		{name: "gluster without server", fs: Filesystem{Name: "g", Kind: types.KindGluster}, wantErr: true},
		{name: "transient", fs: Filesystem{Name: "t", Kind: types.KindTransient}, wantErr: true},
		{name: "unknown kind", fs: Filesystem{Name: "x", Kind: "floppy", IDs: []string{"a"}}, wantErr: true},
		{name: "no name", fs: Filesystem{Kind: types.KindVolume, IDs: []string{"vol-1"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fs.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDocumentValidate(t *testing.T) {
	doc := sampleDocument()
	doc.ClusterName = ""
	doc.Services = append(doc.Services, Service{Name: "Galaxy", Roles: []string{"webapp"}}, Service{Name: "empty"})

	err := doc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster_name is required")
	assert.Contains(t, err.Error(), "duplicate name Galaxy")
	assert.Contains(t, err.Error(), "service empty has no roles")
}

func TestSharedView(t *testing.T) {
	doc := sampleDocument()

	shared := doc.SharedView([]types.ServiceRole{types.RoleReferenceData}, []string{"snap-new"})

	require.Len(t, shared.Filesystems, 1)
	assert.Equal(t, "galaxyIndices", shared.Filesystems[0].Name)
	assert.Equal(t, []string{"snap-new"}, shared.SharedDataSnaps)
	assert.Nil(t, shared.Tags)
	assert.Len(t, shared.Services, 2)

	// the source document is untouched
	assert.Len(t, doc.Filesystems, 3)
	assert.Equal(t, "AK", doc.Filesystems[2].AccessKey)
}
