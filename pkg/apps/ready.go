package apps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

const (
	ReadyName = "PSS"

	// PostStartScriptKey is the cluster bucket key holding the script
	PostStartScriptKey = "post_start_script"
)

// ReadyService runs once every other service is up. It runs the optional
// post-start script and then declares the cluster ready.
type ReadyService struct {
	*service.Base
	d Deps
}

// NewReady creates the deferred all-services-ready service
func NewReady(d Deps, _ Options) service.Service {
	return &ReadyService{
		Base: service.NewBase(ReadyName, types.ServiceTypeOneShot, types.RoleAllReady),
		d:    d,
	}
}

// Add runs the post-start work if every other service is running or
// completed. Otherwise the service goes back to UNSTARTED so a later tick
// picks it up again.
func (r *ReadyService) Add(ctx context.Context) bool {
	if r.State() == types.ServiceStateCompleted || r.d.Cluster.ClusterType() == "" {
		return false
	}
	r.SetState(types.ServiceStateStarting)

	if waiting := r.waitingOn(); waiting != "" {
		r.Logger().Debug().Str("waiting_on", waiting).Msg("prerequisites not met")
		r.SetState(types.ServiceStateUnstarted)
		return false
	}

	r.SetState(types.ServiceStateRunning)
	r.runScript(ctx)
	r.SetState(types.ServiceStateCompleted)
	r.d.Cluster.SetStatus(types.ClusterReady)
	r.Logger().Info().Msg("all cluster services started, cluster is ready")
	return true
}

func (r *ReadyService) waitingOn() string {
	var webapp service.Service
	for _, svc := range r.d.Cluster.Services() {
		if svc.Name() == r.Name() {
			continue
		}
		st := svc.State()
		if st != types.ServiceStateRunning && st != types.ServiceStateCompleted {
			return svc.Name()
		}
		if svc.HasRole(types.RoleWebApp) {
			webapp = svc
		}
	}
	if r.d.Cluster.ClusterType() == types.ClusterTypeFull && webapp == nil {
		return string(types.RoleWebApp)
	}
	return ""
}

func (r *ReadyService) runScript(ctx context.Context) {
	fromURL := r.d.PostStartScriptURL != ""
	var (
		script []byte
		err    error
	)
	if fromURL {
		script, err = r.fetch(ctx)
	} else {
		script, err = r.fromBucket()
	}
	if err != nil {
		r.Logger().Error().Err(err).Msg("failed to obtain post-start script")
		return
	}
	if len(script) == 0 {
		r.Logger().Debug().Msg("no post-start script, continuing without it")
		return
	}

	path := filepath.Join(r.d.HomeDir, PostStartScriptKey)
	if err := os.WriteFile(path, script, 0755); err != nil {
		r.Logger().Error().Err(err).Str("path", path).Msg("failed to write post-start script")
		return
	}
	r.Logger().Info().Str("path", path).Msg("running post-start script")
	if _, err := r.d.Runner.Run(ctx, path); err != nil {
		r.Logger().Error().Err(err).Msg("post-start script failed")
	}
	if fromURL {
		r.saveToBucket(script)
	}
}

func (r *ReadyService) fetch(ctx context.Context) ([]byte, error) {
	client := r.d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.d.PostStartScriptURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", r.d.PostStartScriptURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", r.d.PostStartScriptURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (r *ReadyService) fromBucket() ([]byte, error) {
	if r.d.Store == nil || r.d.Bucket == "" {
		return nil, nil
	}
	r.lock()
	defer r.unlock()
	data, err := r.d.Store.Get(r.d.Bucket, PostStartScriptKey)
	if errors.Is(err, storage.ErrNoSuchKey) || errors.Is(err, storage.ErrNoSuchBucket) {
		return nil, nil
	}
	return data, err
}

// saveToBucket stores a downloaded script unless the bucket already holds
// the same one
func (r *ReadyService) saveToBucket(script []byte) {
	if r.d.Store == nil || r.d.Bucket == "" {
		return
	}
	r.lock()
	defer r.unlock()
	if cur, err := r.d.Store.Get(r.d.Bucket, PostStartScriptKey); err == nil && bytes.Equal(cur, script) {
		return
	}
	if err := r.d.Store.Put(r.d.Bucket, PostStartScriptKey, script); err != nil {
		r.Logger().Error().Err(err).Str("bucket", r.d.Bucket).Msg("failed to save post-start script")
	}
}

func (r *ReadyService) lock() {
	if r.d.StoreLock != nil {
		r.d.StoreLock.Lock()
	}
}

func (r *ReadyService) unlock() {
	if r.d.StoreLock != nil {
		r.d.StoreLock.Unlock()
	}
}

func (r *ReadyService) Remove(ctx context.Context) {
	if r.State() != types.ServiceStateCompleted {
		r.SetState(types.ServiceStateShutDown)
	}
}

func (r *ReadyService) Status(ctx context.Context) {}

var _ service.Service = (*ReadyService)(nil)
