package instance

import (
	"context"
	"time"

	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/types"
)

// HandleMessage applies one inbound worker message. Any message counts as a
// heartbeat.
func (i *Instance) HandleMessage(ctx context.Context, m comm.Message) {
	i.mu.Lock()
	i.alive = true
	i.lastComm = time.Now()
	i.mu.Unlock()

	l := i.logger()
	switch msg := m.(type) {
	case comm.Alive:
		i.mu.Lock()
		i.softwareState = types.SoftwareStarting
		i.privateIP = msg.PrivateIP
		i.publicIP = msg.PublicIP
		i.zone = msg.Zone
		i.instanceType = msg.InstanceType
		i.imageID = msg.ImageID
		i.hostname = msg.Hostname
		i.mu.Unlock()
		l.Info().Str("private_ip", msg.PrivateIP).Str("hostname", msg.Hostname).Msg("instance reported alive")
		i.SendMountPoints()

	case comm.GetMountPoints:
		i.SendMountPoints()

	case comm.MountDone:
		i.SendMasterPubKey()
		i.deps.Cluster.RegisterHost(i)

	case comm.WorkerHostCert:
		if err := i.deps.Cluster.SaveHostCert(msg.Cert); err != nil {
			l.Error().Err(err).Msg("failed to save worker host certificate")
			return
		}
		if err := i.deps.Cluster.AddExecHost(ctx, i); err != nil {
			l.Error().Err(err).Msg("failed to add worker to scheduler, not starting its daemon")
			return
		}
		i.SendStartScheduler()
		for _, b := range i.deps.Cluster.BucketFilesystems() {
			i.SendAddBucketFS(b)
		}
		l.Info().Msg("waiting on worker to configure itself")

	case comm.NodeReady:
		i.mu.Lock()
		i.ready = true
		i.softwareState = types.SoftwareReady
		if msg.CPUs > 0 {
			i.cpus = msg.CPUs
		}
		i.mu.Unlock()
		l.Info().Int("cpus", msg.CPUs).Msg("instance ready")
		// some providers refuse tags until the instance is fully running
		i.Tag(ctx)
		i.deps.Cluster.WorkerReady(ctx, i)

	case comm.NodeStatus:
		i.mu.Lock()
		i.nodeStatus = msg
		i.softwareState = types.ParseSoftwareState(msg.Status)
		i.mu.Unlock()

	case comm.NodeShuttingDown:
		i.mu.Lock()
		i.softwareState = types.ParseSoftwareState(msg.Status)
		i.mu.Unlock()
		l.Info().Str("status", msg.Status).Msg("instance shutting down")

	default:
		l.Debug().Str("type", string(m.Type())).Msg("ignoring message")
	}
}

// TransientMounted reports whether the worker last said the master's
// transient share is mounted
func (i *Instance) TransientMounted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.nodeStatus.TransientNFS == "1"
}

func (i *Instance) send(m comm.Message) bool {
	key := i.Key()
	if err := i.deps.Channel.Send(comm.Encode(m), key); err != nil {
		i.logger().Error().Err(err).Str("type", string(m.Type())).Msg("failed to send message")
		return false
	}
	i.logger().Debug().Str("type", string(m.Type())).Msg("sent message")
	return true
}

func (i *Instance) SendAliveRequest() bool { return i.send(comm.AliveRequest{}) }
func (i *Instance) SendStatusCheck() bool  { return i.send(comm.StatusCheck{}) }

// SendMountPoints sends the full list of shared filesystems
func (i *Instance) SendMountPoints() bool {
	return i.send(comm.Mount{MountPoints: i.deps.Cluster.MountPoints()})
}

func (i *Instance) SendMasterPubKey() bool {
	return i.send(comm.MasterPubKey{Key: i.deps.Cluster.MasterPublicKey()})
}

func (i *Instance) SendStartScheduler() bool { return i.send(comm.StartScheduler{}) }

func (i *Instance) SendAddBucketFS(b comm.AddBucketFS) bool { return i.send(b) }

// SendSyncEtcHosts asks the worker to copy the hosts file from path. The
// file travels over the transient share, so nothing is sent until the
// worker reports that share mounted.
func (i *Instance) SendSyncEtcHosts(path string) bool {
	if !i.TransientMounted() {
		i.logger().Debug().Msg("transient share not mounted on worker, skipping hosts sync")
		return false
	}
	return i.send(comm.SyncEtcHosts{Path: path})
}

func (i *Instance) SendRestart(masterIP string) bool {
	return i.send(comm.Restart{MasterIP: masterIP})
}
