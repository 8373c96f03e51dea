// Package etcdstore is the etcd-coordinated log store driver: a driver
// layer with its own durable state (an external locking table), using an
// etcd transaction's create-revision comparison as the conditional-put
// primitive over an arbitrary backing object store (so the driver works
// even against a store, like a plain rename-only NFS mount, that has no
// native conditional write of its own).
package etcdstore

import (
	"context"
	"fmt"

	"github.com/estuary/deltakeeper/logstore"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Driver coordinates commit-entry installation through etcd while storing
// the actual bytes in a backing ObjectStore.
type Driver struct {
	etcd    *clientv3.Client
	backing logstore.ObjectStore
	prefix  string
}

// New returns a Driver that records installed versions under prefix in
// etcd, storing their bytes in backing.
func New(etcd *clientv3.Client, backing logstore.ObjectStore, prefix string) *Driver {
	return &Driver{etcd: etcd, backing: backing, prefix: prefix}
}

func (d *Driver) Name() string                 { return "EtcdCoordinated" }
func (d *Driver) SupportsConditionalPut() bool { return true }

func (d *Driver) ObjectStore(opID *string) logstore.ObjectStore { return d.backing }

func (d *Driver) etcdKey(version int64) string {
	return fmt.Sprintf("%s/%s", d.prefix, logstore.LogPath(version))
}

func (d *Driver) GetLatestVersion(ctx context.Context, hint int64) (int64, error) {
	resp, err := d.etcd.Get(ctx, d.prefix+"/_delta_log/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return 0, fmt.Errorf("etcdstore: listing installed versions: %w", err)
	}
	latest := hint - 1
	for v := hint; ; v++ {
		key := d.etcdKey(v)
		found := false
		for _, kv := range resp.Kvs {
			if string(kv.Key) == key {
				found = true
				break
			}
		}
		if !found {
			break
		}
		latest = v
	}
	return latest, nil
}

func (d *Driver) WriteCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	data := payload.Bytes
	if !payload.IsBytes() {
		b, err := d.backing.Get(ctx, payload.Path)
		if err != nil {
			return fmt.Errorf("etcdstore: reading staged payload: %w", err)
		}
		data = b
	}

	path := logstore.LogPath(version)
	key := d.etcdKey(version)

	// Reserve the version in etcd first: the create-revision compare gives
	// us the conditional-put guarantee the backing store may lack.
	resp, err := d.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, path)).
		Commit()
	if err != nil {
		return fmt.Errorf("etcdstore: reserving version %d: %w", version, err)
	}
	if !resp.Succeeded {
		return logstore.ErrVersionAlreadyExists{Version: version}
	}

	if err := d.backing.Put(ctx, path, data, false); err != nil {
		// Best-effort: release the reservation so a future writer isn't
		// permanently blocked by a version whose bytes never landed.
		_, _ = d.etcd.Delete(ctx, key)
		return fmt.Errorf("etcdstore: writing version %d bytes: %w", version, err)
	}
	return nil
}

func (d *Driver) AbortCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	if payload.IsBytes() {
		return nil
	}
	if err := d.backing.Delete(ctx, payload.Path); err != nil {
		return fmt.Errorf("etcdstore: aborting staged payload %s: %w", payload.Path, err)
	}
	return nil
}

func (d *Driver) ReadCommitEntry(ctx context.Context, version int64) ([]byte, error) {
	return d.backing.Get(ctx, logstore.LogPath(version))
}
