package fat

import (
	"github.com/importantchoice/fishy/errs"
)

// ChainOf follows the cluster chain starting at start and returns every
// cluster in it, in order. It fails with ChainCorrupt if it encounters a
// Free or Bad cluster mid-chain, or if the chain is longer than the total
// number of clusters on the volume (cycle detection).
func (t *Table) ChainOf(start ClusterID) ([]ClusterID, error) {
	if !t.IsValidCluster(start) {
		return nil, errs.New(errs.ChainCorrupt, "cluster %d cannot start a chain: out of range", start)
	}

	chain := make([]ClusterID, 0, 8)
	current := start

	for {
		chain = append(chain, current)
		if uint(len(chain)) > t.boot.ClusterCount {
			return nil, errs.New(errs.ChainCorrupt, "chain from %d exceeds %d clusters: cycle suspected", start, t.boot.ClusterCount)
		}

		entry, err := t.Get(current)
		if err != nil {
			return nil, err
		}

		switch entry.Status {
		case EndOfChain:
			return chain, nil
		case Free:
			return nil, errs.New(errs.ChainCorrupt, "chain from %d hit free cluster %d", start, current)
		case Bad:
			return nil, errs.New(errs.ChainCorrupt, "chain from %d hit bad cluster %d", start, current)
		case Reserved:
			return nil, errs.New(errs.ChainCorrupt, "chain from %d hit reserved cluster %d", start, current)
		default: // Next
			current = entry.NextID
			if !t.IsValidCluster(current) {
				return nil, errs.New(errs.ChainCorrupt, "chain from %d points to invalid cluster %d", start, current)
			}
		}
	}
}

// TailCluster returns the last cluster in the chain starting at start.
func (t *Table) TailCluster(start ClusterID) (ClusterID, error) {
	chain, err := t.ChainOf(start)
	if err != nil {
		return 0, err
	}
	return chain[len(chain)-1], nil
}

// Extend appends k new clusters to the end of the chain starting at start,
// selecting free clusters by ascending cluster id (first-fit), and returns
// the newly allocated clusters in link order.
//
// On success the allocation table (in memory) reflects the extended chain;
// callers are responsible for calling Flush to persist it. On failure the
// table is left exactly as it was before the call.
func (t *Table) Extend(start ClusterID, k uint) ([]ClusterID, error) {
	if k == 0 {
		return nil, nil
	}

	tail, err := t.TailCluster(start)
	if err != nil {
		return nil, err
	}

	newClusters, err := t.AllocateFree(k)
	if err != nil {
		return nil, err
	}

	snapshot := t.Snapshot()

	if err := t.Set(tail, Entry{Status: Next, NextID: newClusters[0]}); err != nil {
		t.Restore(snapshot)
		return nil, errs.Wrap(errs.FatWriteFailed, err, "failed to link tail cluster %d", tail)
	}

	for i, cluster := range newClusters {
		var entry Entry
		if i == len(newClusters)-1 {
			entry = Entry{Status: EndOfChain}
		} else {
			entry = Entry{Status: Next, NextID: newClusters[i+1]}
		}
		if err := t.Set(cluster, entry); err != nil {
			t.Restore(snapshot)
			return nil, errs.Wrap(errs.FatWriteFailed, err, "failed to link new cluster %d", cluster)
		}
	}

	return newClusters, nil
}

// Truncate shortens the chain starting at start to the first `keep`
// clusters: the entry at position keep-1 becomes EndOfChain, and every
// cluster after it in the original chain is freed.
//
// keep must be >= 1; truncating a chain to zero clusters isn't supported
// here since fishy never needs to free a cover file's first cluster.
func (t *Table) Truncate(start ClusterID, keep uint) error {
	chain, err := t.ChainOf(start)
	if err != nil {
		return err
	}
	if keep == 0 || keep > uint(len(chain)) {
		return errs.New(errs.ChainCorrupt, "cannot keep %d clusters of a %d-cluster chain", keep, len(chain))
	}

	snapshot := t.Snapshot()

	if err := t.Set(chain[keep-1], Entry{Status: EndOfChain}); err != nil {
		t.Restore(snapshot)
		return errs.Wrap(errs.FatWriteFailed, err, "failed to truncate chain at cluster %d", chain[keep-1])
	}

	for _, cluster := range chain[keep:] {
		if err := t.Set(cluster, Entry{Status: Free}); err != nil {
			t.Restore(snapshot)
			return errs.Wrap(errs.FatWriteFailed, err, "failed to free cluster %d", cluster)
		}
	}

	return nil
}
