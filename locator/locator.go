// Package locator places shuffle partitions on workers with a consistent hash
// ring, so every client resolves a partition to the same worker.
package locator

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash"
	"github.com/mulgadc/shufflefetch/config"
	"github.com/mulgadc/shufflefetch/partition"
)

var ErrNoWorkers = errors.New("no workers configured")

// hasher implements consistent.Hasher using xxhash
type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// member implements consistent.Member
type member string

func (m member) String() string {
	return string(m)
}

func memberName(id int) member {
	return member("worker-" + strconv.Itoa(id))
}

// Locator maps partitions to configured workers.
type Locator struct {
	ring    *consistent.Consistent
	workers map[member]config.WorkerNode
}

// New builds the ring over workers. Worker ids must be unique.
func New(workers []config.WorkerNode, rc config.RingConfig) (*Locator, error) {
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}

	if rc.PartitionCount <= 0 {
		rc.PartitionCount = 271
	}
	if rc.ReplicationFactor <= 0 {
		rc.ReplicationFactor = 20
	}
	if rc.Load <= 0 {
		rc.Load = 1.25
	}

	l := &Locator{workers: make(map[member]config.WorkerNode, len(workers))}
	members := make([]consistent.Member, 0, len(workers))
	for _, w := range workers {
		m := memberName(w.ID)
		if _, dup := l.workers[m]; dup {
			return nil, fmt.Errorf("duplicate worker id %d", w.ID)
		}
		if w.Host == "" || w.FetchPort <= 0 {
			return nil, fmt.Errorf("worker %d: host and fetch_port are required", w.ID)
		}
		l.workers[m] = w
		members = append(members, m)
	}

	l.ring = consistent.New(members, consistent.Config{
		PartitionCount:    rc.PartitionCount,
		ReplicationFactor: rc.ReplicationFactor,
		Load:              rc.Load,
		Hasher:            hasher{},
	})
	return l, nil
}

// FromConfig builds a Locator from the [[workers]] and [ring] sections.
func FromConfig(cfg *config.Config) (*Locator, error) {
	return New(cfg.Workers, cfg.Ring)
}

func partitionKey(shuffleKey string, partitionID int) []byte {
	return []byte(shuffleKey + "/" + strconv.Itoa(partitionID))
}

// Locate returns where partition partitionID of shuffleKey is stored for the
// given attempt epoch.
func (l *Locator) Locate(shuffleKey string, partitionID, epoch int) partition.Location {
	w := l.workers[l.ring.LocateKey(partitionKey(shuffleKey, partitionID)).(member)]
	return partition.Location{
		ID:        partitionID,
		Epoch:     epoch,
		Host:      w.Host,
		FetchPort: w.FetchPort,
		FileName:  partition.FileNameFor(partitionID, epoch),
	}
}

// Worker returns the worker owning partitionID of shuffleKey.
func (l *Locator) Worker(shuffleKey string, partitionID int) config.WorkerNode {
	return l.workers[l.ring.LocateKey(partitionKey(shuffleKey, partitionID)).(member)]
}

// Workers returns the number of workers on the ring.
func (l *Locator) Workers() int {
	return len(l.workers)
}
