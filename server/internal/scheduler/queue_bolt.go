// queue_bolt.go - Stillpost scheduler disk backed queue.
// Copyright (C) 2025  Stillpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package scheduler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/sphinx/commands"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

const (
	boltQueueFile = "scheduler_queue.db"

	boltKeySize   = 8 + 8
	boltTimesSize = 8 + 8 + 8

	boltPacketsBucket = "packets"
	boltRawKey        = "raw"
	boltPayloadKey    = "payload"
	boltCommandsKey   = "commands"
	boltTimesKey      = "times"
)

var (
	errNotForward     = errors.New("packet is not forward")
	errMalformedTimes = errors.New("packet has malformed timestamp vector")
)

// boltKey builds the bucket key `prio || id`. The packet ID breaks the
// tie when two packets land on the same release instant.
func boltKey(prio time.Time, id uint64) []byte {
	k := make([]byte, 0, boltKeySize)
	k = binary.BigEndian.AppendUint64(k, uint64(prio.UnixNano()))
	return binary.BigEndian.AppendUint64(k, id)
}

// encodeTimes packs the packet's timing fields for storage.
func encodeTimes(pkt *packet.Packet) []byte {
	b := make([]byte, 0, boltTimesSize)
	b = binary.BigEndian.AppendUint64(b, uint64(pkt.Delay))
	b = binary.BigEndian.AppendUint64(b, uint64(pkt.RecvAt.UnixNano()))
	return binary.BigEndian.AppendUint64(b, uint64(pkt.DispatchAt.UnixNano()))
}

func decodeTimes(pkt *packet.Packet, b []byte) error {
	if len(b) != boltTimesSize {
		return errMalformedTimes
	}
	pkt.Delay = time.Duration(binary.BigEndian.Uint64(b[0:8]))
	pkt.RecvAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[8:16])))
	pkt.DispatchAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[16:24])))
	return nil
}

// decodeRoutingCommands walks a serialized command vector until the
// terminator or the end of the buffer.
func decodeRoutingCommands(b []byte, geom *geo.Geometry) ([]commands.RoutingCommand, error) {
	var cmds []commands.RoutingCommand
	for len(b) > 0 {
		cmd, rest, err := commands.FromBytes(b, geom)
		if err != nil {
			return nil, err
		}
		if cmd == nil {
			break
		}
		cmds = append(cmds, cmd)
		b = rest
	}
	return cmds, nil
}

type boltQueue struct {
	glue glue.Glue
	log  *logging.Logger
	db   *bolt.DB

	headPkt  *packet.Packet
	headPrio time.Time

	dbCount uint64
}

// persist writes one packet under a fresh sub-bucket of root. The packet
// buffers are pooled and the caller disposes of the packet before the
// transaction commits, so detached copies go into the store.
func (q *boltQueue) persist(root *bolt.Bucket, pkt *packet.Packet, prio time.Time) error {
	// Only forward packets belong in the mix queue.
	if !pkt.IsForward() {
		return errNotForward
	}

	bkt, err := root.CreateBucket(boltKey(prio, pkt.ID))
	if err != nil {
		return err
	}

	cmdBuf := make([]byte, 0, pkt.Geometry.NextNodeHopLength)
	cmdBuf = pkt.NextNodeHop.ToBytes(cmdBuf)
	cmdBuf = pkt.NodeDelay.ToBytes(cmdBuf)

	rec := map[string][]byte{
		boltRawKey:      bytes.Clone(pkt.Raw),
		boltCommandsKey: cmdBuf,
		boltTimesKey:    encodeTimes(pkt),
	}
	if pkt.Payload != nil {
		rec[boltPayloadKey] = bytes.Clone(pkt.Payload)
	}
	for name, blob := range rec {
		if err = bkt.Put([]byte(name), blob); err != nil {
			return err
		}
	}
	return nil
}

// restore rebuilds the packet stored under key.
func (q *boltQueue) restore(root *bolt.Bucket, key []byte) (*packet.Packet, error) {
	bkt := root.Bucket(key)
	if bkt == nil {
		panic("BUG: packet does not exist")
	}

	geom := q.glue.Config().SphinxGeometry
	pkt, err := packet.NewWithID(bkt.Get([]byte(boltRawKey)), binary.BigEndian.Uint64(key[8:]), geom)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			pkt.Dispose()
		}
	}()

	cmds, err := decodeRoutingCommands(bkt.Get([]byte(boltCommandsKey)), geom)
	if err != nil {
		return nil, err
	}
	if err = pkt.Set(bytes.Clone(bkt.Get([]byte(boltPayloadKey))), cmds); err != nil {
		return nil, err
	}
	if err = decodeTimes(pkt, bkt.Get([]byte(boltTimesKey))); err != nil {
		return nil, err
	}
	if !pkt.IsForward() {
		return nil, errNotForward
	}

	ok = true
	return pkt, nil
}

// tryRestore deserializes the entry at key, dropping it instead when its
// release deadline already passed or the stored form fails to parse.
func (q *boltQueue) tryRestore(root *bolt.Bucket, key []byte, now, prio time.Time) *packet.Packet {
	id := binary.BigEndian.Uint64(key[8:])
	slack := time.Duration(q.glue.Config().Debug.SchedulerSlack) * time.Millisecond

	if deltaT := now.Sub(prio); deltaT > slack {
		q.log.Debugf("Dropping packet: %v (Deadline blown by %v)", id, deltaT)
		instrument.DeadlineBlownPacketsDropped()
		instrument.MixPacketsDropped()
		instrument.PacketsDropped()
		return nil
	}

	pkt, err := q.restore(root, key)
	if err != nil {
		q.log.Debugf("Dropping packet: %v (s11n failure: %v)", id, err)
		instrument.InvalidPacketsDropped()
		instrument.MixPacketsDropped()
		instrument.PacketsDropped()
		return nil
	}
	return pkt
}

func (q *boltQueue) Halt() {
	if q.db == nil {
		return
	}
	f := q.db.Path()
	q.db.Close()
	os.Remove(f)
	q.db = nil
}

func (q *boltQueue) Peek() (time.Time, *packet.Packet) {
	return q.headPrio, q.headPkt
}

func (q *boltQueue) Pop() {
	if q.headPkt == nil {
		panic("BUG: Pop() called on empty queue")
	}
	q.headPkt = nil
	q.headPrio = time.Time{}
	if q.dbCount == 0 {
		return
	}

	now := time.Now()

	// Scan forward through the store until a still viable packet turns
	// up. Everything visited on the way out is deleted, promoted, blown
	// and corrupt entries alike.
	var visited uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(boltPacketsBucket))
		c := root.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v != nil {
				// Only sub-buckets live at this level.
				continue
			}
			if len(k) != boltKeySize {
				panic("BUG: serialized packet has invalid key")
			}

			prio := time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
			pkt := q.tryRestore(root, k, now, prio)

			if err := root.DeleteBucket(k); err != nil {
				return err
			}
			visited++

			if pkt != nil {
				q.headPkt = pkt
				q.headPrio = prio
				break
			}
		}
		return nil
	})
	if err != nil {
		q.log.Errorf("Pop(): Transaction failed: %v", err)
		panic("scheduler: bolt queue Pop failed")
	}
	q.dbCount -= visited
	q.log.Debugf("Pop(): %d queued (visited %d, took %v)", q.dbCount, visited, time.Since(now))
}

// persistOrPromote routes one packet either into the head slot or the
// store, keeping the head as the earliest release. Reports whether the
// store grew.
func (q *boltQueue) persistOrPromote(root *bolt.Bucket, pkt *packet.Packet, now time.Time) bool {
	prio := now.Add(pkt.Delay)

	if q.headPkt == nil {
		q.headPkt = pkt
		q.headPrio = prio
		return false
	}

	// A new earliest release displaces the old head into the store.
	if prio.Before(q.headPrio) {
		pkt, q.headPkt = q.headPkt, pkt
		prio, q.headPrio = q.headPrio, prio
	}

	defer pkt.Dispose()
	if err := q.persist(root, pkt, prio); err != nil {
		q.log.Warningf("Failed to enqueue packet: %v (%v)", pkt.ID, err)
		instrument.QueueFullPacketsDropped()
		instrument.MixPacketsDropped()
		instrument.PacketsDropped()
		return false
	}
	return true
}

func (q *boltQueue) BulkEnqueue(batch []*packet.Packet) {
	start := time.Now()

	// A single packet entering an idle queue never touches the db.
	if len(batch) == 1 && q.dbCount == 0 && q.headPkt == nil {
		q.headPkt = batch[0]
		q.headPrio = start.Add(batch[0].Delay)
		q.log.Debugf("BulkEnqueue(): bypassed db for a lone packet")
		return
	}

	var added uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(boltPacketsBucket))
		for _, pkt := range batch {
			if q.persistOrPromote(root, pkt, start) {
				added++
			}
		}
		return nil
	})
	if err != nil {
		q.log.Errorf("BulkEnqueue(): Transaction failed: %v", err)
		return
	}
	q.dbCount += added
	q.log.Debugf("BulkEnqueue(): %d queued (added %d, took %v)", q.dbCount, added, time.Since(start))
}

func newBoltQueue(glue glue.Glue) (queueImpl, error) {
	q := &boltQueue{
		glue: glue,
		log:  glue.LogBackend().GetLogger("scheduler/bolt"),
	}

	// Leftovers from a previous run hold dead traffic, remove them.
	f := filepath.Join(glue.Config().Server.DataDir, boltQueueFile)
	switch _, err := os.Lstat(f); {
	case err == nil:
		if err = os.Remove(f); err != nil {
			return nil, fmt.Errorf("scheduler/bolt: failed to remove old db: %v", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("scheduler/bolt: failed to stat() db: %v", err)
	}

	// The database holds in-flight packets only and is recreated on
	// every startup, so nothing in it needs to survive a crash.
	db, err := bolt.Open(f, 0600, &bolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, err
	}
	q.db = db

	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltPacketsBucket))
		return err
	}); err != nil {
		q.Halt()
		return nil, err
	}

	return q, nil
}
