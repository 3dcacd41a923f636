// Package distributed implements the process group used for data-parallel
// training: a TCP rendezvous at a fixed address and a small set of bulk
// synchronous collectives (mean all-reduce and barrier).
//
// Rank 0 is the leader: it listens on the rendezvous address and runs the
// reduction, every other rank dials in. Reductions are summed by the leader
// in rank order and the result broadcast back, so all participants see the
// exact same bytes.
package distributed

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultAddr is the rendezvous address used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:12345"

// Config of a process group.
type Config struct {
	// Addr is the rendezvous TCP address ("host:port"). Defaults to
	// DefaultAddr.
	Addr string

	// World is the total number of workers, must be >= 1.
	World int

	// Timeout bounds the rendezvous: workers that cannot reach the full
	// group within it fail. Defaults to 1 minute.
	Timeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return cfg
}

// Group is one worker's handle on the process group. Its methods are bulk
// synchronous: every participating rank must call them in the same order.
// A Group must not be used concurrently from multiple goroutines.
type Group struct {
	cfg  Config
	rank int

	// Leader only.
	listener net.Listener
	peers    map[int]net.Conn

	// Followers only.
	conn net.Conn
}

// Join performs the rendezvous for the given rank and returns only when all
// World workers are connected. The leader (rank 0) listens on the rendezvous
// address, every other rank dials it, retrying until Config.Timeout, after
// which the whole run is considered failed (no retries of the run).
func Join(cfg Config, rank int) (*Group, error) {
	cfg = cfg.withDefaults()
	if cfg.World < 1 {
		return nil, errors.Errorf("distributed.Join: world size must be >= 1, got %d", cfg.World)
	}
	if rank < 0 || rank >= cfg.World {
		return nil, errors.Errorf("distributed.Join: rank %d out of range for world size %d", rank, cfg.World)
	}
	g := &Group{cfg: cfg, rank: rank}
	if cfg.World == 1 {
		return g, nil
	}
	if rank == 0 {
		if err := g.listenAndAccept(); err != nil {
			return nil, err
		}
	} else {
		if err := g.dialLeader(); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("rank %d joined process group of %d at %s", rank, cfg.World, cfg.Addr)
	return g, nil
}

// Rank of this worker within the group.
func (g *Group) Rank() int { return g.rank }

// Size of the group (the world size).
func (g *Group) Size() int { return g.cfg.World }

func (g *Group) listenAndAccept() error {
	listener, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "leader failed to listen on %q", g.cfg.Addr)
	}
	g.listener = listener
	deadline := time.Now().Add(g.cfg.Timeout)
	if tcp, ok := listener.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(deadline)
	}
	g.peers = make(map[int]net.Conn, g.cfg.World-1)
	for len(g.peers) < g.cfg.World-1 {
		conn, err := listener.Accept()
		if err != nil {
			g.Close()
			return errors.Wrapf(err, "rendezvous at %q timed out with %d of %d workers joined",
				g.cfg.Addr, len(g.peers)+1, g.cfg.World)
		}
		_ = conn.SetReadDeadline(deadline)
		var peerRank uint32
		if err := binary.Read(conn, binary.LittleEndian, &peerRank); err != nil {
			g.Close()
			return errors.Wrap(err, "reading peer rank during rendezvous")
		}
		if int(peerRank) <= 0 || int(peerRank) >= g.cfg.World {
			g.Close()
			return errors.Errorf("rendezvous got invalid peer rank %d for world size %d", peerRank, g.cfg.World)
		}
		if _, found := g.peers[int(peerRank)]; found {
			g.Close()
			return errors.Errorf("rendezvous got duplicate join for rank %d", peerRank)
		}
		_ = conn.SetReadDeadline(time.Time{})
		g.peers[int(peerRank)] = conn
	}
	// Join barrier: release the followers only once everyone is here.
	for _, conn := range g.peers {
		if err := binary.Write(conn, binary.LittleEndian, uint32(g.cfg.World)); err != nil {
			g.Close()
			return errors.Wrap(err, "acknowledging join")
		}
	}
	return nil
}

func (g *Group) dialLeader() error {
	deadline := time.Now().Add(g.cfg.Timeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", g.cfg.Addr, time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "rank %d could not reach the rendezvous leader at %q within %s",
				g.rank, g.cfg.Addr, g.cfg.Timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := binary.Write(conn, binary.LittleEndian, uint32(g.rank)); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "sending rank to the rendezvous leader")
	}
	_ = conn.SetReadDeadline(deadline)
	var world uint32
	if err := binary.Read(conn, binary.LittleEndian, &world); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "rank %d waiting for the group to assemble", g.rank)
	}
	if int(world) != g.cfg.World {
		_ = conn.Close()
		return errors.Errorf("rendezvous leader reports world size %d, expected %d", world, g.cfg.World)
	}
	_ = conn.SetReadDeadline(time.Time{})
	g.conn = conn
	return nil
}

// AllReduceMean averages `data` element-wise over the given participant
// ranks and returns the result, identical on every participant.
//
// Every rank in `participants` must call it with the same name and
// participant set; the leader (rank 0) must always be a participant. Rounds
// with fewer participants than the world size happen when workers own
// different numbers of batches of an epoch.
func (g *Group) AllReduceMean(name string, data []float32, participants []int) ([]float32, error) {
	if g.cfg.World == 1 {
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	}
	ranks := append([]int{}, participants...)
	sort.Ints(ranks)
	if len(ranks) == 0 || ranks[0] != 0 {
		return nil, errors.Errorf("AllReduceMean(%q): the leader (rank 0) must participate, got ranks %v", name, ranks)
	}

	if g.rank != 0 {
		if err := writeFrame(g.conn, frameReduce, name, data); err != nil {
			return nil, errors.Wrapf(err, "rank %d sending contribution for %q", g.rank, name)
		}
		kind, gotName, result, err := readFrame(g.conn)
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d waiting for reduction of %q", g.rank, name)
		}
		if kind != frameReduce || gotName != name || len(result) != len(data) {
			return nil, errors.Errorf("rank %d got out-of-order frame %q (kind %d, %d values) while reducing %q (%d values)",
				g.rank, gotName, kind, len(result), name, len(data))
		}
		return result, nil
	}

	// Leader: accumulate own data plus one contribution per participant, in
	// rank order so the result is bit-identical no matter the arrival order.
	sum := make([]float32, len(data))
	copy(sum, data)
	for _, rank := range ranks[1:] {
		conn, found := g.peers[rank]
		if !found {
			return nil, errors.Errorf("AllReduceMean(%q): unknown participant rank %d", name, rank)
		}
		kind, gotName, contribution, err := readFrame(conn)
		if err != nil {
			return nil, errors.Wrapf(err, "leader reading contribution of rank %d for %q", rank, name)
		}
		if kind != frameReduce || gotName != name || len(contribution) != len(data) {
			return nil, errors.Errorf("leader got out-of-order frame %q (kind %d, %d values) from rank %d while reducing %q (%d values)",
				gotName, kind, len(contribution), rank, name, len(data))
		}
		for ii, v := range contribution {
			sum[ii] += v
		}
	}
	scale := float32(1) / float32(len(ranks))
	for ii := range sum {
		sum[ii] *= scale
	}
	for _, rank := range ranks[1:] {
		if err := writeFrame(g.peers[rank], frameReduce, name, sum); err != nil {
			return nil, errors.Wrapf(err, "leader broadcasting reduction of %q to rank %d", name, rank)
		}
	}
	return sum, nil
}

// Barrier blocks until every rank of the group has reached it.
func (g *Group) Barrier() error {
	if g.cfg.World == 1 {
		return nil
	}
	if g.rank != 0 {
		if err := writeFrame(g.conn, frameBarrier, "barrier", nil); err != nil {
			return errors.Wrapf(err, "rank %d entering barrier", g.rank)
		}
		kind, _, _, err := readFrame(g.conn)
		if err != nil {
			return errors.Wrapf(err, "rank %d waiting on barrier", g.rank)
		}
		if kind != frameBarrier {
			return errors.Errorf("rank %d got frame kind %d while waiting on barrier", g.rank, kind)
		}
		return nil
	}
	for rank := 1; rank < g.cfg.World; rank++ {
		kind, _, _, err := readFrame(g.peers[rank])
		if err != nil {
			return errors.Wrapf(err, "leader waiting for rank %d on barrier", rank)
		}
		if kind != frameBarrier {
			return errors.Errorf("leader got frame kind %d from rank %d while waiting on barrier", kind, rank)
		}
	}
	for rank := 1; rank < g.cfg.World; rank++ {
		if err := writeFrame(g.peers[rank], frameBarrier, "barrier", nil); err != nil {
			return errors.Wrapf(err, "leader releasing rank %d from barrier", rank)
		}
	}
	return nil
}

// Close tears the group down. Safe to call more than once.
func (g *Group) Close() {
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
	for _, conn := range g.peers {
		_ = conn.Close()
	}
	g.peers = nil
	if g.listener != nil {
		_ = g.listener.Close()
		g.listener = nil
	}
}

// Wire format: a fixed header (kind, name length, value count) followed by
// the name bytes and the float32 payload, everything little-endian.
const (
	frameReduce  = byte(1)
	frameBarrier = byte(2)
)

type frameHeader struct {
	Kind      byte
	NameLen   uint16
	ValuesLen uint32
}

func writeFrame(conn net.Conn, kind byte, name string, values []float32) error {
	header := frameHeader{Kind: kind, NameLen: uint16(len(name)), ValuesLen: uint32(len(values))}
	if err := binary.Write(conn, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := conn.Write([]byte(name)); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	_, err := conn.Write(buf)
	return err
}

func readFrame(conn net.Conn) (kind byte, name string, values []float32, err error) {
	var header frameHeader
	if err = binary.Read(conn, binary.LittleEndian, &header); err != nil {
		return
	}
	nameBytes := make([]byte, header.NameLen)
	if _, err = io.ReadFull(conn, nameBytes); err != nil {
		return
	}
	kind, name = header.Kind, string(nameBytes)
	if header.ValuesLen == 0 {
		return
	}
	buf := make([]byte, 4*header.ValuesLen)
	if _, err = io.ReadFull(conn, buf); err != nil {
		return
	}
	values = make([]float32, header.ValuesLen)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
	}
	return
}
