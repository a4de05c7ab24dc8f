package distributed

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tcpBackend runs a star topology: rank 0 listens at the master address and
// every other rank holds one connection to it. Collectives flow through
// rank 0, which is acceptable at the world sizes one machine hosts; all
// workers run in lockstep, so the protocol on each connection is strictly
// sequential.
type tcpBackend struct{}

func (b *tcpBackend) Name() string { return "tcp" }

const (
	opAllReduce uint8 = 1
	opBroadcast uint8 = 2
)

func (b *tcpBackend) Join(addr string, worldSize, rank int, timeout time.Duration) (ProcessGroup, error) {
	deadline := time.Now().Add(timeout)
	if rank == 0 {
		return joinAsRoot(addr, worldSize, deadline)
	}
	return joinAsPeer(addr, worldSize, rank, deadline)
}

// joinAsRoot listens and blocks until every peer has connected and
// identified itself, then releases them all.
func joinAsRoot(addr string, worldSize int, deadline time.Time) (ProcessGroup, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rank 0 failed to listen at %q", addr)
	}
	type tcpListenerWithDeadline interface{ SetDeadline(time.Time) error }
	if ld, ok := listener.(tcpListenerWithDeadline); ok {
		_ = ld.SetDeadline(deadline)
	}

	conns := make([]net.Conn, worldSize) // index by rank; 0 unused
	joined := 1
	for joined < worldSize {
		conn, err := listener.Accept()
		if err != nil {
			closeAll(conns)
			_ = listener.Close()
			return nil, errors.Wrapf(err, "rendezvous failed with %d of %d workers joined", joined, worldSize)
		}
		_ = conn.SetDeadline(deadline)
		var peerRank uint32
		if err = binary.Read(conn, binary.BigEndian, &peerRank); err != nil {
			closeAll(conns)
			_ = listener.Close()
			return nil, errors.Wrap(err, "failed reading join handshake")
		}
		if peerRank == 0 || int(peerRank) >= worldSize || conns[peerRank] != nil {
			closeAll(conns)
			_ = listener.Close()
			return nil, errors.Errorf("invalid or duplicate rank %d in join handshake", peerRank)
		}
		conns[peerRank] = conn
		joined++
	}
	// Everyone is in: release the peers from the rendezvous barrier.
	for rank := 1; rank < worldSize; rank++ {
		if err := binary.Write(conns[rank], binary.BigEndian, uint32(worldSize)); err != nil {
			closeAll(conns)
			_ = listener.Close()
			return nil, errors.Wrapf(err, "failed releasing rank %d from rendezvous", rank)
		}
		_ = conns[rank].SetDeadline(time.Time{})
	}
	klog.V(1).Infof("process group of %d workers established at %q", worldSize, addr)
	return &tcpGroup{rank: 0, worldSize: worldSize, peerConns: conns, listener: listener}, nil
}

// joinAsPeer dials rank 0, retrying until the listener is up, and blocks on
// the release message that signals that the whole group has joined.
func joinAsPeer(addr string, worldSize, rank int, deadline time.Time) (ProcessGroup, error) {
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", addr, time.Until(deadline))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "rank %d rendezvous timeout dialing %q", rank, addr)
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = conn.SetDeadline(deadline)
	if err = binary.Write(conn, binary.BigEndian, uint32(rank)); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed writing join handshake")
	}
	var announcedWorld uint32
	if err = binary.Read(conn, binary.BigEndian, &announcedWorld); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "rank %d rendezvous failed waiting for group to fill", rank)
	}
	if int(announcedWorld) != worldSize {
		_ = conn.Close()
		return nil, errors.Errorf("rank 0 announced world size %d, rank %d expects %d", announcedWorld, rank, worldSize)
	}
	_ = conn.SetDeadline(time.Time{})
	return &tcpGroup{rank: rank, worldSize: worldSize, rootConn: conn}, nil
}

func closeAll(conns []net.Conn) {
	for _, conn := range conns {
		if conn != nil {
			_ = conn.Close()
		}
	}
}

type tcpGroup struct {
	rank      int
	worldSize int

	// Rank 0 only: one connection per peer rank, plus the listener.
	peerConns []net.Conn
	listener  net.Listener

	// Other ranks: the connection to rank 0.
	rootConn net.Conn
}

func (g *tcpGroup) Rank() int { return g.rank }

func (g *tcpGroup) WorldSize() int { return g.worldSize }

// AllReduceSum implements ProcessGroup: peers send their vectors to rank 0,
// which sums them and sends the result back.
func (g *tcpGroup) AllReduceSum(values []float32) error {
	if g.rank != 0 {
		if err := writeFrame(g.rootConn, opAllReduce, values); err != nil {
			return errors.Wrapf(err, "rank %d failed sending all-reduce contribution", g.rank)
		}
		return errors.Wrapf(readFrameInto(g.rootConn, opAllReduce, values),
			"rank %d failed receiving all-reduce result", g.rank)
	}
	buf := make([]float32, len(values))
	for rank := 1; rank < g.worldSize; rank++ {
		if err := readFrameInto(g.peerConns[rank], opAllReduce, buf); err != nil {
			return errors.Wrapf(err, "failed receiving all-reduce contribution from rank %d", rank)
		}
		for i, v := range buf {
			values[i] += v
		}
	}
	for rank := 1; rank < g.worldSize; rank++ {
		if err := writeFrame(g.peerConns[rank], opAllReduce, values); err != nil {
			return errors.Wrapf(err, "failed sending all-reduce result to rank %d", rank)
		}
	}
	return nil
}

// Broadcast implements ProcessGroup: root's values travel through rank 0 to
// every other member.
func (g *tcpGroup) Broadcast(values []float32, root int) error {
	if root < 0 || root >= g.worldSize {
		return errors.Errorf("broadcast root %d out of range for world size %d", root, g.worldSize)
	}
	switch {
	case g.rank == 0:
		if root != 0 {
			if err := readFrameInto(g.peerConns[root], opBroadcast, values); err != nil {
				return errors.Wrapf(err, "failed receiving broadcast payload from root %d", root)
			}
		}
		for rank := 1; rank < g.worldSize; rank++ {
			if rank == root {
				continue
			}
			if err := writeFrame(g.peerConns[rank], opBroadcast, values); err != nil {
				return errors.Wrapf(err, "failed relaying broadcast to rank %d", rank)
			}
		}
		return nil
	case g.rank == root:
		return errors.Wrapf(writeFrame(g.rootConn, opBroadcast, values),
			"root %d failed sending broadcast payload", root)
	default:
		return errors.Wrapf(readFrameInto(g.rootConn, opBroadcast, values),
			"rank %d failed receiving broadcast", g.rank)
	}
}

func (g *tcpGroup) Close() error {
	if g.rank == 0 {
		closeAll(g.peerConns)
		return g.listener.Close()
	}
	return g.rootConn.Close()
}

// writeFrame sends one collective frame: opcode, value count, payload.
func writeFrame(w io.Writer, op uint8, values []float32) error {
	if err := binary.Write(w, binary.BigEndian, op); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(values))); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, values)
}

// readFrameInto reads one frame, checking opcode and length against the
// receive buffer.
func readFrameInto(r io.Reader, wantOp uint8, values []float32) error {
	var op uint8
	if err := binary.Read(r, binary.BigEndian, &op); err != nil {
		return err
	}
	if op != wantOp {
		return errors.Errorf("collective mismatch: expected opcode %d, peer sent %d", wantOp, op)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	if int(count) != len(values) {
		return errors.Errorf("collective length mismatch: expected %d values, peer sent %d", len(values), count)
	}
	return binary.Read(r, binary.BigEndian, values)
}
