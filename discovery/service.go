// Package discovery makes node presence and replication lag observable over
// the local network without a directory service. It is strictly a liveness
// hint: replication correctness does not depend on any datagram arriving.
package discovery

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/kegdisplay/tapsync/node"
	"github.com/kegdisplay/tapsync/utils/log"
)

const maxDatagramSize = 4096

// Handler consumes announcements received from peers. The sync coordinator
// implements it; it owns the peer table.
type Handler interface {
	OnAnnouncement(a Announcement, srcAddr string)
}

// WatermarkSource supplies the per-origin applied watermark summary included
// in every announcement.
type WatermarkSource interface {
	AppliedWatermarks() (map[string]uint64, error)
}

// Service broadcasts this node's announcements and listens for the peers'.
type Service struct {
	nodeID    string
	role      node.Role
	port      int
	syncPort  int
	interval  time.Duration
	marks     WatermarkSource
	handler   Handler
	announceC chan Kind

	recvConn *net.UDPConn
	sendConn *net.UDPConn
	dst      *net.UDPAddr
}

// NewService builds the discovery service. Run must be called to start it.
func NewService(nodeID string, role node.Role, broadcastPort, syncPort int,
	interval time.Duration, marks WatermarkSource, handler Handler,
) *Service {
	return &Service{
		nodeID:    nodeID,
		role:      role,
		port:      broadcastPort,
		syncPort:  syncPort,
		interval:  interval,
		marks:     marks,
		handler:   handler,
		announceC: make(chan Kind, 16),
	}
}

// Run opens the sockets and starts the sender and receiver loops. It blocks
// until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	recvConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.port})
	if err != nil {
		return errors.Wrapf(err, "failed to bind broadcast port %d", s.port)
	}
	s.recvConn = recvConn

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		_ = recvConn.Close()
		return errors.Wrap(err, "failed to open broadcast send socket")
	}
	if err := setBroadcast(sendConn); err != nil {
		_ = recvConn.Close()
		_ = sendConn.Close()
		return err
	}
	s.sendConn = sendConn
	s.dst = &net.UDPAddr{IP: net.IPv4bcast, Port: s.port}

	go s.receiveLoop(ctx)
	s.sendLoop(ctx)

	_ = recvConn.Close()
	_ = sendConn.Close()
	return nil
}

// Announce queues an immediate announcement of the given kind, typically
// KindUpdate right after a local commit.
func (s *Service) Announce(kind Kind) {
	select {
	case s.announceC <- kind:
	default:
		// A full queue means announcements are already pending; the
		// heartbeat will carry the same watermarks shortly.
	}
}

func (s *Service) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.broadcast(KindHeartbeat)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown discovery sender")
			return
		case kind := <-s.announceC:
			s.broadcast(kind)
		case <-ticker.C:
			s.broadcast(KindHeartbeat)
		}
	}
}

func (s *Service) broadcast(kind Kind) {
	marks, err := s.marks.AppliedWatermarks()
	if err != nil {
		log.Error("discovery: failed to read watermarks: %v", err)
		return
	}
	a := Announcement{
		Proto:      ProtoVersion,
		Kind:       kind,
		NodeID:     s.nodeID,
		Role:       s.role,
		SyncPort:   s.syncPort,
		Watermarks: marks,
	}
	data, err := a.Encode()
	if err != nil {
		log.Error("discovery: %v", err)
		return
	}
	if _, err := s.sendConn.WriteToUDP(data, s.dst); err != nil {
		// Transient; the next heartbeat retries.
		log.Warn("discovery: broadcast send failed: %v", err)
	}
}

func (s *Service) receiveLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := s.recvConn.SetReadDeadline(time.Now().Add(s.interval)); err != nil {
			log.Error("discovery: failed to set read deadline: %v", err)
			return
		}
		n, src, err := s.recvConn.ReadFromUDP(buf)
		if ctx.Err() != nil {
			log.Info("shutdown discovery receiver")
			return
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			log.Warn("discovery: receive failed: %v", err)
			continue
		}
		s.handleDatagram(buf[:n], src)
	}
}

func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	a, err := DecodeAnnouncement(data)
	if err != nil {
		log.Debug("discovery: dropping datagram from %s: %v", src, err)
		return
	}
	if a.NodeID == s.nodeID {
		// Our own broadcast looped back.
		return
	}
	syncAddr := net.JoinHostPort(src.IP.String(), strconv.Itoa(a.SyncPort))
	s.handler.OnAnnouncement(a, syncAddr)
}

// setBroadcast enables SO_BROADCAST on the send socket; sending to
// 255.255.255.255 fails with EACCES otherwise.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "failed to access raw broadcast socket")
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return errors.Wrap(err, "failed to control broadcast socket")
	}
	return errors.Wrap(sockErr, "failed to enable SO_BROADCAST")
}
