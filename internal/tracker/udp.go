package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	"github.com/WendelHime/btcore/internal/decoder"
	"github.com/WendelHime/btcore/internal/shared/models"
)

const (
	udpProtocolID  = 0x41727101980
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3

	connectRequestLength  = 16
	connectResponseLength = 16
	announceRequestLength = 98
	announceHeaderLength  = 20
	defaultNumWant        = 50
)

var ErrTransactionMismatch = errors.New("udp tracker: transaction id mismatch")

type UDPGetter struct {
	timeout time.Duration
}

func NewUDPGetter(timeout time.Duration) PeersGetter {
	return UDPGetter{timeout: timeout}
}

func (u UDPGetter) GetPeers(ctx context.Context, announce string, req Announce) (Response, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return Response{}, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", tracker.Host)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		return Response{}, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	transactionID := rand.Uint32()
	buf := make([]byte, connectRequestLength)
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], actionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)
	if _, err = conn.Write(buf); err != nil {
		return Response{}, err
	}

	resp, err := decoder.ReadBytes(conn, connectResponseLength)
	if err != nil {
		return Response{}, err
	}
	if err = checkHeader(resp, actionConnect, transactionID); err != nil {
		return Response{}, err
	}
	connectionID := binary.BigEndian.Uint64(resp[8:])

	numWant := req.NumWant
	if numWant <= 0 {
		numWant = defaultNumWant
	}
	transactionID = rand.Uint32()
	buf = make([]byte, announceRequestLength)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0)
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	if _, err = conn.Write(buf); err != nil {
		return Response{}, err
	}

	buf = make([]byte, announceHeaderLength+numWant*6)
	read, err := conn.Read(buf)
	if err != nil {
		return Response{}, err
	}
	buf = buf[:read]
	if err = checkHeader(buf, actionAnnounce, transactionID); err != nil {
		return Response{}, err
	}
	if len(buf) < announceHeaderLength {
		return Response{}, fmt.Errorf("%w: short announce response", ErrInvalidResponse)
	}

	interval := binary.BigEndian.Uint32(buf[8:12])
	addrs, err := models.ParseCompactPeers(buf[announceHeaderLength:])
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	peers := make([]models.Peer, 0, len(addrs))
	for _, addr := range addrs {
		peers = append(peers, models.Peer{Addr: addr})
	}
	return Response{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

// checkHeader validates the action and transaction id that open every
// tracker reply, surfacing the tracker's message for error replies.
func checkHeader(resp []byte, action, transactionID uint32) error {
	if len(resp) < 8 {
		return fmt.Errorf("%w: short response", ErrInvalidResponse)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return ErrTransactionMismatch
	}
	switch got := binary.BigEndian.Uint32(resp[:4]); got {
	case action:
		return nil
	case actionError:
		return fmt.Errorf("%w: %s", ErrTrackerFailure, resp[8:])
	default:
		return fmt.Errorf("%w: unexpected action %d", ErrInvalidResponse, got)
	}
}
