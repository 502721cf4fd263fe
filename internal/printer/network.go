package printer

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const DefaultNetworkPort = 9100

// ESC/POS real-time status requests (DLE EOT n).
var (
	statusPrinter = []byte{0x10, 0x04, 0x01}
	statusOffline = []byte{0x10, 0x04, 0x02}
)

const (
	statusFixedMask  = 0x93
	statusFixedBits  = 0x12
	statusOfflineBit = 0x08
)

var offlineCauses = []struct {
	bit    byte
	reason string
}{
	{0x04, "cover open"},
	{0x08, "paper being fed by feed button"},
	{0x20, "paper end"},
	{0x40, "error occurred"},
}

// Network talks raw TCP to a printer port, 9100 by default.
type Network struct {
	host          string
	port          int
	probeTimeout  time.Duration
	confirmStatus bool
	dialer        net.Dialer
}

func NewNetwork(host string, port int, probeTimeout time.Duration, confirmStatus bool) *Network {
	if port == 0 {
		port = DefaultNetworkPort
	}
	return &Network{
		host:          host,
		port:          port,
		probeTimeout:  probeTimeout,
		confirmStatus: confirmStatus,
	}
}

func (n *Network) Kind() Kind { return KindNetwork }

func (n *Network) Address() string {
	return net.JoinHostPort(n.host, strconv.Itoa(n.port))
}

func (n *Network) connect(ctx context.Context, op string) (net.Conn, error) {
	conn, err := n.dialer.DialContext(ctx, "tcp", n.Address())
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, op, err)
		}
		return nil, newError(KindNotConnected, op, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// Probe checks the printer port accepts connections.
func (n *Network) Probe(ctx context.Context) error {
	ctx, cancel := probeContext(ctx, n.probeTimeout)
	defer cancel()

	conn, err := n.connect(ctx, "probe")
	if err != nil {
		return err
	}
	defer conn.Close()

	if n.confirmStatus {
		return n.checkStatus(conn, "probe")
	}
	return nil
}

// Send writes the payload over a fresh connection. With status confirmation
// enabled the printer must report itself online before and after the write.
func (n *Network) Send(ctx context.Context, payload []byte) error {
	conn, err := n.connect(ctx, "send")
	if err != nil {
		return err
	}
	defer conn.Close()

	if n.confirmStatus {
		if err := n.checkStatus(conn, "send"); err != nil {
			return err
		}
	}

	if _, err := conn.Write(payload); err != nil {
		return classify("send", err)
	}

	if n.confirmStatus {
		return n.checkStatus(conn, "send")
	}
	return nil
}

func (n *Network) Close() error { return nil }

func (n *Network) checkStatus(conn net.Conn, op string) error {
	b, err := queryStatus(conn, statusPrinter)
	if err != nil {
		return classify(op, err)
	}
	if b&statusFixedMask != statusFixedBits {
		return newError(KindIO, op, fmt.Errorf("invalid status response %#02x", b))
	}
	if b&statusOfflineBit == 0 {
		return nil
	}

	cause, err := queryStatus(conn, statusOffline)
	if err != nil {
		return newError(KindBusy, op, fmt.Errorf("printer offline"))
	}
	return newError(KindBusy, op, fmt.Errorf("printer offline: %s", offlineReason(cause)))
}

func queryStatus(rw io.ReadWriter, request []byte) (byte, error) {
	if _, err := rw.Write(request); err != nil {
		return 0, err
	}
	resp := make([]byte, 1)
	if _, err := io.ReadFull(rw, resp); err != nil {
		return 0, err
	}
	return resp[0], nil
}

func offlineReason(b byte) string {
	for _, c := range offlineCauses {
		if b&c.bit != 0 {
			return c.reason
		}
	}
	return "unknown"
}
