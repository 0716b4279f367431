//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"machine"
	"time"

	"github.com/yezzfusl/triple-bootloader/config"
	"github.com/yezzfusl/triple-bootloader/credentials"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const netbootBufSize = 1024

// Pre-allocated connection buffers
var (
	netbootRxBuf [netbootBufSize]byte
	netbootTxBuf [netbootBufSize]byte
)

// netboot serves exactly one loader session over a TCP connection.
// The update protocol on the wire is identical to the serial one; the
// network is just another byte channel.
type netboot struct {
	cy    *cywnet.Stack
	stack *xnet.StackAsync
	conn  tcp.Conn
}

// startNetboot joins the configured network and brings the TCP stack
// up. The WiFi chip's own logging is squelched; only loader
// diagnostics reach the serial console.
func startNetboot(logger *slog.Logger) (*netboot, error) {
	devcfg := cyw43439.DefaultWifiConfig()
	// The driver logs dropped packets at ERROR, which is routine noise.
	devcfg.Logger = slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "triple-bootloader",
			MaxTCPPorts: 2, // loader session + status report
		},
	)
	if err != nil {
		return nil, err
	}

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{})
	if err != nil {
		return nil, err
	}
	logger.Info("netboot:up", slog.String("addr", dhcpResults.AssignedAddr.String()))

	return &netboot{cy: cystack, stack: cystack.LnetoStack()}, nil
}

// accept waits for the programming host to connect and returns the
// session's byte channel. A single connection is served per boot.
func (nb *netboot) accept(logger *slog.Logger) (*netChannel, error) {
	err := nb.conn.Configure(tcp.ConnConfig{
		RxBuf:             netbootRxBuf[:],
		TxBuf:             netbootTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return nil, err
	}

	port := config.NetbootPort()
	nb.conn.Abort()
	time.Sleep(100 * time.Millisecond)

	if err := nb.stack.ListenTCP(&nb.conn, port); err != nil {
		return nil, err
	}
	logger.Info("netboot:listening", slog.Int("port", int(port)))

	// Wait up to a minute for the host to show up.
	waitCount := 0
	for nb.conn.State().IsPreestablished() && waitCount < 6000 {
		time.Sleep(10 * time.Millisecond)
		waitCount++
	}
	if !nb.conn.State().IsSynchronized() {
		nb.conn.Abort()
		return nil, errors.New("no client connected")
	}

	logger.Info("netboot:connected")
	return &netChannel{conn: &nb.conn}, nil
}

// close tears the session connection down.
func (nb *netboot) close() {
	nb.conn.Close()
	for i := 0; i < 30 && !nb.conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	nb.conn.Abort()
}

// loopForeverStack pumps the WiFi chip and network stack.
func loopForeverStack(stack *cywnet.Stack) {
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
	}
}

// netChannel adapts a TCP connection to the loader's byte channel
// contract. Reads drain the connection into a small staging buffer so
// Buffered can answer without blocking.
type netChannel struct {
	conn *tcp.Conn
	rx   [64]byte
	head int
	tail int
	tx   [1]byte
}

func (c *netChannel) Buffered() int {
	if c.head < c.tail {
		return c.tail - c.head
	}
	st := c.conn.State()
	if st.IsClosed() || st.IsClosing() || !st.RxDataOpen() {
		return 0
	}
	n, _ := c.conn.Read(c.rx[:])
	c.head, c.tail = 0, n
	return c.tail - c.head
}

func (c *netChannel) ReadByte() byte {
	for {
		if c.Buffered() > 0 {
			b := c.rx[c.head]
			c.head++
			return b
		}
		time.Sleep(pollTime)
	}
}

func (c *netChannel) WriteByte(b byte) {
	c.tx[0] = b
	c.conn.Write(c.tx[:])
	c.conn.Flush()
}
