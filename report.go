//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/yezzfusl/triple-bootloader/config"
	"github.com/yezzfusl/triple-bootloader/loader"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize = 256
)

// Status report topic
var topicStatus = []byte("bootloader/status")

// Pre-allocated buffers for memory efficiency
var (
	tcpRxBuf    [tcpBufSize]byte
	tcpTxBuf    [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte
)

// MQTT publish flags (QoS0, not retained, not dup)
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// report publishes the session outcome to the broker so a fleet
// controller can tell whether the device took the new image. Failures
// are logged and swallowed; the boot decision does not depend on the
// broker being reachable.
func (nb *netboot) report(status loader.Status, written uint32, logger *slog.Logger) {
	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Warn("report:broker-invalid", slog.String("err", err.Error()))
		return
	}
	if err := publishStatus(nb.stack, brokerAddr, status, written, logger); err != nil {
		logger.Warn("report:failed", slog.String("err", err.Error()))
		return
	}
	logger.Info("report:published", slog.String("status", status.String()))
}

// publishStatus connects to the MQTT broker, publishes one status
// message, and disconnects.
func publishStatus(
	stack *xnet.StackAsync,
	brokerAddr netip.AddrPort,
	status loader.Status,
	written uint32,
	logger *slog.Logger,
) error {
	rstack := stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
	}

	var varconn mqtt.VariablesConnect
	// Append a random suffix to the client ID so a device fleet does
	// not collide on the broker.
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(clientID)
	client := mqtt.NewClient(cfg)

	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("report:dialing", slog.String("broker", brokerAddr.String()))

	err = rstack.DoDialTCP(&conn, lport, brokerAddr, mqttTimeout, mqttRetries)
	if err != nil {
		closeConn(&conn, stack, brokerAddr)
		return err
	}

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		closeConn(&conn, stack, brokerAddr)
		return err
	}

	retries := 50
	for retries > 0 && !client.IsConnected() {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
		retries--
	}
	if !client.IsConnected() {
		closeConn(&conn, stack, brokerAddr)
		return errors.New("mqtt connect timeout")
	}

	// Payload: "status=<name> bytes=<n>"
	payload := make([]byte, 0, 48)
	payload = append(payload, "status="...)
	payload = append(payload, status.String()...)
	payload = append(payload, " bytes="...)
	payload = appendUint(payload, written)

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        topicStatus,
		PacketIdentifier: uint16(stack.Prand32()),
	}
	err = client.PublishPayload(pubFlags, pubVar, payload)

	client.Disconnect(errors.New("session complete"))
	closeConn(&conn, stack, brokerAddr)
	return err
}

// closeConn shuts a broker connection down and frees its ARP slot.
func closeConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()

	stack.DiscardResolveHardwareAddress6(addr.Addr())
}

// appendHex appends a uint16 as 4 hex characters to the byte slice
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}

// appendUint appends a uint32 as decimal digits to the byte slice
func appendUint(b []byte, n uint32) []byte {
	if n == 0 {
		return append(b, '0')
	}
	var digits [10]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return append(b, digits[i:]...)
}
