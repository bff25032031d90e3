package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	socks4Version  = 0x04
	socks4Connect  = 0x01
	socks4Granted  = 0x5a
	socks4ReplyLen = 8
)

// socks4Handshake issues a SOCKS4 CONNECT, or a SOCKS4a CONNECT when target
// carries a hostname instead of an IPv4 address.
func socks4Handshake(ctx context.Context, conn net.Conn, target, userID string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 0xffff {
		return fmt.Errorf("invalid port %q", portStr)
	}

	req := []byte{socks4Version, socks4Connect, 0, 0}
	binary.BigEndian.PutUint16(req[2:], uint16(port))

	var hostname string
	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return errors.New("socks4 does not support IPv6 targets")
		}
		req = append(req, ip4...)
	} else {
		// 0.0.0.x asks a SOCKS4a proxy to resolve the name that follows.
		req = append(req, 0, 0, 0, 1)
		hostname = host
	}
	req = append(req, []byte(userID)...)
	req = append(req, 0)
	if hostname != "" {
		req = append(req, []byte(hostname)...)
		req = append(req, 0)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(req); err != nil {
		return err
	}
	reply := make([]byte, socks4ReplyLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	if reply[1] != socks4Granted {
		return fmt.Errorf("request rejected (code 0x%02x)", reply[1])
	}
	return nil
}
