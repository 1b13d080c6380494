package kasa

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// devicePort is the TCP and UDP port every kasa device listens on.
const devicePort uint16 = 9999

const (
	dialTimeout  = 1 * time.Second
	writeTimeout = 1 * time.Second
	readTimeout  = 2 * time.Second
)

func openConnection(ctx context.Context, host string, port uint16) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	connection, err := dialer.DialContext(ctx, "tcp", host+":"+strconv.Itoa(int(port)))
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", host, err)
	}
	return connection, nil
}

// queryDevice writes one scrambled request and reads reply packets until
// the announced frame size has arrived.
func queryDevice(connection net.Conn, request string) ([]byte, error) {
	if err := connection.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return nil, fmt.Errorf("could not set write timeout: %w", err)
	}
	scrambledText := scramble([]byte(request))
	bytesWritten, err := connection.Write(scrambledText)
	if err != nil {
		return nil, fmt.Errorf("could not write command: %w", err)
	}
	if bytesWritten != len(scrambledText) {
		return nil, fmt.Errorf("short write: %d of %d bytes", bytesWritten, len(scrambledText))
	}

	if err := connection.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, fmt.Errorf("could not set read timeout: %w", err)
	}
	buffer := make([]byte, 2048)
	bytesRead, err := connection.Read(buffer)
	if err != nil {
		return nil, fmt.Errorf("could not read first response packet: %w", err)
	}
	if bytesRead < 8 {
		return nil, fmt.Errorf("first response packet too short: %d bytes", bytesRead)
	}
	buffer = buffer[:bytesRead]

	expectedSize := expectedLinkiePacketSize(buffer)
	for len(buffer) < expectedSize+4 && len(buffer) <= 4096 {
		tmpBuffer := make([]byte, 2048)
		bytesRead, err := connection.Read(tmpBuffer)
		if err != nil {
			return nil, fmt.Errorf("could not read from connection: %w", err)
		}
		buffer = append(buffer, tmpBuffer[:bytesRead]...)
	}
	return unscramble(buffer)
}
