package proxy

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
)

const (
	directionClientToBackend = "client_to_backend"
	directionBackendToClient = "backend_to_client"
)

// RelayResult reports how many bytes each direction carried.
type RelayResult struct {
	ClientToBackend int64
	BackendToClient int64
}

// Relay copies bytes between the two authenticated sockets with no protocol
// interpretation, independently in each direction. The first direction to
// reach end-of-stream or error closes both sockets; the paired copy then
// unblocks and the call returns. Backpressure is the natural blocking of the
// underlying transport.
func Relay(clientConn, backendConn net.Conn) (RelayResult, error) {
	var clientToBackend, backendToClient atomic.Int64
	done := make(chan error, 2)

	splice := func(dst, src net.Conn, counter *atomic.Int64) {
		n, err := io.Copy(dst, src)
		counter.Store(n)
		done <- err
	}

	go splice(backendConn, clientConn, &clientToBackend)
	go splice(clientConn, backendConn, &backendToClient)

	first := <-done
	// No half-open lingering: either side closing ends the whole session.
	clientConn.Close()  //nolint:errcheck
	backendConn.Close() //nolint:errcheck
	<-done

	result := RelayResult{
		ClientToBackend: clientToBackend.Load(),
		BackendToClient: backendToClient.Load(),
	}
	RelayedBytes.WithLabelValues(directionClientToBackend).Add(float64(result.ClientToBackend))
	RelayedBytes.WithLabelValues(directionBackendToClient).Add(float64(result.BackendToClient))

	if first != nil && !errors.Is(first, io.EOF) && !errors.Is(first, net.ErrClosed) {
		return result, failure(FailureRelayIOError, "relay: %w", first)
	}
	return result, nil
}
