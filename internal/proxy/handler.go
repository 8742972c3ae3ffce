package proxy

import (
	"context"
	"net"
)

// ConnectionHandler handles one accepted client connection for the
// lifetime of that connection.
type ConnectionHandler interface {
	Handle(ctx context.Context, clientConn net.Conn) error
}
