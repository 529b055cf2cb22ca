package transport

import (
	"context"
	"fmt"
)

// sdpTransport is the InfiniBand SDP transport. It is registered so
// configurations naming it fail with a clear error.
type sdpTransport struct{}

func (sdpTransport) Name() string { return TypeIBSDP }

func (sdpTransport) Listen(context.Context, Options) (Listener, error) {
	return nil, fmt.Errorf("%s: %w", TypeIBSDP, ErrUnsupported)
}

func (sdpTransport) Connect(context.Context, Options) (*Conn, error) {
	return nil, fmt.Errorf("%s: %w", TypeIBSDP, ErrUnsupported)
}
