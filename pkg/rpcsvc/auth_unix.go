package rpcsvc

import (
	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

// unixAuth decodes AUTH_UNIX credentials.
type unixAuth struct{}

func (unixAuth) Name() string         { return "auth-unix" }
func (unixAuth) Flavor() uint32       { return rpc.AuthUnix }
func (unixAuth) ConnInit(*Conn) error { return nil }

// RequestInit answers with a null verifier; AUTH_UNIX has no verifier of
// its own.
func (unixAuth) RequestInit(req *Request) error {
	req.Verf = rpc.NullAuth()
	return nil
}

func (unixAuth) Authenticate(req *Request) AuthResult {
	cred, err := rpc.ParseUnixAuth(req.Cred.Body)
	if err != nil {
		logger.Debug("Failed to decode AUTH_UNIX credential from %s: %v", req.conn, err)
		req.AuthErr = rpc.AuthBadCred
		return AuthReject
	}
	req.UID = cred.UID
	req.GID = cred.GID
	req.AuxGIDs = append(req.AuxGIDs[:0], cred.GIDs...)
	req.Machine = cred.MachineName
	logger.Debug("AUTH_UNIX: uid %d, gid %d, gids %d", req.UID, req.GID, len(req.AuxGIDs))
	return AuthAccept
}
