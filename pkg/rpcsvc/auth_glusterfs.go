package rpcsvc

import (
	"encoding/binary"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

const (
	authGlusterFSName   = "auth-glusterfs"
	authGlusterFSv2Name = "auth-glusterfs-v2"
)

// glusterfsAuth decodes AUTH_GLUSTERFS credentials, which add the caller
// pid and lock owner to the unix identity.
type glusterfsAuth struct{}

func (glusterfsAuth) Name() string         { return authGlusterFSName }
func (glusterfsAuth) Flavor() uint32       { return rpc.AuthGlusterFS }
func (glusterfsAuth) ConnInit(*Conn) error { return nil }

func (glusterfsAuth) RequestInit(req *Request) error {
	req.Verf = rpc.NullAuth()
	return nil
}

func (glusterfsAuth) Authenticate(req *Request) AuthResult {
	cred, err := rpc.ParseGlusterAuthV1(req.Cred.Body)
	if err != nil {
		logger.Debug("Failed to decode AUTH_GLUSTERFS credential from %s: %v", req.conn, err)
		req.AuthErr = rpc.AuthBadCred
		return AuthReject
	}
	req.Pid = int32(cred.Pid)
	req.UID = cred.UID
	req.GID = cred.GID
	req.AuxGIDs = append(req.AuxGIDs[:0], cred.AuxGroups()...)
	req.LkOwner = binary.BigEndian.AppendUint64(req.LkOwner[:0], cred.LkOwner)
	logger.Debug("AUTH_GLUSTERFS: uid %d, gid %d, pid %d, gids %d",
		req.UID, req.GID, req.Pid, len(req.AuxGIDs))
	return AuthAccept
}

// glusterfsV2Auth decodes AUTH_GLUSTERFS_V2 credentials, with a variable
// group list and an opaque lock owner.
type glusterfsV2Auth struct{}

func (glusterfsV2Auth) Name() string         { return authGlusterFSv2Name }
func (glusterfsV2Auth) Flavor() uint32       { return rpc.AuthGlusterFSv2 }
func (glusterfsV2Auth) ConnInit(*Conn) error { return nil }

func (glusterfsV2Auth) RequestInit(req *Request) error {
	req.Verf = rpc.NullAuth()
	return nil
}

func (glusterfsV2Auth) Authenticate(req *Request) AuthResult {
	cred, err := rpc.ParseGlusterAuthV2(req.Cred.Body)
	if err != nil {
		logger.Debug("Failed to decode AUTH_GLUSTERFS_V2 credential from %s: %v", req.conn, err)
		req.AuthErr = rpc.AuthBadCred
		return AuthReject
	}
	req.Pid = cred.Pid
	req.UID = cred.UID
	req.GID = cred.GID
	req.AuxGIDs = append(req.AuxGIDs[:0], cred.Groups...)
	req.LkOwner = append(req.LkOwner[:0], cred.LkOwner...)
	return AuthAccept
}
