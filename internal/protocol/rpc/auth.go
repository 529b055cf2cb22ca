package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Credential limits.
const (
	// MaxMachineName is the AUTH_UNIX machine name limit (RFC 5531).
	MaxMachineName = 255

	// MaxUnixGIDs is the AUTH_UNIX supplementary group limit.
	MaxUnixGIDs = 16

	// MaxGlusterGroupsV1 is the fixed group array size of AUTH_GLUSTERFS.
	MaxGlusterGroupsV1 = 16

	// MaxGlusterGroupsV2 bounds the variable group list of AUTH_GLUSTERFS_V2.
	MaxGlusterGroupsV2 = 65535

	// MaxLockOwner bounds the lock owner of AUTH_GLUSTERFS_V2.
	MaxLockOwner = 1024
)

// UnixAuth represents AUTH_UNIX credentials.
//
// Wire Format (XDR):
//   - Stamp:       4 bytes (arbitrary client id)
//   - MachineName: string (<= 255 bytes)
//   - UID:         4 bytes
//   - GID:         4 bytes
//   - GIDs:        array of 4-byte ids (<= 16)
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// ParseUnixAuth decodes an AUTH_UNIX credential body.
//
// The length words are checked against the protocol limits before the body
// is decoded, so a hostile client cannot make the decoder allocate large
// strings or arrays.
//
// Returns an error if:
//   - the body is empty or truncated
//   - the machine name is longer than 255 bytes
//   - more than 16 supplementary gids are present
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty auth body")
	}
	if len(body) < 8 {
		return nil, fmt.Errorf("auth body truncated: %d bytes", len(body))
	}

	nameLen := binary.BigEndian.Uint32(body[4:8])
	if nameLen > MaxMachineName {
		return nil, fmt.Errorf("machine name too long: %d bytes", nameLen)
	}

	gidsOffset := 8 + int(nameLen) + int(XdrPadding(nameLen)) + 8
	if len(body) < gidsOffset+4 {
		return nil, fmt.Errorf("auth body truncated: %d bytes", len(body))
	}
	ngids := binary.BigEndian.Uint32(body[gidsOffset : gidsOffset+4])
	if ngids > MaxUnixGIDs {
		return nil, fmt.Errorf("too many gids: %d", ngids)
	}

	auth := &UnixAuth{}
	if _, err := xdr.Unmarshal(bytes.NewReader(body), auth); err != nil {
		return nil, fmt.Errorf("unmarshal auth_unix: %w", err)
	}
	if auth.GIDs == nil {
		auth.GIDs = []uint32{}
	}
	return auth, nil
}

// EncodeUnixAuth encodes an AUTH_UNIX credential body.
func EncodeUnixAuth(auth *UnixAuth) ([]byte, error) {
	if len(auth.MachineName) > MaxMachineName {
		return nil, fmt.Errorf("machine name too long: %d bytes", len(auth.MachineName))
	}
	if len(auth.GIDs) > MaxUnixGIDs {
		return nil, fmt.Errorf("too many gids: %d", len(auth.GIDs))
	}

	var buf bytes.Buffer
	a := *auth
	if a.GIDs == nil {
		a.GIDs = []uint32{}
	}
	if _, err := xdr.Marshal(&buf, &a); err != nil {
		return nil, fmt.Errorf("marshal auth_unix: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *UnixAuth) String() string {
	return fmt.Sprintf("AUTH_UNIX{machine=%s uid=%d gid=%d gids=%v}",
		a.MachineName, a.UID, a.GID, a.GIDs)
}

// GlusterAuthV1 is the AUTH_GLUSTERFS credential body.
type GlusterAuthV1 struct {
	LkOwner uint64
	Pid     uint32
	UID     uint32
	GID     uint32
	NGroups uint32
	Groups  [MaxGlusterGroupsV1]uint32
}

// glusterAuthV1Size is the encoded size of GlusterAuthV1.
const glusterAuthV1Size = 8 + 4*4 + 4*MaxGlusterGroupsV1

// ParseGlusterAuthV1 decodes an AUTH_GLUSTERFS credential body.
func ParseGlusterAuthV1(body []byte) (*GlusterAuthV1, error) {
	if len(body) < glusterAuthV1Size {
		return nil, fmt.Errorf("auth_glusterfs body truncated: %d bytes", len(body))
	}

	auth := &GlusterAuthV1{}
	if _, err := xdr.Unmarshal(bytes.NewReader(body), auth); err != nil {
		return nil, fmt.Errorf("unmarshal auth_glusterfs: %w", err)
	}
	if auth.NGroups > MaxGlusterGroupsV1 {
		return nil, fmt.Errorf("too many groups: %d", auth.NGroups)
	}
	return auth, nil
}

// AuxGroups returns the populated prefix of the fixed group array.
func (a *GlusterAuthV1) AuxGroups() []uint32 {
	out := make([]uint32, a.NGroups)
	copy(out, a.Groups[:a.NGroups])
	return out
}

// EncodeGlusterAuthV1 encodes an AUTH_GLUSTERFS credential body.
func EncodeGlusterAuthV1(auth *GlusterAuthV1) ([]byte, error) {
	if auth.NGroups > MaxGlusterGroupsV1 {
		return nil, fmt.Errorf("too many groups: %d", auth.NGroups)
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, auth); err != nil {
		return nil, fmt.Errorf("marshal auth_glusterfs: %w", err)
	}
	return buf.Bytes(), nil
}

// GlusterAuthV2 is the AUTH_GLUSTERFS_V2 credential body.
type GlusterAuthV2 struct {
	Pid     int32
	UID     uint32
	GID     uint32
	Groups  []uint32
	LkOwner []byte `xdr:"opaque"`
}

// ParseGlusterAuthV2 decodes an AUTH_GLUSTERFS_V2 credential body.
func ParseGlusterAuthV2(body []byte) (*GlusterAuthV2, error) {
	if len(body) < 16 {
		return nil, fmt.Errorf("auth_glusterfs_v2 body truncated: %d bytes", len(body))
	}

	ngroups := binary.BigEndian.Uint32(body[12:16])
	if ngroups > MaxGlusterGroupsV2 {
		return nil, fmt.Errorf("too many groups: %d", ngroups)
	}
	ownerOffset := 16 + 4*int(ngroups)
	if len(body) < ownerOffset+4 {
		return nil, fmt.Errorf("auth_glusterfs_v2 body truncated: %d bytes", len(body))
	}
	ownerLen := binary.BigEndian.Uint32(body[ownerOffset : ownerOffset+4])
	if ownerLen > MaxLockOwner {
		return nil, fmt.Errorf("lock owner too long: %d bytes", ownerLen)
	}

	auth := &GlusterAuthV2{}
	if _, err := xdr.Unmarshal(bytes.NewReader(body), auth); err != nil {
		return nil, fmt.Errorf("unmarshal auth_glusterfs_v2: %w", err)
	}
	return auth, nil
}

// EncodeGlusterAuthV2 encodes an AUTH_GLUSTERFS_V2 credential body.
func EncodeGlusterAuthV2(auth *GlusterAuthV2) ([]byte, error) {
	if len(auth.Groups) > MaxGlusterGroupsV2 {
		return nil, fmt.Errorf("too many groups: %d", len(auth.Groups))
	}
	if len(auth.LkOwner) > MaxLockOwner {
		return nil, fmt.Errorf("lock owner too long: %d bytes", len(auth.LkOwner))
	}

	a := *auth
	if a.Groups == nil {
		a.Groups = []uint32{}
	}
	if a.LkOwner == nil {
		a.LkOwner = []byte{}
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &a); err != nil {
		return nil, fmt.Errorf("marshal auth_glusterfs_v2: %w", err)
	}
	return buf.Bytes(), nil
}
