package rpcsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

func authService(t *testing.T, options map[string]string, squash bool) *Service {
	t.Helper()
	cfg := testConfig()
	cfg.Auth.Options = options
	cfg.Auth.RootSquash = squash
	return New(cfg, nil)
}

func unixCred(t *testing.T, uid, gid uint32, gids ...uint32) rpc.OpaqueAuth {
	t.Helper()
	body, err := rpc.EncodeUnixAuth(&rpc.UnixAuth{
		Stamp:       7,
		MachineName: "client01",
		UID:         uid,
		GID:         gid,
		GIDs:        gids,
	})
	require.NoError(t, err)
	return rpc.OpaqueAuth{Flavor: rpc.AuthUnix, Body: body}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"on", "YES", " true ", "enable", "1"} {
		v, err := parseBool(s)
		require.NoError(t, err, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"off", "no", "False", "disable", "0"} {
		v, err := parseBool(s)
		require.NoError(t, err, s)
		assert.False(t, v, s)
	}
	_, err := parseBool("perhaps")
	assert.Error(t, err)
}

func TestAuthTable(t *testing.T) {
	t.Run("DefaultsEnableAll", func(t *testing.T) {
		tbl, err := newAuthTable(map[string]string{}, builtinAuths())
		require.NoError(t, err)
		for _, f := range []uint32{rpc.AuthNull, rpc.AuthUnix, rpc.AuthGlusterFS, rpc.AuthGlusterFSv2} {
			assert.NotNil(t, tbl.enabled(f), "flavor %d", f)
		}
	})

	t.Run("SwitchDisablesScheme", func(t *testing.T) {
		tbl, err := newAuthTable(map[string]string{"rpc-auth.auth-unix": "off"}, builtinAuths())
		require.NoError(t, err)
		assert.Nil(t, tbl.enabled(rpc.AuthUnix))
		assert.NotNil(t, tbl.enabled(rpc.AuthNull))
	})

	t.Run("V2FollowsGlusterFSSwitch", func(t *testing.T) {
		tbl, err := newAuthTable(map[string]string{"rpc-auth.auth-glusterfs": "off"}, builtinAuths())
		require.NoError(t, err)
		assert.Nil(t, tbl.enabled(rpc.AuthGlusterFS))
		assert.Nil(t, tbl.enabled(rpc.AuthGlusterFSv2))

		tbl, err = newAuthTable(map[string]string{
			"rpc-auth.auth-glusterfs":    "off",
			"rpc-auth.auth-glusterfs-v2": "on",
		}, builtinAuths())
		require.NoError(t, err)
		assert.NotNil(t, tbl.enabled(rpc.AuthGlusterFSv2))
	})

	t.Run("BadSwitchValue", func(t *testing.T) {
		_, err := newAuthTable(map[string]string{"rpc-auth.auth-null": "sometimes"}, builtinAuths())
		assert.Error(t, err)
	})

	t.Run("UnknownFlavorFallsBackToNull", func(t *testing.T) {
		tbl, err := newAuthTable(map[string]string{}, builtinAuths())
		require.NoError(t, err)
		req := &Request{Cred: rpc.OpaqueAuth{Flavor: 99, Body: []byte{1, 2, 3, 4}}}
		a := tbl.handler(req)
		require.NotNil(t, a)
		assert.Equal(t, rpc.AuthNull, a.Flavor())
		assert.Equal(t, rpc.AuthNull, req.Cred.Flavor)
		assert.Empty(t, req.Cred.Body)
	})
}

func TestAuthenticate(t *testing.T) {
	t.Run("Unix", func(t *testing.T) {
		s := authService(t, nil, false)
		req := &Request{Cred: unixCred(t, 1000, 100, 4, 5)}
		require.Equal(t, AuthAccept, s.authenticate(req))
		assert.Equal(t, uint32(1000), req.UID)
		assert.Equal(t, uint32(100), req.GID)
		assert.Equal(t, []uint32{4, 5}, req.AuxGIDs)
		assert.Equal(t, "client01", req.Machine)
		assert.Equal(t, rpc.AuthNull, req.Verf.Flavor)
	})

	t.Run("UnixBadBody", func(t *testing.T) {
		s := authService(t, nil, false)
		req := &Request{Cred: rpc.OpaqueAuth{Flavor: rpc.AuthUnix, Body: []byte{0, 0, 0, 1}}}
		assert.Equal(t, AuthReject, s.authenticate(req))
		assert.Equal(t, uint32(rpc.AuthBadCred), req.AuthErr)
	})

	t.Run("GlusterFSv1", func(t *testing.T) {
		s := authService(t, nil, false)
		cred := &rpc.GlusterAuthV1{LkOwner: 0x0102030405060708, Pid: 42, UID: 7, GID: 8, NGroups: 2}
		cred.Groups[0], cred.Groups[1] = 11, 12
		body, err := rpc.EncodeGlusterAuthV1(cred)
		require.NoError(t, err)

		req := &Request{Cred: rpc.OpaqueAuth{Flavor: rpc.AuthGlusterFS, Body: body}}
		require.Equal(t, AuthAccept, s.authenticate(req))
		assert.Equal(t, int32(42), req.Pid)
		assert.Equal(t, uint32(7), req.UID)
		assert.Equal(t, []uint32{11, 12}, req.AuxGIDs)
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, req.LkOwner)
	})

	t.Run("GlusterFSv2", func(t *testing.T) {
		s := authService(t, nil, false)
		body, err := rpc.EncodeGlusterAuthV2(&rpc.GlusterAuthV2{
			Pid:     -1,
			UID:     500,
			GID:     501,
			Groups:  []uint32{1, 2, 3},
			LkOwner: []byte("owner"),
		})
		require.NoError(t, err)

		req := &Request{Cred: rpc.OpaqueAuth{Flavor: rpc.AuthGlusterFSv2, Body: body}}
		require.Equal(t, AuthAccept, s.authenticate(req))
		assert.Equal(t, int32(-1), req.Pid)
		assert.Equal(t, uint32(500), req.UID)
		assert.Equal(t, []uint32{1, 2, 3}, req.AuxGIDs)
		assert.Equal(t, []byte("owner"), req.LkOwner)
	})

	t.Run("MinAuthTooWeak", func(t *testing.T) {
		s := authService(t, nil, false)
		req := &Request{
			Cred:    rpc.NullAuth(),
			Program: &Program{Name: "strict", MinAuth: rpc.AuthUnix},
		}
		assert.Equal(t, AuthAccept, s.authenticate(req), "the program is not consulted")
		assert.False(t, s.strongEnough(req))
		assert.Equal(t, uint32(rpc.AuthTooWeak), req.AuthErr)

		req = &Request{
			Cred:    unixCred(t, 1, 1),
			Program: &Program{Name: "strict", MinAuth: rpc.AuthUnix},
		}
		require.Equal(t, AuthAccept, s.authenticate(req))
		assert.True(t, s.strongEnough(req))
	})

	t.Run("NoHandlerRejectsCred", func(t *testing.T) {
		s := authService(t, map[string]string{
			"rpc-auth.auth-null": "off",
			"rpc-auth.auth-unix": "off",
		}, false)
		req := &Request{Cred: unixCred(t, 1, 1)}
		assert.Equal(t, AuthReject, s.authenticate(req))
		assert.Equal(t, uint32(rpc.AuthRejectedCred), req.AuthErr)
	})

	t.Run("RootSquash", func(t *testing.T) {
		s := authService(t, nil, true)
		req := &Request{Cred: unixCred(t, 0, 0, 0, 10)}
		require.Equal(t, AuthAccept, s.authenticate(req))
		assert.Equal(t, uint32(DefaultAnonID), req.UID)
		assert.Equal(t, uint32(DefaultAnonID), req.GID)
		assert.Equal(t, []uint32{DefaultAnonID, 10}, req.AuxGIDs)
	})

	t.Run("NoSquashForOtherUsers", func(t *testing.T) {
		s := authService(t, nil, true)
		req := &Request{Cred: unixCred(t, 1000, 1000)}
		require.Equal(t, AuthAccept, s.authenticate(req))
		assert.Equal(t, uint32(1000), req.UID)
	})
}

func TestAuthArray(t *testing.T) {
	s := authService(t, map[string]string{
		"rpc-auth.auth-unix.vol0":      "on",
		"rpc-auth.auth-null.vol0":      "yes",
		"rpc-auth.auth-glusterfs.vol0": "off",
		"rpc-auth.auth-unix.vol1":      "bogus",
	}, false)

	assert.Equal(t, []uint32{rpc.AuthUnix, rpc.AuthNull}, s.AuthArray("vol0"))
	assert.Empty(t, s.AuthArray("vol1"))
	assert.Empty(t, s.AuthArray("vol2"))
}
