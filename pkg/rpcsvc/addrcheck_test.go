package rpcsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	A = AuthAccept
	R = AuthReject
	D = AuthDontCare
)

func TestCombineMatrices(t *testing.T) {
	t.Run("AllowReject", func(t *testing.T) {
		cases := []struct{ allow, reject, want AuthResult }{
			{A, R, R},
			{D, D, D},
			{A, D, A},
			{D, R, R},
			{R, A, R},
			{R, D, R},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.want, combineAllowReject(tc.allow, tc.reject), "%s,%s", tc.allow, tc.reject)
		}
	})

	t.Run("GenSpecAddr", func(t *testing.T) {
		cases := []struct{ gen, spec, want AuthResult }{
			{A, A, A},
			{A, R, R},
			{A, D, A},
			{D, A, A},
			{D, R, R},
			{D, D, D},
			{R, A, A},
			{R, D, R},
			{R, R, R},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.want, combineGenSpecAddr(tc.gen, tc.spec), "%s,%s", tc.gen, tc.spec)
		}
	})

	t.Run("GenSpecVolumeRejectsWithoutRules", func(t *testing.T) {
		assert.Equal(t, R, combineGenSpecVolume(D, D))
		assert.Equal(t, A, combineGenSpecVolume(D, A))
		assert.Equal(t, A, combineGenSpecVolume(R, A))
		assert.Equal(t, R, combineGenSpecVolume(A, R))
		assert.Equal(t, A, combineGenSpecVolume(A, D))
	})
}

func TestPeerCheck(t *testing.T) {
	t.Run("NoRulesRejects", func(t *testing.T) {
		assert.Equal(t, R, peerCheck(map[string]string{}, "vol0", "10.0.0.1", "client.example.com"))
	})

	t.Run("GeneralAllow", func(t *testing.T) {
		opts := map[string]string{"rpc-auth.addr.allow": "10.0.0.*"}
		assert.Equal(t, A, peerCheck(opts, "vol0", "10.0.0.7", "10.0.0.7"))
		assert.Equal(t, R, peerCheck(opts, "vol0", "10.0.1.7", "10.0.1.7"))
	})

	t.Run("VolumeRuleOverridesGeneral", func(t *testing.T) {
		opts := map[string]string{
			"rpc-auth.addr.allow":       "*",
			"rpc-auth.addr.vol0.reject": "192.168.1.*",
		}
		assert.Equal(t, R, peerCheck(opts, "vol0", "192.168.1.20", "192.168.1.20"))
		assert.Equal(t, A, peerCheck(opts, "vol0", "192.168.2.20", "192.168.2.20"))
		assert.Equal(t, A, peerCheck(opts, "vol1", "192.168.1.20", "192.168.1.20"))
	})

	t.Run("NameMatchIsCaseInsensitive", func(t *testing.T) {
		opts := map[string]string{"rpc-auth.addr.vol0.allow": "*.Example.COM, 10.9.9.9"}
		assert.Equal(t, A, peerCheck(opts, "vol0", "172.16.0.3", "web.example.com"))
		assert.Equal(t, A, peerCheck(opts, "vol0", "10.9.9.9", "unresolved"))
	})

	t.Run("NameLookupDisabled", func(t *testing.T) {
		opts := map[string]string{
			"rpc-auth.addr.vol0.allow": "*.example.com",
			"rpc-auth.addr.namelookup": "off",
		}
		assert.Equal(t, R, peerCheck(opts, "vol0", "172.16.0.3", "web.example.com"))
	})

	t.Run("NameRejectBeatsAddressAllow", func(t *testing.T) {
		opts := map[string]string{
			"rpc-auth.addr.vol0.allow":  "172.16.*",
			"rpc-auth.addr.vol0.reject": "evil.example.com",
		}
		assert.Equal(t, R, peerCheck(opts, "vol0", "172.16.0.3", "evil.example.com"))
	})
}

func TestPrivPortCheck(t *testing.T) {
	t.Run("PrivilegedPortAccepted", func(t *testing.T) {
		assert.Equal(t, A, privPortCheck(nil, "vol0", 1023))
		assert.Equal(t, A, privPortCheck(nil, "vol0", 1024))
	})

	t.Run("InsecureRejectedByDefault", func(t *testing.T) {
		assert.Equal(t, R, privPortCheck(map[string]string{}, "vol0", 40000))
	})

	t.Run("GlobalInsecure", func(t *testing.T) {
		opts := map[string]string{"rpc-auth.ports.insecure": "on"}
		assert.Equal(t, A, privPortCheck(opts, "vol0", 40000))
	})

	t.Run("VolumeOverridesGlobal", func(t *testing.T) {
		opts := map[string]string{
			"rpc-auth.ports.insecure":      "on",
			"rpc-auth.ports.vol0.insecure": "off",
			"rpc-auth.ports.vol1.insecure": "yes",
		}
		assert.Equal(t, R, privPortCheck(opts, "vol0", 40000))
		assert.Equal(t, A, privPortCheck(opts, "vol1", 40000))
		assert.Equal(t, A, privPortCheck(opts, "vol2", 40000))
	})

	t.Run("VolumeInsecureWithoutGlobal", func(t *testing.T) {
		opts := map[string]string{"rpc-auth.ports.vol0.insecure": "true"}
		assert.Equal(t, A, privPortCheck(opts, "vol0", 40000))
	})

	t.Run("BadValueIgnored", func(t *testing.T) {
		opts := map[string]string{"rpc-auth.ports.insecure": "maybe"}
		assert.Equal(t, R, privPortCheck(opts, "vol0", 40000))
	})
}

func TestVolumeAllowed(t *testing.T) {
	s := New(testConfig(), nil)
	s.authOptions["rpc-auth.addr.allow"] = "10.*"
	s.authOptions["rpc-auth.addr.vol0.allow"] = "192.168.*"

	assert.Equal(t, "192.168.*", s.VolumeAllowed("vol0"))
	assert.Equal(t, "10.*", s.VolumeAllowed("vol1"))
}
