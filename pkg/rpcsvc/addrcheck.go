package rpcsvc

import (
	"path"
	"strings"

	"github.com/marmos91/dittorpc/internal/logger"
)

// Peer checks decide whether a connection may access a volume, from the
// rpc-auth.addr.* and rpc-auth.ports.* options.
//
// Each rule yields Accept, Reject or DontCare (no rule given), and the
// results are folded with the tables below.

// combineAllowReject folds the allow rule (never Reject) with the reject
// rule (never Accept).
//
//	| allow | reject | result |
//	|   A   |   R    |   R    |
//	|   D   |   D    |   D    |
//	|   A   |   D    |   A    |
//	|   D   |   R    |   R    |
func combineAllowReject(allow, reject AuthResult) AuthResult {
	switch {
	case allow == AuthAccept && reject == AuthReject:
		return AuthReject
	case allow == AuthDontCare && reject == AuthDontCare:
		return AuthDontCare
	case allow == AuthAccept && reject == AuthDontCare:
		return AuthAccept
	case allow == AuthDontCare && reject == AuthReject:
		return AuthReject
	}
	return AuthReject
}

// combineGenSpecAddr folds a general rule with a more specific one. The
// specific rule wins unless it does not care.
//
//	| gen | spec | result |
//	|  A  |  A   |   A    |
//	|  A  |  R   |   R    |
//	|  A  |  D   |   A    |
//	|  D  |  A   |   A    |
//	|  D  |  R   |   R    |
//	|  D  |  D   |   D    |
//	|  R  |  A   |   A    |
//	|  R  |  D   |   R    |
//	|  R  |  R   |   R    |
func combineGenSpecAddr(gen, spec AuthResult) AuthResult {
	switch spec {
	case AuthAccept:
		return AuthAccept
	case AuthReject:
		return AuthReject
	case AuthDontCare:
		switch gen {
		case AuthAccept:
			return AuthAccept
		case AuthDontCare:
			return AuthDontCare
		}
	}
	return AuthReject
}

// combineGenSpecVolume is combineGenSpecAddr except that no rule at all
// (D, D) rejects.
func combineGenSpecVolume(gen, spec AuthResult) AuthResult {
	if gen == AuthDontCare && spec == AuthDontCare {
		return AuthReject
	}
	return combineGenSpecAddr(gen, spec)
}

// matchPeer reports whether peer matches one of the comma separated glob
// patterns stored under key. Matching ignores case.
func matchPeer(options map[string]string, key, peer string) (matched, present bool) {
	rule, ok := options[key]
	if !ok {
		return false, false
	}
	peer = strings.ToLower(peer)
	for _, pattern := range strings.Split(rule, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if ok, err := path.Match(pattern, peer); err == nil && ok {
			return true, true
		} else if err != nil {
			logger.Warn("Bad address pattern %q in %s: %v", pattern, key, err)
		}
	}
	return false, true
}

func addrRuleKey(volume, kind string) string {
	if volume == "" {
		return "rpc-auth.addr." + kind
	}
	return "rpc-auth.addr." + volume + "." + kind
}

// checkAllowReject runs the allow and reject rules of volume ("" for the
// general rules) against one peer string.
func checkAllowReject(options map[string]string, volume, peer string) AuthResult {
	allow := AuthDontCare
	if m, _ := matchPeer(options, addrRuleKey(volume, "allow"), peer); m {
		allow = AuthAccept
	}
	reject := AuthDontCare
	if m, _ := matchPeer(options, addrRuleKey(volume, "reject"), peer); m {
		reject = AuthReject
	}
	return combineAllowReject(allow, reject)
}

// checkVolumeRules combines the address and, when namelookup is on, the
// host name results for one rule set. Names are the more specific rules.
func checkVolumeRules(options map[string]string, volume, ip, name string, namelookup bool) AuthResult {
	addrchk := checkAllowReject(options, volume, ip)
	if !namelookup {
		return addrchk
	}
	namechk := checkAllowReject(options, volume, name)
	return combineGenSpecAddr(addrchk, namechk)
}

func namelookupEnabled(options map[string]string) bool {
	v, ok := options["rpc-auth.addr.namelookup"]
	if !ok {
		return true
	}
	on, err := parseBool(v)
	if err != nil {
		logger.Warn("Bad rpc-auth.addr.namelookup value %q: %v", v, err)
		return true
	}
	return on
}

// peerCheck applies the general and the volume specific address rules.
func peerCheck(options map[string]string, volume, ip, name string) AuthResult {
	namelookup := namelookupEnabled(options)
	general := checkVolumeRules(options, "", ip, name, namelookup)
	specific := checkVolumeRules(options, volume, ip, name, namelookup)
	return combineGenSpecVolume(general, specific)
}

// privPortCheck accepts privileged ports, otherwise it applies the global
// and the volume specific insecure switches.
func privPortCheck(options map[string]string, volume string, port int) AuthResult {
	if port <= 1024 {
		return AuthAccept
	}

	global := AuthReject
	if v, ok := options["rpc-auth.ports.insecure"]; ok {
		if on, err := parseBool(v); err != nil {
			logger.Error("Failed to read rpc-auth.ports.insecure value %q", v)
		} else if on {
			global = AuthAccept
		}
	}

	export := AuthDontCare
	key := "rpc-auth.ports." + volume + ".insecure"
	if v, ok := options[key]; ok {
		if on, err := parseBool(v); err != nil {
			logger.Error("Failed to read %s value %q", key, v)
		} else if on {
			export = AuthAccept
		} else {
			export = AuthReject
		}
	}

	res := combineGenSpecVolume(global, export)
	if res == AuthAccept {
		logger.Debug("Unprivileged port %d allowed for %s", port, volume)
	} else {
		logger.Debug("Unprivileged port %d not allowed for %s", port, volume)
	}
	return res
}

// PeerCheck reports whether the peer of c passes the address rules of
// volume. Only AuthAccept grants access.
func (s *Service) PeerCheck(volume string, c *Conn) AuthResult {
	if c == nil || volume == "" {
		return AuthReject
	}
	ip := c.tc.PeerIP()
	if ip == "" {
		ip = c.tc.PeerAddr().String()
	}
	name := ip
	if namelookupEnabled(s.authOptions) {
		name = c.tc.PeerName()
	}
	return peerCheck(s.authOptions, volume, ip, name)
}

// PrivPortCheck reports whether the peer port of c may access volume.
func (s *Service) PrivPortCheck(volume string, c *Conn) AuthResult {
	if c == nil || volume == "" {
		return AuthReject
	}
	return privPortCheck(s.authOptions, volume, c.tc.PeerPort())
}

// volumeAccess applies the address and port rules of volume to the peer.
func (c *Conn) volumeAccess(volume string) bool {
	s := c.svc
	if s.PeerCheck(volume, c) != AuthAccept {
		c.log.Warn("Peer %s rejected by the address rules of %s (allowed: %q)",
			c.PeerAddr(), volume, s.VolumeAllowed(volume))
		return false
	}
	if s.PrivPortCheck(volume, c) != AuthAccept {
		c.log.Warn("Peer %s rejected for %s: unprivileged port %d", c.PeerAddr(), volume, c.tc.PeerPort())
		return false
	}
	return true
}

// VolumeAllowed returns the address rule that lets peers reach volume:
// the volume specific allow rule, else the general one, else "".
func (s *Service) VolumeAllowed(volume string) string {
	if v, ok := s.authOptions[addrRuleKey(volume, "allow")]; ok {
		return v
	}
	return s.authOptions[addrRuleKey("", "allow")]
}
