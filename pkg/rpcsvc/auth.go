package rpcsvc

import (
	"fmt"
	"strings"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

// AuthResult is the verdict of an authenticator or of a peer check.
type AuthResult int

const (
	AuthAccept AuthResult = iota
	AuthReject
	AuthDontCare
)

func (r AuthResult) String() string {
	switch r {
	case AuthAccept:
		return "ACCEPT"
	case AuthReject:
		return "REJECT"
	case AuthDontCare:
		return "DONTCARE"
	default:
		return fmt.Sprintf("AuthResult(%d)", int(r))
	}
}

// Authenticator is an authentication scheme, selected by the credential
// flavor of a call.
//
// RequestInit runs before Authenticate and may prepare the request, for
// instance by setting the reply verifier. Authenticate fills in the caller
// identity; on AuthReject it must set req.AuthErr.
type Authenticator interface {
	Name() string
	Flavor() uint32
	ConnInit(c *Conn) error
	RequestInit(req *Request) error
	Authenticate(req *Request) AuthResult
}

type authScheme struct {
	auth    Authenticator
	enabled bool
}

// authTable holds the registered schemes in registration order.
type authTable struct {
	schemes []authScheme
}

// builtinAuths lists the built-in schemes in registration order.
func builtinAuths() []Authenticator {
	return []Authenticator{
		glusterfsAuth{},
		glusterfsV2Auth{},
		unixAuth{},
		nullAuth{},
	}
}

// newAuthTable enables each scheme from its rpc-auth.<name> option. The
// null, unix and glusterfs schemes are on by default; the v2 glusterfs
// scheme follows the glusterfs switch unless set itself.
func newAuthTable(options map[string]string, auths []Authenticator) (*authTable, error) {
	t := &authTable{}
	glusterfsOn := true
	if v, ok := options["rpc-auth.auth-glusterfs"]; ok {
		on, err := parseBool(v)
		if err != nil {
			return nil, fmt.Errorf("rpc-auth.auth-glusterfs: %w", err)
		}
		glusterfsOn = on
	}

	for _, a := range auths {
		enabled := true
		if a.Name() == authGlusterFSv2Name {
			enabled = glusterfsOn
		}
		key := "rpc-auth." + a.Name()
		if v, ok := options[key]; ok {
			on, err := parseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			enabled = on
		}
		t.schemes = append(t.schemes, authScheme{auth: a, enabled: enabled})
		logger.Debug("Authentication scheme %s (flavor %d) enabled=%v", a.Name(), a.Flavor(), enabled)
	}
	return t, nil
}

func (t *authTable) enabled(flavor uint32) Authenticator {
	for _, s := range t.schemes {
		if s.enabled && s.auth.Flavor() == flavor {
			return s.auth
		}
	}
	return nil
}

// handler returns the scheme serving req. An unknown or disabled flavor
// falls back to AUTH_NULL, and the credential and verifier are rewritten
// to null so the rest of the request sees what was authenticated.
func (t *authTable) handler(req *Request) Authenticator {
	if a := t.enabled(req.Cred.Flavor); a != nil {
		return a
	}
	a := t.enabled(rpc.AuthNull)
	if a == nil {
		return nil
	}
	logger.Debug("No handler for auth flavor %d, using AUTH_NULL", req.Cred.Flavor)
	req.Cred = rpc.NullAuth()
	req.Verf = rpc.NullAuth()
	return a
}

func (t *authTable) connInit(c *Conn) {
	for _, s := range t.schemes {
		if !s.enabled {
			continue
		}
		if err := s.auth.ConnInit(c); err != nil {
			logger.Warn("Auth scheme %s failed to initialise %s: %v", s.auth.Name(), c, err)
		}
	}
}

// strongEnough checks the credential flavor of req against the MinAuth
// of its program. A rejected request gets AUTH_TOOWEAK.
func (s *Service) strongEnough(req *Request) bool {
	if req.Program == nil || req.Program.MinAuth <= req.Cred.Flavor {
		return true
	}
	logger.Warn("Auth too weak: flavor %d, program %s wants %d",
		req.Cred.Flavor, req.Program.Name, req.Program.MinAuth)
	req.AuthErr = rpc.AuthTooWeak
	return false
}

// authenticate runs the scheme of req. It does not depend on the program
// the call is for.
func (s *Service) authenticate(req *Request) AuthResult {
	a := s.auths.handler(req)
	if a == nil {
		logger.Warn("No auth handler found for flavor %d", req.Cred.Flavor)
		req.AuthErr = rpc.AuthRejectedCred
		return AuthReject
	}
	if err := a.RequestInit(req); err != nil {
		logger.Debug("Auth %s request init failed: %v", a.Name(), err)
		req.AuthErr = rpc.AuthBadCred
		return AuthReject
	}

	res := a.Authenticate(req)
	if res == AuthReject {
		if req.AuthErr == rpc.AuthOK {
			req.AuthErr = rpc.AuthFailed
		}
		return res
	}

	if s.cfg.Auth.RootSquash {
		s.squash(req)
	}
	return res
}

// squash maps root to the anonymous ids.
func (s *Service) squash(req *Request) {
	if req.UID == 0 {
		req.UID = s.cfg.Auth.AnonUID
	}
	if req.GID == 0 {
		req.GID = s.cfg.Auth.AnonGID
	}
	for i, g := range req.AuxGIDs {
		if g == 0 {
			req.AuxGIDs[i] = s.cfg.Auth.AnonGID
		}
	}
}

// AuthArray returns the flavors enabled for volume through the
// rpc-auth.<scheme>.<volume> options, in scheme registration order.
func (s *Service) AuthArray(volume string) []uint32 {
	var out []uint32
	for _, sc := range s.auths.schemes {
		key := "rpc-auth." + sc.auth.Name() + "." + volume
		v, ok := s.authOptions[key]
		if !ok {
			continue
		}
		on, err := parseBool(v)
		if err != nil {
			logger.Warn("Bad %s value %q: %v", key, v, err)
			continue
		}
		if on {
			out = append(out, sc.auth.Flavor())
		}
	}
	return out
}

// parseBool accepts the option spellings on/off, yes/no, true/false,
// enable/disable and 1/0.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes", "true", "enable", "1":
		return true, nil
	case "off", "no", "false", "disable", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
