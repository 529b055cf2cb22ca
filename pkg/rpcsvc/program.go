package rpcsvc

import (
	"context"
	"fmt"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/pmap"
)

// ActorStatus is the outcome of an actor.
type ActorStatus int

const (
	// ActorSuccess means the actor replied or will reply later.
	ActorSuccess ActorStatus = iota

	// ActorError means the actor failed. A SYSTEM_ERR reply is sent
	// unless the actor already replied.
	ActorError

	// ActorIgnore means the request is dropped without a reply.
	ActorIgnore
)

func (s ActorStatus) String() string {
	switch s {
	case ActorSuccess:
		return "SUCCESS"
	case ActorError:
		return "ERROR"
	case ActorIgnore:
		return "IGNORE"
	default:
		return fmt.Sprintf("ActorStatus(%d)", int(s))
	}
}

// Handler serves a procedure. req.Msg holds the procedure arguments.
type Handler func(req *Request) ActorStatus

// VectorHandler serves a procedure whose bulk payload was read into vec.
// The payload is vec.Bytes()[:req.PayloadSize()]. vec is nil when the
// sizer asked for no payload. The handler must Ref vec to keep it past its
// return.
type VectorHandler func(req *Request, vec *iobuf.IOBuf) ActorStatus

// VectorSizer tells the record assembler how many more bytes of the
// procedure header to read. consumed is the length of the header read so
// far (0 on the first call). Returning newBuf asks for the next more bytes
// to be read into a fresh iobuf handed to the VectorHandler. Returning
// more == 0 without newBuf ends the header.
type VectorSizer func(req *Request, consumed int) (more int, newBuf bool, err error)

// Actor is one procedure of a program, indexed by procedure number.
type Actor struct {
	Name string
	Proc uint32

	Handler     Handler
	VectorActor VectorHandler
	VectorSizer VectorSizer

	// NonIdempotent procedures go through the duplicate request cache.
	NonIdempotent bool

	// Unprivileged procedures may be called from ports above 1024 when
	// the transport does not allow insecure peers.
	Unprivileged bool
}

// Program is a registered RPC program version.
type Program struct {
	Name    string
	Number  uint32
	Version uint32

	// LowVersion and HighVersion are reported in PROG_MISMATCH replies.
	// They default to Version.
	LowVersion  uint32
	HighVersion uint32

	// Port is advertised to the port mapper. 0 uses the listening port.
	Port int

	// Actors is indexed by procedure number. A slot with neither handler
	// set answers PROC_UNAVAIL.
	Actors []Actor

	// MinAuth is the weakest credential flavor accepted.
	MinAuth uint32

	// Volume names the export the program serves. When set, every call
	// must pass the rpc-auth.addr and rpc-auth.ports rules of the volume.
	Volume string

	// Private is carried for the actors; the service never reads it.
	Private any

	// Portmap registers the program with the port mapper.
	Portmap bool
}

func (p *Program) String() string {
	return fmt.Sprintf("%s (%d, %d)", p.Name, p.Number, p.Version)
}

// validate checks p and fills in the version range.
func (p *Program) validate() error {
	if p == nil {
		return ErrInvalidArgument
	}
	if len(p.Actors) == 0 {
		return fmt.Errorf("%w: program %s has no actors", ErrInvalidArgument, p.Name)
	}
	if p.LowVersion == 0 && p.HighVersion == 0 {
		p.LowVersion, p.HighVersion = p.Version, p.Version
	}
	if p.LowVersion > p.HighVersion {
		return fmt.Errorf("%w: program %s version range %d..%d", ErrInvalidArgument,
			p.Name, p.LowVersion, p.HighVersion)
	}
	return nil
}

// Register adds a program. The program is copied; changes made by the
// caller afterwards are not seen. Programs flagged Portmap are registered
// with the port mapper when the service has portmap enabled.
func (s *Service) Register(ctx context.Context, prog Program) error {
	prog.Actors = append([]Actor(nil), prog.Actors...)
	if err := prog.validate(); err != nil {
		logger.Error("RPC program registration failed: %v", err)
		return err
	}

	s.progMu.Lock()
	for _, p := range s.programs {
		if p.Number == prog.Number && p.Version == prog.Version {
			s.progMu.Unlock()
			return fmt.Errorf("%w: %s", ErrProgramExists, prog.String())
		}
	}
	p := &prog
	s.programs = append(s.programs, p)
	s.progMu.Unlock()

	if err := s.portmapSet(ctx, p); err != nil {
		logger.Warn("Could not register %s with the port mapper: %v", p, err)
	}
	logger.Info("New program registered: %s, Num: %d, Ver: %d, Port: %d",
		p.Name, p.Number, p.Version, s.programPort(p))
	return nil
}

// Unregister removes the program and its port mapper entry.
func (s *Service) Unregister(ctx context.Context, number, version uint32) error {
	s.progMu.Lock()
	var found *Program
	for i, p := range s.programs {
		if p.Number == number && p.Version == version {
			found = p
			s.programs = append(s.programs[:i:i], s.programs[i+1:]...)
			break
		}
	}
	s.progMu.Unlock()

	if found == nil {
		return fmt.Errorf("%w: (%d, %d)", ErrProgramNotFound, number, version)
	}
	if s.cfg.Portmap && found.Portmap && s.pmap != nil {
		if _, err := s.pmap.Unset(ctx, number, version); err != nil {
			logger.Warn("Could not unregister %s from the port mapper: %v", found, err)
		}
	}
	logger.Info("Program unregistered: %s", found)
	return nil
}

// Programs returns the registered programs in registration order.
func (s *Service) Programs() []Program {
	s.progMu.RLock()
	defer s.progMu.RUnlock()
	out := make([]Program, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, *p)
	}
	return out
}

func (s *Service) programPort(p *Program) int {
	if p.Port > 0 {
		return p.Port
	}
	return s.Port()
}

func (s *Service) portmapSet(ctx context.Context, p *Program) error {
	if !s.cfg.Portmap || !p.Portmap || s.pmap == nil {
		return nil
	}
	port := s.programPort(p)
	if port <= 0 {
		// Not listening yet; Listen registers it.
		return nil
	}
	_, err := s.pmap.Set(ctx, pmap.Mapping{
		Prog: p.Number,
		Vers: p.Version,
		Prot: pmap.ProtoTCP,
		Port: uint32(port),
	})
	return err
}

// lookupActor resolves the program and actor of req.
//
// The program list is searched in registration order. A program number
// match without a version match answers PROG_MISMATCH with the lowest and
// highest versions registered under that number.
func (s *Service) lookupActor(req *Request) (*Program, *Actor, uint32) {
	s.progMu.RLock()
	defer s.progMu.RUnlock()

	var mismatch *Program
	var prog *Program
	for _, p := range s.programs {
		if p.Number != req.Prog {
			continue
		}
		mismatch = p
		if p.Version == req.Vers {
			prog = p
			break
		}
	}

	if prog == nil {
		if mismatch == nil {
			logger.Warn("RPC program not available (req %d %d)", req.Prog, req.Vers)
			return nil, nil, rpc.RPCProgUnavail
		}
		logger.Warn("RPC program version not available (req %d %d)", req.Prog, req.Vers)
		req.mismatchLow, req.mismatchHigh = s.versionRange(req.Prog)
		return mismatch, nil, rpc.RPCProgMismatch
	}

	if int(req.Proc) >= len(prog.Actors) {
		logger.Error("RPC Program procedure not available for procedure %d in %s", req.Proc, prog.Name)
		return prog, nil, rpc.RPCProcUnavail
	}
	actor := &prog.Actors[req.Proc]
	if actor.Handler == nil && actor.VectorActor == nil {
		logger.Error("RPC Program procedure not available for procedure %d in %s", req.Proc, prog.Name)
		return prog, nil, rpc.RPCProcUnavail
	}
	return prog, actor, rpc.RPCSuccess
}

// versionRange returns the lowest and highest versions registered for a
// program number. Called with progMu held.
func (s *Service) versionRange(number uint32) (low, high uint32) {
	first := true
	for _, p := range s.programs {
		if p.Number != number {
			continue
		}
		if first || p.LowVersion < low {
			low = p.LowVersion
		}
		if first || p.HighVersion > high {
			high = p.HighVersion
		}
		first = false
	}
	return low, high
}
