package programs

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/pmap"
	"github.com/marmos91/dittorpc/pkg/rpcsvc"
)

// Portmap procedures (RFC 1833, version 2).
const (
	PmapProcNull    = 0
	PmapProcSet     = 1
	PmapProcUnset   = 2
	PmapProcGetPort = 3
	PmapProcDump    = 4
)

// mapperTimeout bounds every mapper call made while serving a request.
const mapperTimeout = 5 * time.Second

// DecodeMapping decodes the mapping argument of SET, UNSET and GETPORT.
func DecodeMapping(data []byte) (*pmap.Mapping, error) {
	m := &pmap.Mapping{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), m); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return m, nil
}

// EncodeMappingList encodes mappings as the optional-data list DUMP
// returns: each entry is preceded by TRUE and the list ends with FALSE.
func EncodeMappingList(mappings []pmap.Mapping) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range mappings {
		if err := binary.Write(&buf, binary.BigEndian, uint32(1)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, m); err != nil {
			return nil, fmt.Errorf("encode mapping %s: %w", m, err)
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(0)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeBool(v bool) []byte {
	if v {
		return encodeUint32(1)
	}
	return encodeUint32(0)
}

// portmapHandler serves the port mapper procedures over a Mapper.
type portmapHandler struct {
	mapper pmap.Mapper
}

// PortmapProgramDef returns the portmap program backed by m.
//
// SET and UNSET are honoured only when they come from the local host;
// remote callers get FALSE. NULL, GETPORT and DUMP are open to
// unprivileged ports.
func PortmapProgramDef(m pmap.Mapper) rpcsvc.Program {
	h := &portmapHandler{mapper: m}
	return rpcsvc.Program{
		Name:    "PORTMAP",
		Number:  pmap.Program,
		Version: pmap.Version,
		Actors: []rpcsvc.Actor{
			PmapProcNull:    {Name: "NULL", Handler: handleNull, Unprivileged: true},
			PmapProcSet:     {Name: "SET", Handler: h.set, NonIdempotent: true},
			PmapProcUnset:   {Name: "UNSET", Handler: h.unset, NonIdempotent: true},
			PmapProcGetPort: {Name: "GETPORT", Handler: h.getPort, Unprivileged: true},
			PmapProcDump:    {Name: "DUMP", Handler: h.dump, Unprivileged: true},
		},
	}
}

func isLocal(req *rpcsvc.Request) bool {
	c := req.Conn()
	return c != nil && c.Transport() != nil && c.Transport().IsLocal()
}

func (h *portmapHandler) set(req *rpcsvc.Request) rpcsvc.ActorStatus {
	m, err := DecodeMapping(req.Msg)
	if err != nil {
		_ = req.ErrorReply(rpc.RPCGarbageArgs)
		return rpcsvc.ActorSuccess
	}
	if !isLocal(req) {
		logger.Warn("PORTMAP SET of %s refused for remote peer %s", m, req.Conn())
		_ = req.SubmitReply(encodeBool(false))
		return rpcsvc.ActorSuccess
	}

	ctx, cancel := context.WithTimeout(context.Background(), mapperTimeout)
	defer cancel()
	ok, err := h.mapper.Set(ctx, *m)
	if err != nil {
		logger.Error("PORTMAP SET %s: %v", m, err)
		return rpcsvc.ActorError
	}
	logger.Info("PORTMAP SET %s: %t", m, ok)
	_ = req.SubmitReply(encodeBool(ok))
	return rpcsvc.ActorSuccess
}

func (h *portmapHandler) unset(req *rpcsvc.Request) rpcsvc.ActorStatus {
	m, err := DecodeMapping(req.Msg)
	if err != nil {
		_ = req.ErrorReply(rpc.RPCGarbageArgs)
		return rpcsvc.ActorSuccess
	}
	if !isLocal(req) {
		logger.Warn("PORTMAP UNSET of %d/%d refused for remote peer %s", m.Prog, m.Vers, req.Conn())
		_ = req.SubmitReply(encodeBool(false))
		return rpcsvc.ActorSuccess
	}

	ctx, cancel := context.WithTimeout(context.Background(), mapperTimeout)
	defer cancel()
	ok, err := h.mapper.Unset(ctx, m.Prog, m.Vers)
	if err != nil {
		logger.Error("PORTMAP UNSET %d/%d: %v", m.Prog, m.Vers, err)
		return rpcsvc.ActorError
	}
	logger.Info("PORTMAP UNSET %d/%d: %t", m.Prog, m.Vers, ok)
	_ = req.SubmitReply(encodeBool(ok))
	return rpcsvc.ActorSuccess
}

func (h *portmapHandler) getPort(req *rpcsvc.Request) rpcsvc.ActorStatus {
	m, err := DecodeMapping(req.Msg)
	if err != nil {
		_ = req.ErrorReply(rpc.RPCGarbageArgs)
		return rpcsvc.ActorSuccess
	}

	ctx, cancel := context.WithTimeout(context.Background(), mapperTimeout)
	defer cancel()
	port, err := h.mapper.GetPort(ctx, m.Prog, m.Vers, m.Prot)
	if err != nil {
		logger.Error("PORTMAP GETPORT %d/%d/%s: %v", m.Prog, m.Vers, pmap.ProtoName(m.Prot), err)
		return rpcsvc.ActorError
	}
	logger.Debug("PORTMAP GETPORT %d/%d/%s -> %d", m.Prog, m.Vers, pmap.ProtoName(m.Prot), port)
	_ = req.SubmitReply(encodeUint32(port))
	return rpcsvc.ActorSuccess
}

func (h *portmapHandler) dump(req *rpcsvc.Request) rpcsvc.ActorStatus {
	ctx, cancel := context.WithTimeout(context.Background(), mapperTimeout)
	defer cancel()
	mappings, err := h.mapper.List(ctx)
	if err != nil {
		logger.Error("PORTMAP DUMP: %v", err)
		return rpcsvc.ActorError
	}
	data, err := EncodeMappingList(mappings)
	if err != nil {
		return rpcsvc.ActorError
	}
	_ = req.SubmitReply(data)
	return rpcsvc.ActorSuccess
}
