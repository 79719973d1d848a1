package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"pkt.systems/xatm/api"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/xa"
)

func parseTRID(raw string, allowNull bool) (xa.XID, error) {
	trid, err := xa.ParseXID(raw)
	if err != nil {
		return xa.XID{}, httpError{Status: http.StatusBadRequest, Code: "invalid_trid", Detail: err.Error()}
	}
	if trid.IsNull() && !allowNull {
		return xa.XID{}, httpError{Status: http.StatusBadRequest, Code: "missing_trid", Detail: "trid is required"}
	}
	return trid, nil
}

// parseCode accepts a symbolic or numeric XA code; empty means XA_OK.
func parseCode(raw string) (xa.Code, error) {
	if raw == "" {
		return xa.OK, nil
	}
	code, err := xa.ParseCode(raw)
	if err != nil {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_code", Detail: err.Error()}
	}
	return code, nil
}

func parseKind(raw string) (message.Kind, error) {
	kind, ok := message.ParseKind(raw)
	if !ok {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_kind", Detail: fmt.Sprintf("kind %q must be prepare|commit|rollback", raw)}
	}
	return kind, nil
}

func toRMIDs(ids []int) []xa.RMID {
	out := make([]xa.RMID, 0, len(ids))
	for _, id := range ids {
		out = append(out, xa.RMID(id))
	}
	return out
}

func toProcess(p api.Process) message.Process {
	return message.Process{PID: p.PID, Endpoint: p.Endpoint}
}

func toAPIResourceRequest(req message.ResourceRequest) api.ResourceRequest {
	return api.ResourceRequest{
		Kind:        req.Kind.String(),
		Correlation: req.Correlation,
		TRID:        req.TRID.String(),
		Resource:    int(req.Resource),
		Flags:       int64(req.Flags),
	}
}

func fromAPIResourceReply(in api.ResourceReply) (message.ResourceReply, error) {
	kind, err := parseKind(in.Kind)
	if err != nil {
		return message.ResourceReply{}, err
	}
	trid, err := parseTRID(in.TRID, false)
	if err != nil {
		return message.ResourceReply{}, err
	}
	code, err := parseCode(in.Code)
	if err != nil {
		return message.ResourceReply{}, err
	}
	out := message.ResourceReply{
		Kind:        kind,
		Correlation: in.Correlation,
		TRID:        trid,
		Resource:    xa.RMID(in.Resource),
		Process:     toProcess(in.Process),
		Code:        code,
	}
	if in.StartUnixNano > 0 {
		out.Statistics.Start = time.Unix(0, in.StartUnixNano)
	}
	if in.EndUnixNano > 0 {
		out.Statistics.End = time.Unix(0, in.EndUnixNano)
	}
	return out, nil
}
