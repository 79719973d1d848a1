package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"pkt.systems/xatm/api"
	"pkt.systems/xatm/internal/correlation"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/xa"
)

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	if err := decodeJSONBody(body, dst); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func unexpectedReply(out message.Outbound) error {
	return fmt.Errorf("httpapi: unexpected reply %T", out)
}

// handleBegin godoc
// @Summary      Begin a global transaction
// @Description  Register a transaction owned by the calling process. An empty `trid` asks the manager to mint one. Beginning a trid that is already known joins it. A transaction past the involved stage answers XAER_PROTO. `timeout_ms` of zero disables the deadline.
// @Tags         transaction
// @Accept       json
// @Produce      json
// @Param        request  body      api.BeginRequest  true  "Owner and optional trid"
// @Success      200      {object}  api.BeginResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /transaction/begin [post]
func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	var payload api.BeginRequest
	if err := h.decode(w, r, &payload); err != nil {
		return err
	}
	trid, err := parseTRID(payload.TRID, true)
	if err != nil {
		return err
	}
	if payload.TimeoutMillis < 0 {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_timeout", Detail: "timeout_ms must be >= 0"}
	}
	out, err := h.call(r.Context(), func(reply chan<- message.Outbound) message.Inbound {
		return message.Begin{
			Correlation: correlation.ID(r.Context()),
			Process:     toProcess(payload.Owner),
			TRID:        trid,
			Timeout:     time.Duration(payload.TimeoutMillis) * time.Millisecond,
			Reply:       reply,
		}
	})
	if err != nil {
		return err
	}
	br, ok := out.(message.BeginReply)
	if !ok {
		return unexpectedReply(out)
	}
	h.writeJSON(w, http.StatusOK, api.BeginResponse{TRID: br.TRID.String(), Code: br.Code.String()})
	return nil
}

// handleCommit godoc
// @Summary      Commit a global transaction
// @Description  Run two-phase commit over every involved resource. Zero resources reply XA_RDONLY, a single resource commits in one phase. The reply is sent once the outcome is durable.
// @Tags         transaction
// @Accept       json
// @Produce      json
// @Param        request  body      api.OutcomeRequest  true  "Transaction to commit"
// @Success      200      {object}  api.OutcomeResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /transaction/commit [post]
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	return h.handleOutcome(w, r, message.KindCommit)
}

// handleRollback godoc
// @Summary      Roll back a global transaction
// @Tags         transaction
// @Accept       json
// @Produce      json
// @Param        request  body      api.OutcomeRequest  true  "Transaction to roll back"
// @Success      200      {object}  api.OutcomeResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /transaction/rollback [post]
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) error {
	return h.handleOutcome(w, r, message.KindRollback)
}

func (h *Handler) handleOutcome(w http.ResponseWriter, r *http.Request, kind message.Kind) error {
	var payload api.OutcomeRequest
	if err := h.decode(w, r, &payload); err != nil {
		return err
	}
	trid, err := parseTRID(payload.TRID, false)
	if err != nil {
		return err
	}
	correlationID := correlation.ID(r.Context())
	out, err := h.call(r.Context(), func(reply chan<- message.Outbound) message.Inbound {
		if kind == message.KindRollback {
			return message.Rollback{
				Correlation: correlationID,
				Process:     toProcess(payload.Caller),
				TRID:        trid,
				Resources:   toRMIDs(payload.Resources),
				Reply:       reply,
			}
		}
		return message.Commit{
			Correlation: correlationID,
			Process:     toProcess(payload.Caller),
			TRID:        trid,
			Resources:   toRMIDs(payload.Resources),
			Reply:       reply,
		}
	})
	if err != nil {
		return err
	}
	var resp api.OutcomeResponse
	switch reply := out.(type) {
	case message.CommitReply:
		resp = api.OutcomeResponse{TRID: reply.TRID.String(), Stage: reply.Stage, Code: reply.Code.String()}
	case message.RollbackReply:
		resp = api.OutcomeResponse{TRID: reply.TRID.String(), Stage: reply.Stage, Code: reply.Code.String()}
	default:
		return unexpectedReply(out)
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

// handleInvolved godoc
// @Summary      Report resources involved in a transaction
// @Tags         resource
// @Accept       json
// @Param        request  body  api.InvolvedRequest  true  "Transaction and resource ids"
// @Success      202
// @Failure      400  {object}  api.ErrorResponse
// @Router       /resource/involved [post]
func (h *Handler) handleInvolved(w http.ResponseWriter, r *http.Request) error {
	var payload api.InvolvedRequest
	if err := h.decode(w, r, &payload); err != nil {
		return err
	}
	trid, err := parseTRID(payload.TRID, false)
	if err != nil {
		return err
	}
	for _, id := range payload.Resources {
		if id <= 0 {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_resource", Detail: fmt.Sprintf("resource id %d must be positive", id)}
		}
	}
	if err := h.submit(r.Context(), message.Involved{TRID: trid, Resources: toRMIDs(payload.Resources)}); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// handleExternal godoc
// @Summary      Involve an external resource
// @Description  Register a process outside the configured pools, typically a peer domain, as a participant. The reply carries the resource id it was given.
// @Tags         resource
// @Accept       json
// @Produce      json
// @Param        request  body      api.ExternalRequest  true  "Transaction and external process"
// @Success      200      {object}  api.ExternalResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /resource/external [post]
func (h *Handler) handleExternal(w http.ResponseWriter, r *http.Request) error {
	var payload api.ExternalRequest
	if err := h.decode(w, r, &payload); err != nil {
		return err
	}
	trid, err := parseTRID(payload.TRID, false)
	if err != nil {
		return err
	}
	if payload.Process.Endpoint == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_endpoint", Detail: "external resources must provide an endpoint"}
	}
	out, err := h.call(r.Context(), func(reply chan<- message.Outbound) message.Inbound {
		return message.ExternalInvolved{TRID: trid, Process: toProcess(payload.Process), Reply: reply}
	})
	if err != nil {
		return err
	}
	er, ok := out.(message.ExternalReply)
	if !ok {
		return unexpectedReply(out)
	}
	h.writeJSON(w, http.StatusOK, api.ExternalResponse{TRID: er.TRID.String(), Resource: int(er.Resource)})
	return nil
}

// handleConnect godoc
// @Summary      Connect a resource instance
// @Description  Called by a resource instance once it has opened its resource. Returns the open and close info of the resource it belongs to.
// @Tags         resource
// @Accept       json
// @Produce      json
// @Param        request  body      api.ConnectRequest  true  "Instance process and open result"
// @Success      200      {object}  api.ConnectResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /resource/connect [post]
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) error {
	var payload api.ConnectRequest
	if err := h.decode(w, r, &payload); err != nil {
		return err
	}
	code, err := parseCode(payload.Code)
	if err != nil {
		return err
	}
	if payload.Process.PID == 0 && payload.Process.Endpoint == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_process", Detail: "process pid or endpoint is required"}
	}
	out, err := h.call(r.Context(), func(reply chan<- message.Outbound) message.Inbound {
		return message.Connect{
			Resource: xa.RMID(payload.Resource),
			Process:  toProcess(payload.Process),
			Code:     code,
			Reply:    reply,
		}
	})
	if err != nil {
		return err
	}
	cr, ok := out.(message.ConnectReply)
	if !ok {
		return unexpectedReply(out)
	}
	h.writeJSON(w, http.StatusOK, api.ConnectResponse{
		Resource:  int(cr.Resource),
		Key:       cr.Key,
		OpenInfo:  cr.OpenInfo,
		CloseInfo: cr.CloseInfo,
		Code:      cr.Code.String(),
	})
	return nil
}

// handleResourceReply godoc
// @Summary      Deliver a resource reply
// @Description  Asynchronous prepare, commit or rollback result from a resource instance.
// @Tags         resource
// @Accept       json
// @Param        request  body  api.ResourceReply  true  "Resource result"
// @Success      202
// @Failure      400  {object}  api.ErrorResponse
// @Router       /resource/reply [post]
func (h *Handler) handleResourceReply(w http.ResponseWriter, r *http.Request) error {
	var payload api.ResourceReply
	if err := h.decode(w, r, &payload); err != nil {
		return err
	}
	msg, err := fromAPIResourceReply(payload)
	if err != nil {
		return err
	}
	if err := h.submit(r.Context(), msg); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// handleDomain godoc
// @Summary      Prepare, commit or roll back on behalf of a peer domain
// @Tags         domain
// @Accept       json
// @Produce      json
// @Param        request  body      api.DomainRequest  true  "Branch to act on"
// @Success      200      {object}  api.DomainResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /domain/prepare [post]
// @Router       /domain/commit [post]
// @Router       /domain/rollback [post]
func (h *Handler) handleDomain(kind message.Kind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		var payload api.DomainRequest
		if err := h.decode(w, r, &payload); err != nil {
			return err
		}
		trid, err := parseTRID(payload.TRID, false)
		if err != nil {
			return err
		}
		out, err := h.call(r.Context(), func(reply chan<- message.Outbound) message.Inbound {
			return message.DomainRequest{
				Kind:        kind,
				Correlation: payload.Correlation,
				Process:     toProcess(payload.Peer),
				TRID:        trid,
				Resource:    xa.RMID(payload.Resource),
				Flags:       xa.Flags(payload.Flags),
				Reply:       reply,
			}
		})
		if err != nil {
			return err
		}
		dr, ok := out.(message.DomainReply)
		if !ok {
			return unexpectedReply(out)
		}
		h.writeJSON(w, http.StatusOK, api.DomainResponse{
			Kind:        dr.Kind.String(),
			Correlation: dr.Correlation,
			TRID:        dr.TRID.String(),
			Resource:    int(dr.Resource),
			Code:        dr.Code.String(),
		})
		return nil
	}
}

// handleState godoc
// @Summary      Snapshot manager state
// @Tags         admin
// @Produce      json
// @Success      200  {object}  message.State
// @Failure      503  {object}  api.ErrorResponse
// @Router       /admin/state [get]
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) error {
	st, err := h.manager.Snapshot(r.Context())
	if err != nil {
		return h.submitError(err)
	}
	h.writeJSON(w, http.StatusOK, st)
	return nil
}

func (h *Handler) submitError(err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-h.manager.Done():
		return errManagerStopped
	default:
		return err
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if !h.manager.Ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "waiting for resource instances"}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
