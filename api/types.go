package api

// Process identifies the caller of a request. PID is used to detect the
// process exiting; Endpoint is where the manager reaches it.
type Process struct {
	// PID is the operating system process id, zero when unknown or remote.
	PID int `json:"pid,omitempty"`
	// Endpoint is the base URL the process serves XA requests on.
	Endpoint string `json:"endpoint,omitempty"`
}

// BeginRequest drives POST /v1/transaction/begin.
type BeginRequest struct {
	// TRID is the branch to begin in formatID:gtrid:bqual form. Empty asks the
	// manager to generate one.
	TRID string `json:"trid,omitempty"`
	// Owner is the process owning the transaction.
	Owner Process `json:"owner"`
	// TimeoutMillis bounds the transaction lifetime; zero means no deadline.
	TimeoutMillis int64 `json:"timeout_ms,omitempty"`
}

// BeginResponse answers BeginRequest.
type BeginResponse struct {
	TRID string `json:"trid"`
	Code string `json:"code"`
}

// InvolvedRequest drives POST /v1/resource/involved.
type InvolvedRequest struct {
	TRID string `json:"trid"`
	// Resources lists configured resource ids taking part in the branch.
	Resources []int `json:"resources"`
}

// ExternalRequest drives POST /v1/resource/external. The caller becomes an
// external resource of the branch and receives XA requests on its endpoint.
type ExternalRequest struct {
	TRID    string  `json:"trid"`
	Process Process `json:"process"`
}

// ExternalResponse carries the resource id assigned to an external resource.
// External ids are always negative.
type ExternalResponse struct {
	TRID     string `json:"trid"`
	Resource int    `json:"resource"`
}

// OutcomeRequest drives POST /v1/transaction/commit and
// POST /v1/transaction/rollback.
type OutcomeRequest struct {
	TRID string `json:"trid"`
	// Caller is the process asking for the outcome.
	Caller Process `json:"caller"`
	// Resources are involved before the request is acted upon.
	Resources []int `json:"resources,omitempty"`
}

// OutcomeResponse reports the outcome of a commit or rollback.
type OutcomeResponse struct {
	TRID string `json:"trid"`
	// Stage is the transaction stage the reply was produced in (for example
	// commit, rollback or prepare).
	Stage string `json:"stage,omitempty"`
	// Code is the symbolic XA return code (for example XA_OK, XA_RBROLLBACK).
	Code string `json:"code"`
}

// ConnectRequest drives POST /v1/resource/connect. A resource instance sends
// it once it has opened (or failed to open) its resource manager.
type ConnectRequest struct {
	Resource int     `json:"resource"`
	Process  Process `json:"process"`
	Code     string  `json:"code"`
}

// ConnectResponse hands the instance its resource configuration.
type ConnectResponse struct {
	Resource  int    `json:"resource"`
	Key       string `json:"key,omitempty"`
	OpenInfo  string `json:"openinfo,omitempty"`
	CloseInfo string `json:"closeinfo,omitempty"`
	Code      string `json:"code"`
}

// ResourceRequest is posted by the manager to {endpoint}/xa/{kind} of a
// resource instance or external resource.
type ResourceRequest struct {
	// Kind is prepare, commit or rollback.
	Kind string `json:"kind"`
	// Correlation must be echoed in the ResourceReply.
	Correlation string `json:"correlation"`
	TRID        string `json:"trid"`
	Resource    int    `json:"resource"`
	// Flags carries XA flags such as TMONEPHASE.
	Flags int64 `json:"flags,omitempty"`
}

// ResourceReply drives POST /v1/resource/reply. An instance may also return
// it as the body of a 200 response to ResourceRequest.
type ResourceReply struct {
	Kind        string  `json:"kind"`
	Correlation string  `json:"correlation"`
	TRID        string  `json:"trid"`
	Resource    int     `json:"resource"`
	Process     Process `json:"process"`
	Code        string  `json:"code"`
	// StartUnixNano and EndUnixNano bound the time spent in the resource
	// manager.
	StartUnixNano int64 `json:"start_unix_nano,omitempty"`
	EndUnixNano   int64 `json:"end_unix_nano,omitempty"`
}

// DomainRequest drives POST /v1/domain/{prepare,commit,rollback}. A peer
// domain that owns the transaction treats this manager as one of its
// resources.
type DomainRequest struct {
	Correlation string  `json:"correlation,omitempty"`
	TRID        string  `json:"trid"`
	Resource    int     `json:"resource"`
	Flags       int64   `json:"flags,omitempty"`
	Peer        Process `json:"peer"`
}

// DomainResponse reports the aggregated outcome to the peer domain.
type DomainResponse struct {
	Kind        string `json:"kind"`
	Correlation string `json:"correlation,omitempty"`
	TRID        string `json:"trid"`
	Resource    int    `json:"resource"`
	Code        string `json:"code"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable xatm error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
