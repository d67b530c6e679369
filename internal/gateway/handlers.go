package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"smsgate/internal/dispatch"
	"smsgate/internal/job"
	"smsgate/internal/outcome"
	"smsgate/internal/transport"
	logx "smsgate/pkg/logx"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type acceptedBody struct {
	JobID     string `json:"jobId"`
	Fragments int    `json:"fragments"`
}

type listBody struct {
	Total int       `json:"total"`
	Jobs  []jobBody `json:"jobs"`
}

type jobBody struct {
	job.Snapshot
	Status  job.Aggregate `json:"status"`
	Settled bool          `json:"settled"`
}

func toJobBody(s job.Snapshot) jobBody {
	return jobBody{Snapshot: s, Status: s.Status(), Settled: s.Settled()}
}

// callbackBody is what an out-of-process transport posts back per fragment.
type callbackBody struct {
	JobID      string `json:"jobId"`
	Part       *int   `json:"part"`
	ResultCode *int   `json:"resultCode"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Registry != nil {
		body["jobs"] = s.deps.Registry.Len()
	}
	if s.deps.Publisher != nil {
		_, listening := s.deps.Publisher.Current()
		body["listener"] = listening
	}
	if s.deps.Device != nil {
		body["device"] = s.deps.Device.Probe(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

// device reports the handset link; 503 when it is unreachable.
func (s *Server) device(w http.ResponseWriter, r *http.Request) {
	if s.deps.Device == nil {
		s.fail(w, r, http.StatusNotFound, errors.New("device status not available"))
		return
	}
	st := s.deps.Device.Probe(r.Context())
	code := http.StatusOK
	if !st.Reachable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) sendSms(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}
	req, err := dispatch.DecodeSendSmsJSON(b)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	err = s.deps.Orchestrator.Submit(r.Context(), req)
	switch {
	case err == nil:
	case dispatch.IsClientError(err):
		s.fail(w, r, http.StatusBadRequest, err)
		return
	case errors.Is(err, job.ErrDuplicateJob):
		s.fail(w, r, http.StatusConflict, err)
		return
	case errors.Is(err, dispatch.ErrSend):
		s.fail(w, r, http.StatusBadGateway, err)
		return
	default:
		s.fail(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	n := 0
	if snap, err := s.deps.Registry.Lookup(req.JobID); err == nil {
		n = len(snap.Fragments)
	}
	writeJSON(w, http.StatusAccepted, acceptedBody{JobID: req.JobID, Fragments: n})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.deps.Registry.Lookup(id)
	if err != nil {
		s.fail(w, r, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobBody(snap))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f job.Filter
	if raw := q.Get("status"); raw != "" {
		st, ok := job.ParseAggregate(raw)
		if !ok {
			s.fail(w, r, http.StatusBadRequest, errors.New("unknown status filter "+strconv.Quote(raw)))
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intQuery(q.Get("limit"), 50); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if f.Offset, err = intQuery(q.Get("offset"), 0); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	total, page := s.deps.Registry.List(f)
	out := listBody{Total: total, Jobs: make([]jobBody, 0, len(page))}
	for _, snap := range page {
		out.Jobs = append(out.Jobs, toJobBody(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

// callback accepts a result for one fragment. Unknown jobs are accepted and
// ignored so a transport never retries them.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	phase, err := outcome.ParsePhase(mux.Vars(r)["phase"])
	if err != nil {
		s.fail(w, r, http.StatusNotFound, err)
		return
	}
	var body callbackBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	switch {
	case body.JobID == "":
		s.fail(w, r, http.StatusBadRequest, &dispatch.MissingArgumentError{Field: "jobId"})
		return
	case body.Part == nil:
		s.fail(w, r, http.StatusBadRequest, &dispatch.MissingArgumentError{Field: "part"})
		return
	case body.ResultCode == nil:
		s.fail(w, r, http.StatusBadRequest, &dispatch.MissingArgumentError{Field: "resultCode"})
		return
	}

	tok := transport.Token{JobID: body.JobID, Fragment: *body.Part, Phase: phase}
	if err := s.deps.Correlator.Dispatch(tok, *body.ResultCode); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	body := errorBody{Error: err.Error(), RequestID: w.Header().Get(headerRequestID)}
	var me *dispatch.MissingArgumentError
	var ie *dispatch.InvalidArgumentError
	switch {
	case errors.As(err, &me):
		body.Field = me.Field
	case errors.As(err, &ie):
		body.Field = ie.Field
	}
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			logx.String("path", r.URL.Path),
			logx.Int("status", code),
			logx.Err(err),
		)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func intQuery(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer " + strconv.Quote(raw))
	}
	return n, nil
}
