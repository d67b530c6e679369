package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgate/internal/correlator"
	"smsgate/internal/dispatch"
	"smsgate/internal/job"
	"smsgate/internal/outcome"
	"smsgate/internal/publisher"
	"smsgate/internal/transport"
	logx "smsgate/pkg/logx"
)

type stubTransport struct {
	err  error
	down atomic.Bool
}

func (s *stubTransport) Probe(context.Context) transport.DeviceStatus {
	return transport.DeviceStatus{Driver: "stub", Reachable: !s.down.Load()}
}

func (s *stubTransport) Split(body string) ([]string, error) {
	if len(body) > 5 {
		return []string{body[:5], body[5:]}, nil
	}
	return []string{body}, nil
}

func (s *stubTransport) TransmitMultipart(context.Context, string, []string, []transport.Token, []transport.Token) error {
	return s.err
}

type fixture struct {
	srv  *httptest.Server
	reg  *job.Registry
	pub  *publisher.Publisher
	corr *correlator.Correlator
	tr   *stubTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := job.NewRegistry()
	pub := publisher.New()
	corr := correlator.New(reg, pub, logx.Nop())
	tr := &stubTransport{}
	s := New(Config{CallbackIngress: true}, Deps{
		Orchestrator: dispatch.New(tr, reg, logx.Nop()),
		Registry:     reg,
		Correlator:   corr,
		Publisher:    pub,
		Device:       tr,
	}, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: ts, reg: reg, pub: pub, corr: corr, tr: tr}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/v1/events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		_, ok := f.pub.Current()
		return ok
	}, time.Second, 5*time.Millisecond)
	return conn
}

func readNotification(t *testing.T, conn net.Conn) publisher.Notification {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	b, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var n publisher.Notification
	require.NoError(t, json.Unmarshal(b, &n))
	return n
}

func TestSendSms(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.post(t, "/v1/sms", `{"jobId":"A","to":"+15551234567","body":"hello world"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "A", body["jobId"])
	assert.EqualValues(t, 2, body["fragments"])
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))

	resp, _ = f.post(t, "/v1/sms", `{"jobId":"A","to":"+15551234567","body":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.post(t, "/v1/sms", `{"jobId":"B","body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "to", body["field"])

	resp, _ = f.post(t, "/v1/sms", `{"jobId":"B","to":"+1","body":"x","maxRetries":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/sms", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendSmsTransportFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tr.err = errors.New("radio unavailable")

	resp, body := f.post(t, "/v1/sms", `{"jobId":"A","to":"+1","body":"x"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "radio unavailable")

	resp, _ = f.get(t, "/v1/jobs/A")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "registration is kept")
}

func TestJobQueries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.post(t, "/v1/sms", `{"jobId":"A","to":"+1","body":"x","maxRetries":1}`)
	f.post(t, "/v1/sms", `{"jobId":"B","to":"+1","body":"y"}`)
	f.corr.OnSentResult("A", 0, outcome.ResultOK)

	resp, body := f.get(t, "/v1/jobs/A")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "A", body["jobId"])
	assert.Equal(t, "sent", body["status"])
	assert.EqualValues(t, 1, body["maxRetries"])
	assert.Equal(t, true, body["settled"])
	frags, ok := body["fragments"].([]any)
	require.True(t, ok)
	require.Len(t, frags, 1)
	frag := frags[0].(map[string]any)
	assert.Contains(t, frag, "sentAt")
	assert.NotContains(t, frag, "deliveredAt")

	_, body = f.get(t, "/v1/jobs/B")
	assert.Equal(t, false, body["settled"])

	resp, _ = f.get(t, "/v1/jobs/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.get(t, "/v1/jobs?status=sending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, _ = f.get(t, "/v1/jobs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.get(t, "/v1/jobs?limit=-2")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallbackIngress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.post(t, "/v1/sms", `{"jobId":"A","to":"+1","body":"x"}`)

	resp, _ := f.post(t, "/v1/callbacks/sent", `{"jobId":"A","part":0,"resultCode":2}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	snap, err := f.reg.Lookup("A")
	require.NoError(t, err)
	assert.Equal(t, job.SentFailedRetrying, snap.Fragments[0].Sent)

	resp, _ = f.post(t, "/v1/callbacks/sent", `{"jobId":"ghost","part":0,"resultCode":-1}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := f.post(t, "/v1/callbacks/delivered", `{"jobId":"A","part":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "resultCode", body["field"])

	resp, _ = f.post(t, "/v1/callbacks/queued", `{"jobId":"A","part":0,"resultCode":-1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.dial(t)

	f.post(t, "/v1/sms", `{"jobId":"A","to":"+15551234567","body":"hi"}`)
	f.corr.OnSentResult("A", 0, outcome.ResultErrorRadioOff)

	n := readNotification(t, conn)
	assert.Equal(t, "A", n.JobID)
	assert.Equal(t, outcome.StatusFailedRetrying, n.Status)
	require.NotNil(t, n.ErrorCode)
	assert.Equal(t, outcome.ResultErrorRadioOff, *n.ErrorCode)
	require.NotNil(t, n.ErrorMessage)
	assert.Equal(t, "Radio off", *n.ErrorMessage)
}

func TestEventStreamReplacesPrevious(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.dial(t)
	firstID, _ := f.pub.Current()

	second := f.dial(t)
	require.Eventually(t, func() bool {
		id, ok := f.pub.Current()
		return ok && id != firstID
	}, time.Second, 5*time.Millisecond)

	// The replaced client sees a close frame.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := wsutil.ReadServerText(first)
	var ce wsutil.ClosedError
	require.ErrorAs(t, err, &ce)

	f.post(t, "/v1/sms", `{"jobId":"A","to":"+1","body":"hi"}`)
	f.corr.OnSentResult("A", 0, outcome.ResultOK)
	n := readNotification(t, second)
	assert.Equal(t, outcome.StatusSent, n.Status)
}

func TestEventStreamDisconnectDetaches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.dial(t)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, ok := f.pub.Current()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeviceStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, body := f.get(t, "/v1/device")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stub", body["driver"])

	f.tr.down.Store(true)
	resp, body = f.get(t, "/v1/device")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["reachable"])
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["listener"])
	dev, ok := body["device"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, dev["reachable"])

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	req.Header.Set(headerRequestID, "abc")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, "abc", r2.Header.Get(headerRequestID))
}
