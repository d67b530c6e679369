package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgate/internal/config"
	"smsgate/internal/publisher"
)

const appConfig = `{
  "logging": {"level": "error"},
  "gateway": {"addr": "127.0.0.1:0"},
  "dispatch": {"default_max_retries": %d},
  "transport": {"driver": "sim", "sim": {"sent_delay": "5ms", "delivery_delay": "10ms", "scripts": {"+15550002": {"sent": [2]}}}}
}`

func writeConfig(t *testing.T, path string, retries int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(appConfig, retries)), 0o600))
}

func startApp(t *testing.T) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, 1)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path
}

func postSms(t *testing.T, addr, body string) int {
	t.Helper()
	resp, err := http.Post("http://"+addr+"/v1/sms", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func readNotification(t *testing.T, r func() ([]byte, error)) publisher.Notification {
	t.Helper()
	msg, err := r()
	require.NoError(t, err)
	var n publisher.Notification
	require.NoError(t, json.Unmarshal(msg, &n))
	return n
}

func TestAppSendAndNotify(t *testing.T) {
	a, _ := startApp(t)
	addr := a.Addr()
	require.NotEmpty(t, addr)

	conn, _, _, err := ws.Dial(context.Background(), "ws://"+addr+"/v1/events")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		_, ok := a.pub.Current()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	read := func() ([]byte, error) { return wsutil.ReadServerText(conn) }

	require.Equal(t, http.StatusAccepted, postSms(t, addr, `{"jobId":"j1","to":"+15550001","body":"hi"}`))
	n := readNotification(t, read)
	assert.Equal(t, "j1", n.JobID)
	assert.EqualValues(t, "sent", n.Status)
	n = readNotification(t, read)
	assert.EqualValues(t, "delivered", n.Status)

	require.Equal(t, http.StatusAccepted, postSms(t, addr, `{"jobId":"j2","to":"+15550002","body":"hi"}`))
	n = readNotification(t, read)
	assert.Equal(t, "j2", n.JobID)
	assert.EqualValues(t, "failed_retrying", n.Status)
	require.NotNil(t, n.ErrorMessage)
	assert.Equal(t, "Radio off", *n.ErrorMessage)

	snap, err := a.reg.Lookup("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.MaxRetries)

	assert.Equal(t, http.StatusConflict, postSms(t, addr, `{"jobId":"j1","to":"+15550001","body":"again"}`))

	resp, err := http.Get("http://" + addr + "/v1/device")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var dev map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dev))
	assert.Equal(t, "sim", dev["driver"])
}

func TestAppHotReloadsDispatchDefaults(t *testing.T) {
	a, path := startApp(t)
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, 7)

	require.Eventually(t, func() bool {
		return a.cfgm.Get().Dispatch.DefaultMaxRetries != nil && *a.cfgm.Get().Dispatch.DefaultMaxRetries == 7
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		id := "r" + time.Now().Format("150405.000000000")
		if postSms(t, a.Addr(), `{"jobId":"`+id+`","to":"+1","body":"x"}`) != http.StatusAccepted {
			return false
		}
		snap, err := a.reg.Lookup(id)
		return err == nil && snap.MaxRetries == 7
	}, 3*time.Second, 50*time.Millisecond)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"registry": {"sweep_schedule": "every now and then"}}`), 0o600))
	_, err := NewApp(path)
	assert.Error(t, err)
}

func TestMapSimConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode("c.json", []byte(`{"transport": {"sim": {"delivery_reports": false, "sent_code": 4, "scripts": {"+1": {"sent": [-1, 3], "delivered": [null]}}}}}`))
	require.NoError(t, err)
	sc, err := mapSimConfig(cfg)
	require.NoError(t, err)
	assert.False(t, sc.DeliveryReports)
	assert.Equal(t, 4, sc.SentCode)
	require.Contains(t, sc.Scripts, "+1")
	assert.Equal(t, []int{-1, 3}, sc.Scripts["+1"].Sent)
	require.Len(t, sc.Scripts["+1"].Delivered, 1)
	assert.Nil(t, sc.Scripts["+1"].Delivered[0])

	cfg.Transport.Sim.Scripts["+2"] = []byte(`{"sent": [1], "bogus": true}`)
	_, err = mapSimConfig(cfg)
	assert.Error(t, err)
}
