package connectivity

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/uplink/internal/cloud"
	"github.com/temoto/uplink/internal/link"
	"github.com/temoto/uplink/internal/netmgr"
	"github.com/temoto/uplink/internal/provision"
	"github.com/temoto/uplink/internal/stats"
	"github.com/temoto/uplink/internal/store"
	"github.com/temoto/uplink/log2"
)

type scenario struct {
	t     *testing.T
	now   time.Time
	link  *link.Memory
	wifi  *netmgr.Mock
	cloud *cloud.Mock
	store *store.Store
	sess  *provision.Session
	m     *Machine
}

func newScenario(t *testing.T) *scenario {
	log := log2.NewTest(t, log2.LDebug)
	s := &scenario{
		t:     t,
		now:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		link:  link.NewMemory(8),
		wifi:  netmgr.NewMock("wlan0", false),
		cloud: &cloud.Mock{},
	}
	s.store = store.New(log, &store.MemStorage{}, defaultHost)
	nm := netmgr.NewManager(log, s.wifi)
	info := provision.DeviceInfo{Name: "Uplink-ABCD", UID: "0123abcd", FirmwareVersion: "1.1", Intfs: []string{provision.IntfWifi}}
	s.sess = provision.NewSession(log, s.link, s.store, nm, info)
	s.m = NewMachine(log, DefaultConfig(), Device{UID: info.UID, Name: info.Name, FirmwareVersion: info.FirmwareVersion}, Deps{
		Store:     s.store,
		Net:       nm,
		Cloud:     s.cloud,
		Session:   s.sess,
		Stats:     stats.New(s.now),
		Restarter: &fakeRestarter{},
		Clock:     func() time.Time { return s.now },
	})
	s.m.Begin()
	s.tick()
	require.True(t, s.link.Started())
	return s
}

func (s *scenario) tick() {
	s.now = s.now.Add(10 * time.Millisecond)
	s.m.Tick(s.now)
}

func (s *scenario) configure(auth string) provision.Reply {
	s.link.Connect()
	b, err := json.Marshal(provision.Request{Type: provision.TypeConfig, ID: 1, Intf: provision.IntfWifi,
		SSID: "home", Pass: "secret-pass", Host: testHost, Auth: auth})
	require.NoError(s.t, err)
	require.NoError(s.t, s.link.Inject(b))
	s.tick()
	sent := s.link.Sent()
	require.Len(s.t, sent, 1)
	var r provision.Reply
	require.NoError(s.t, json.Unmarshal(sent[0], &r))
	return r
}

func TestScenarioValidCredential(t *testing.T) {
	t.Parallel()
	s := newScenario(t)
	s.expect(StateWaitConfig)

	r := s.configure(strings.Repeat("a", 32))
	assert.Equal(t, provision.TypeAck, r.Type)
	s.expect(StateConnectingNet)
	assert.False(t, s.link.Started(), "provisioning ended")
	assert.Equal(t, map[string]string{"home": "secret-pass"}, s.wifi.Networks())
	assert.False(t, s.store.IsSaved())

	s.wifi.SetConnected(true)
	s.tick()
	s.expect(StateConnectingCloud)
	s.tick()
	host, token, _ := s.cloud.Last()
	assert.Equal(t, testHost, host)
	assert.Equal(t, strings.Repeat("a", 32), token)
	s.cloud.SetConnected(true)
	s.tick()
	s.expect(StateRunning)
	assert.True(t, s.store.IsSaved())
	assert.True(t, s.m.IsProvisioned())
	assert.Equal(t, provision.OutcomeNone, s.sess.LastError())
}

func TestScenarioShortCredential(t *testing.T) {
	t.Parallel()
	s := newScenario(t)

	r := s.configure(strings.Repeat("a", 31))
	assert.Equal(t, provision.TypeError, r.Type)
	assert.Equal(t, "token", r.Code)
	s.expect(StateWaitConfig)
	assert.True(t, s.link.Started(), "transport stays open")
	assert.Equal(t, store.InvalidToken, s.store.Auth())
	assert.Empty(t, s.wifi.Networks())
	assert.Equal(t, provision.OutcomeTokenError, s.sess.LastError())
	assert.False(t, s.m.IsProvisioned())
}

func (s *scenario) expect(st State) {
	s.t.Helper()
	require.Equal(s.t, st.String(), s.m.State().String())
}
