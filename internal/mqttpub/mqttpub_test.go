package mqttpub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePub struct {
	msgs []published
}

func (f *fakePub) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	f.msgs = append(f.msgs, published{topic, qos, retained, b})
	return doneToken{}
}

type fakeCmds struct {
	mu        sync.Mutex
	recentres int
	actions   []bool
	zeroed    chan struct{}
}

func (f *fakeCmds) Recentre() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentres++
	return nil
}

func (f *fakeCmds) ZeroDrift(ctx context.Context) error {
	close(f.zeroed)
	return nil
}

func (f *fakeCmds) GyroAction(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, down)
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{"recentre", CmdRecentre, false},
		{"  Zero-Drift\n", CmdZeroDrift, false},
		{`{"cmd":"gyro-down"}`, CmdGyroDown, false},
		{`{"cmd": "GYRO-UP"}`, CmdGyroUp, false},
		{"fire", "", true},
		{`{"cmd":`, "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseCommand([]byte(tc.in))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseCommand(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseCommand(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseCommand(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestHandle_Dispatches(t *testing.T) {
	cmds := &fakeCmds{zeroed: make(chan struct{})}
	p := &Publisher{cfg: Config{TopicPrefix: "gyroaim", ZeroDriftTimeout: time.Second}, cmds: cmds}

	p.handle([]byte("recentre"))
	p.handle([]byte("gyro-down"))
	p.handle([]byte("gyro-up"))
	p.handle([]byte("bogus"))
	p.handle([]byte("zero-drift"))

	select {
	case <-cmds.zeroed:
	case <-time.After(2 * time.Second):
		t.Fatalf("zero drift not called")
	}
	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if cmds.recentres != 1 {
		t.Fatalf("recentres=%d want 1", cmds.recentres)
	}
	if len(cmds.actions) != 2 || !cmds.actions[0] || cmds.actions[1] {
		t.Fatalf("actions=%v want [true false]", cmds.actions)
	}
}

func TestPublish_TopicsAndRetention(t *testing.T) {
	fp := &fakePub{}
	p := &Publisher{cfg: Config{TopicPrefix: "home/aim"}, pub: fp}

	if err := p.PublishAim(map[string]float64{"yaw_deg": 5}); err != nil {
		t.Fatalf("PublishAim: %v", err)
	}
	if err := p.PublishStatus(map[string]bool{"online": true}); err != nil {
		t.Fatalf("PublishStatus: %v", err)
	}

	if len(fp.msgs) != 2 {
		t.Fatalf("published=%d want 2", len(fp.msgs))
	}
	aim := fp.msgs[0]
	if aim.topic != "home/aim/aim" || aim.qos != 0 || aim.retained {
		t.Fatalf("aim publish=%+v", aim)
	}
	var got map[string]float64
	if err := json.Unmarshal(aim.payload, &got); err != nil || got["yaw_deg"] != 5 {
		t.Fatalf("aim payload=%s err=%v", aim.payload, err)
	}
	st := fp.msgs[1]
	if st.topic != "home/aim/status" || st.qos != 1 || !st.retained {
		t.Fatalf("status publish=%+v", st)
	}
}

func TestConnect_RequiresBroker(t *testing.T) {
	if _, err := Connect(Config{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
