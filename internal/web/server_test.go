package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeController struct {
	mu        sync.Mutex
	recentres int
	zeroErr   error
	deadline  time.Duration
	actions   []bool
}

func (f *fakeController) Recentre() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentres++
	return nil
}

func (f *fakeController) ZeroDrift(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		f.deadline = time.Until(d)
	}
	return f.zeroErr
}

func (f *fakeController) GyroAction(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, down)
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("sim", "always_on", map[string]any{"mqtt": false})
	st.SetAHRS(AHRSStatus{Valid: true, Source: "sim", YawDeg: 12.5})

	ts := httptest.NewServer(Handler(Options{Status: st, Aim: NewAimBroadcaster()}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "gyroaim" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.Source != "sim" || snap.GyroMode != "always_on" {
		t.Fatalf("source=%q gyro_mode=%q", snap.Source, snap.GyroMode)
	}
	if !snap.AHRS.Valid || snap.AHRS.YawDeg != 12.5 {
		t.Fatalf("ahrs=%+v", snap.AHRS)
	}
}

func TestRootPage(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{Status: NewStatus()}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestAPIRecentre(t *testing.T) {
	ctl := &fakeController{}
	ts := httptest.NewServer(Handler(Options{Status: NewStatus(), Controller: ctl}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/recentre")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status code=%d want 405", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/recentre", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.recentres != 1 {
		t.Fatalf("recentres=%d want 1", ctl.recentres)
	}
}

func TestAPIRecentre_NoController(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{Status: NewStatus()}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/recentre", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want 404", resp.StatusCode)
	}
}

func TestAPIZeroDrift_ReportsError(t *testing.T) {
	ctl := &fakeController{zeroErr: errors.New("ahrs: no gyro samples yet")}
	ts := httptest.NewServer(Handler(Options{Status: NewStatus(), Controller: ctl}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/zero-drift", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d want 400", resp.StatusCode)
	}
	body, _ := bufio.NewReader(resp.Body).ReadString('\n')
	if strings.TrimSpace(body) != "ahrs: no gyro samples yet" {
		t.Fatalf("body=%q", body)
	}
}

func TestAPIZeroDrift_Timeout(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  time.Duration
		hi   time.Duration
		lo   time.Duration
	}{
		{"configured", 3 * time.Second, 3 * time.Second, 2 * time.Second},
		{"default", 0, defaultZeroDriftTimeout, defaultZeroDriftTimeout - time.Second},
	} {
		ctl := &fakeController{}
		ts := httptest.NewServer(Handler(Options{Controller: ctl, ZeroDriftTimeout: tc.opt}))
		resp, err := http.Post(ts.URL+"/api/zero-drift", "", nil)
		if err != nil {
			t.Fatalf("%s: post: %v", tc.name, err)
		}
		resp.Body.Close()
		ts.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status code=%d", tc.name, resp.StatusCode)
		}
		ctl.mu.Lock()
		d := ctl.deadline
		ctl.mu.Unlock()
		if d > tc.hi || d < tc.lo {
			t.Fatalf("%s: deadline in %v want (%v, %v]", tc.name, d, tc.lo, tc.hi)
		}
	}
}

func TestAPIGyroAction(t *testing.T) {
	ctl := &fakeController{}
	ts := httptest.NewServer(Handler(Options{Status: NewStatus(), Controller: ctl}))
	defer ts.Close()

	for _, tc := range []struct {
		state string
		code  int
	}{
		{"down", http.StatusOK},
		{"up", http.StatusOK},
		{"sideways", http.StatusBadRequest},
	} {
		resp, err := http.Post(ts.URL+"/api/gyro/action?state="+tc.state, "", nil)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Fatalf("state=%s status code=%d want %d", tc.state, resp.StatusCode, tc.code)
		}
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.actions) != 2 || !ctl.actions[0] || ctl.actions[1] {
		t.Fatalf("actions=%v want [true false]", ctl.actions)
	}
}

func TestAPIAim(t *testing.T) {
	b := NewAimBroadcaster()
	ts := httptest.NewServer(Handler(Options{Status: NewStatus(), Aim: b}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/aim")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status code=%d want 503", resp.StatusCode)
	}

	b.Publish(AimFrame{Seq: 7, Valid: true, YawDeg: -20, Look: LookDelta{DeltaYawDeg: 0.5}})

	resp, err = http.Get(ts.URL + "/api/aim")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var f AimFrame
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if f.Seq != 7 || f.YawDeg != -20 || f.Look.DeltaYawDeg != 0.5 {
		t.Fatalf("frame=%+v", f)
	}
}

func TestAimStream_SSE(t *testing.T) {
	b := NewAimBroadcaster()
	b.Publish(AimFrame{Seq: 1})
	ts := httptest.NewServer(Handler(Options{Status: NewStatus(), Aim: b}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/aim/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}

	// The last frame is replayed on subscribe.
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f AimFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Seq != 1 {
			t.Fatalf("seq=%d want 1", f.Seq)
		}
		return
	}
	t.Fatalf("stream ended without a frame: %v", sc.Err())
}

func TestAimStream_Websocket(t *testing.T) {
	b := NewAimBroadcaster()
	ts := httptest.NewServer(Handler(Options{Status: NewStatus(), Aim: b}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/aim/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	b.Publish(AimFrame{Seq: 42, PitchDeg: 3})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f AimFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Seq != 42 || f.PitchDeg != 3 {
		t.Fatalf("frame=%+v", f)
	}
}

func TestAimBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewAimBroadcaster()
	id, ch := b.Subscribe(1)
	b.Publish(AimFrame{Seq: 1})
	b.Publish(AimFrame{Seq: 2})

	f := <-ch
	if f.Seq != 1 {
		t.Fatalf("seq=%d want 1", f.Seq)
	}
	if last, ok := b.Last(); !ok || last.Seq != 2 {
		t.Fatalf("last=%+v ok=%v want seq 2", last, ok)
	}
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestLogBuffer_JoinsPartialLines(t *testing.T) {
	lb := NewLogBuffer(3)
	_, _ = lb.Write([]byte("one\ntw"))
	_, _ = lb.Write([]byte("o\nthree\nfour\n"))

	lines, dropped := lb.Snapshot(10)
	want := []string{"two", "three", "four"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Fatalf("lines=%v want %v", lines, want)
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
}

func TestLogBuffer_QuerySinceAndSubsystem(t *testing.T) {
	lb := NewLogBuffer(4)
	_, _ = lb.Write([]byte("ahrs: a\nmqtt: b\nahrs: c\nudp: d\nahrs: e\n"))

	all, dropped := lb.Query(LogQuery{})
	if len(all) != 4 || all[0].Seq != 2 || all[3].Seq != 5 || dropped != 1 {
		t.Fatalf("lines=%v dropped=%d", all, dropped)
	}
	got, _ := lb.Query(LogQuery{Since: 2, Subsystem: "ahrs"})
	if len(got) != 2 || got[0].Text != "ahrs: c" || got[1].Text != "ahrs: e" {
		t.Fatalf("since 2 ahrs lines=%v", got)
	}
	got, _ = lb.Query(LogQuery{Tail: 1})
	if len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("tail 1 lines=%v", got)
	}
}

func TestAPILogs_JSONSince(t *testing.T) {
	lb := NewLogBuffer(10)
	_, _ = lb.Write([]byte("ahrs: one\nahrs: two\n"))
	ts := httptest.NewServer(Handler(Options{Logs: lb}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/logs?since=1")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	var got LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Lines) != 1 || got.Lines[0] != (LogLine{Seq: 2, Text: "ahrs: two"}) {
		t.Fatalf("lines=%v", got.Lines)
	}

	resp2, err := http.Get(ts.URL + "/api/logs?since=x")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d want 400", resp2.StatusCode)
	}
}

func TestAPILogs_Text(t *testing.T) {
	lb := NewLogBuffer(10)
	_, _ = lb.Write([]byte("ahrs: hello\n"))
	ts := httptest.NewServer(Handler(Options{Status: NewStatus(), Logs: lb}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/logs?format=text&tail=5")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	body, _ := bufio.NewReader(resp.Body).ReadString('\n')
	if body != "ahrs: hello\n" {
		t.Fatalf("body=%q", body)
	}
}
