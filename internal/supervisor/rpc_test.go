package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *Registry, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "supervisor.sock")
	r := NewRegistry()
	s := NewServer(r, sockPath)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, r, sockPath
}

func callRPC(t *testing.T, sockPath, method string, params interface{}) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = b
	}
	req := Request{ID: 1, Jsonrpc: "2.0", Method: method, Params: rawParams}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	httpReq := fmt.Sprintf("POST /rpc HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	if _, err := conn.Write([]byte(httpReq)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(conn)
	raw := buf.Bytes()
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		t.Fatalf("malformed HTTP response: %s", raw)
	}
	var resp Response
	if err := json.Unmarshal(raw[idx+4:], &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", raw[idx+4:], err)
	}
	return resp
}

func TestListAllQpairRPC(t *testing.T) {
	_, r, sockPath := newTestServer(t)
	r.RegisterQpair(QpairInfo{ControllerID: 1, QueueID: 1, Depth: 32, Outstanding: func() int { return 0 }})

	resp := callRPC(t, sockPath, "list_all_qpair", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected non-nil result")
	}
}

func TestGetMetricsRPCUnknownController(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	resp := callRPC(t, sockPath, "get_metrics", map[string]uint32{"controller_id": 99})
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown controller id")
	}
}

func TestGetMetricsRPCKnownController(t *testing.T) {
	_, r, sockPath := newTestServer(t)
	r.RegisterController(ControllerInfo{
		ControllerID: 3,
		Metrics: func() MetricsSnapshot {
			return MetricsSnapshot{ReadOps: 42}
		},
	})
	resp := callRPC(t, sockPath, "get_metrics", map[string]uint32{"controller_id": 3})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result type = %T, want map", resp.Result)
	}
	if m["ReadOps"] != float64(42) {
		t.Errorf("ReadOps = %v, want 42", m["ReadOps"])
	}
}

func TestUnknownMethodRPC(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	resp := callRPC(t, sockPath, "no_such_method", nil)
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown method")
	}
}
