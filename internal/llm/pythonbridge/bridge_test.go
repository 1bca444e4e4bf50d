package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"DefiFlow/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCompileReadsStdout(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"thought":"ok","nodes":[{"id":"node-1","position":{"x":0,"y":0},"data":{"type":"transfer","memo":"m"}}],"edges":[]}'
`)
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Compile(context.Background(), llm.Request{Intent: "pay"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if resp.Thought != "ok" || len(resp.Nodes) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCompileReportsScriptFailure(t *testing.T) {
	script := writeScript(t, "echo broken >&2\nexit 3\n")
	client, _ := NewClient("sh", script, t.TempDir())
	if _, err := client.Compile(context.Background(), llm.Request{Intent: "pay"}); err == nil {
		t.Fatalf("expected error from failing script")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "scripts/intent_bridge.py"); got != filepath.Join("/srv", "scripts/intent_bridge.py") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/srv", "/abs/x.py"); got != "/abs/x.py" {
		t.Fatalf("absolute path should be kept, got %s", got)
	}
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error without script")
	}
}
