package processing

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/segment"
)

func TestDecodeSegments(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"array", `[{"startTime":0,"endTime":1,"rawText":"hi","words":[{"token":"hi","probability":0.9}]}]`, 1, false},
		{"wrapped", `{"segments":[{"startTime":0,"endTime":1},{"startTime":1,"endTime":1}]}`, 2, false},
		{"empty array", `  []  `, 0, false},
		{"wrapped missing", `{}`, 0, false},
		{"empty", ``, 0, true},
		{"not json", `hello`, 0, true},
		{"bad json", `[{"startTime":"x"}]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSegments([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeSegments: %v", err)
			}
			if got == nil || len(got) != tt.want {
				t.Fatalf("got %d segments (nil=%v), want %d", len(got), got == nil, tt.want)
			}
		})
	}
}

func TestFunc(t *testing.T) {
	var p Processor = Func(func(_ context.Context, path string, job protocol.JobMessage) ([]segment.TextSegment, error) {
		return []segment.TextSegment{{RawText: path + ":" + job.CorrelationID}}, nil
	})
	segs, err := p.Process(context.Background(), "/tmp/f1.wav", protocol.JobMessage{CorrelationID: "c1"})
	if err != nil || len(segs) != 1 || segs[0].RawText != "/tmp/f1.wav:c1" {
		t.Fatalf("Process = %+v, %v", segs, err)
	}
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestCommand_Process(t *testing.T) {
	sh := requireShell(t)
	input := filepath.Join(t.TempDir(), "f1.wav")
	if err := os.WriteFile(input, []byte("audio"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Echoes the payload content and correlation id back as one segment.
	script := `printf '[{"startTime":0,"endTime":1,"rawText":"%s|%s","words":[{"token":"hi","probability":0.9}]}]' "$(cat "$1")" "$CLAIMBRIDGE_CORRELATION_ID"`
	c, err := NewCommand(CommandConfig{Path: sh, Args: []string{"-c", script, "sh", InputPlaceholder}}, nil)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	segs, err := c.Process(context.Background(), input, protocol.JobMessage{CorrelationID: "c1", ReferenceTexts: []string{"hi"}, ClaimCheck: "f1.wav"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(segs) != 1 || segs[0].RawText != "audio|c1" {
		t.Fatalf("segments = %+v", segs)
	}
}

func TestCommand_ReferenceTextsEnv(t *testing.T) {
	sh := requireShell(t)
	script := `test "$CLAIMBRIDGE_REFERENCE_TEXTS" = '["a","b"]' && echo '[]' || { echo "got $CLAIMBRIDGE_REFERENCE_TEXTS" >&2; exit 3; }`
	c, _ := NewCommand(CommandConfig{Path: sh, Args: []string{"-c", script, "sh"}}, nil)

	segs, err := c.Process(context.Background(), "/dev/null", protocol.JobMessage{CorrelationID: "c1", ReferenceTexts: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("segments = %+v", segs)
	}
}

func TestCommand_FailureCarriesStderr(t *testing.T) {
	sh := requireShell(t)
	c, _ := NewCommand(CommandConfig{Path: sh, Args: []string{"-c", `echo "model missing" >&2; exit 2`, "sh"}}, nil)

	_, err := c.Process(context.Background(), "/dev/null", protocol.JobMessage{CorrelationID: "c9"})
	if err == nil {
		t.Fatal("expected error")
	}
	if core.CodeOf(err) != core.CodeProcessingFailed {
		t.Fatalf("code = %q, want %q", core.CodeOf(err), core.CodeProcessingFailed)
	}
	if !strings.Contains(err.Error(), "model missing") || !strings.Contains(err.Error(), "c9") {
		t.Fatalf("error should carry stderr and correlation id: %v", err)
	}
}

func TestCommand_Timeout(t *testing.T) {
	sh := requireShell(t)
	c, _ := NewCommand(CommandConfig{Path: sh, Args: []string{"-c", "exec sleep 5", "sh"}, Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	if _, err := c.Process(context.Background(), "/dev/null", protocol.JobMessage{CorrelationID: "c1"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout did not kill the command")
	}
}

func TestCommand_Args(t *testing.T) {
	c := &Command{cfg: CommandConfig{Args: []string{"--model", "base"}}}
	if got := strings.Join(c.args("/p"), " "); got != "--model base /p" {
		t.Fatalf("args = %q", got)
	}
	c = &Command{cfg: CommandConfig{Args: []string{"--in", InputPlaceholder, "--json"}}}
	if got := strings.Join(c.args("/p"), " "); got != "--in /p --json" {
		t.Fatalf("args = %q", got)
	}
}

func TestNewCommand_Validation(t *testing.T) {
	if _, err := NewCommand(CommandConfig{}, nil); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}
