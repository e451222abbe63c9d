package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/segment"
)

// InputPlaceholder in CommandConfig.Args is replaced by the payload path.
const InputPlaceholder = "{input}"

// Environment variables set for the child process.
const (
	EnvReferenceTexts = "CLAIMBRIDGE_REFERENCE_TEXTS"
	EnvCorrelationID  = "CLAIMBRIDGE_CORRELATION_ID"
	EnvClaimCheck     = "CLAIMBRIDGE_CLAIM_CHECK"
)

// waitDelay bounds how long output pipes may stay open after the process is killed.
const waitDelay = time.Second

// maxStderr bounds how much child stderr is kept for error messages.
const maxStderr = 4 << 10

// CommandConfig describes the external processing executable.
type CommandConfig struct {
	// Path is the executable. Required.
	Path string `yaml:"path" json:"path"`

	// Args are passed before the payload path. An argument equal to
	// "{input}" is replaced by the path instead.
	Args []string `yaml:"args" json:"args"`

	// Env adds KEY=VALUE entries to the inherited environment.
	Env []string `yaml:"env" json:"env"`

	// Dir is the working directory. Empty means the worker's.
	Dir string `yaml:"dir" json:"dir"`

	// Timeout kills the process after the given duration. 0 means none.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Command runs an executable per job and decodes its stdout as segments.
type Command struct {
	cfg    CommandConfig
	logger core.Logger
}

var _ Processor = (*Command)(nil)

// NewCommand validates cfg and returns the processor.
func NewCommand(cfg CommandConfig, logger core.Logger) (*Command, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, core.InvalidConfigf("processing: command path is required")
	}
	if cfg.Timeout < 0 {
		return nil, core.InvalidConfigf("processing: timeout cannot be negative")
	}
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Command{cfg: cfg, logger: logger}, nil
}

// args builds the argument list for localPath.
func (c *Command) args(localPath string) []string {
	out := make([]string, 0, len(c.cfg.Args)+1)
	replaced := false
	for _, a := range c.cfg.Args {
		if a == InputPlaceholder {
			out = append(out, localPath)
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, localPath)
	}
	return out
}

// Process runs the command for one job.
func (c *Command) Process(ctx context.Context, localPath string, job protocol.JobMessage) ([]segment.TextSegment, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	texts := job.ReferenceTexts
	if texts == nil {
		texts = []string{}
	}
	refs, err := core.JSONEncode(texts)
	if err != nil {
		return nil, fmt.Errorf("processing: encode reference texts: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Path, c.args(localPath)...)
	cmd.Dir = c.cfg.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvReferenceTexts+"="+string(refs),
		EnvCorrelationID+"="+job.CorrelationID,
		EnvClaimCheck+"="+job.ClaimCheck,
	)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	c.logger.WithContext(ctx).Debug("processing command finished",
		"path", c.cfg.Path, "elapsed", time.Since(start), "stdoutBytes", stdout.Len())
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, &core.Error{
				Code:          core.CodeProcessingFailed,
				Op:            "processing.Command",
				CorrelationID: job.CorrelationID,
				Message:       fmt.Sprintf("%s exited with %d: %s", c.cfg.Path, ee.ExitCode(), strings.TrimSpace(stderr.String())),
				Err:           err,
			}
		}
		return nil, fmt.Errorf("processing: run %s: %w", c.cfg.Path, err)
	}
	return DecodeSegments(stdout.Bytes())
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
