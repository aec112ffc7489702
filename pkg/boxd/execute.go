package boxd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/langs"
)

const defaultTimeout = 30 * time.Second

// pythonStateHarness wraps user code with interpreter-state restore and
// capture. Placeholders: state-in path, user code path, state-out path.
// Unpicklable and underscore-prefixed bindings are silently skipped.
const pythonStateHarness = `import pickle, sys, traceback

_state_in = %q
_user_code = %q
_state_out = %q

_globals = {"__name__": "__main__"}
if _state_in:
    try:
        with open(_state_in, "rb") as _f:
            _globals.update(pickle.load(_f))
    except Exception as _e:
        print("warning: failed to restore state: %%s" %% _e, file=sys.stderr)

_exit_code = 0
try:
    with open(_user_code) as _f:
        _src = _f.read()
    exec(compile(_src, "<session>", "exec"), _globals)
except SystemExit as _e:
    if _e.code is None:
        _exit_code = 0
    elif isinstance(_e.code, int):
        _exit_code = _e.code
    else:
        print(_e.code, file=sys.stderr)
        _exit_code = 1
except BaseException:
    traceback.print_exc()
    _exit_code = 1

if _state_out:
    _out = {}
    for _k, _v in list(_globals.items()):
        if _k.startswith("_"):
            continue
        try:
            pickle.dumps(_v)
        except Exception:
            continue
        _out[_k] = _v
    try:
        with open(_state_out, "wb") as _f:
            pickle.dump(_out, _f)
    except Exception as _e:
        print("warning: failed to capture state: %%s" %% _e, file=sys.stderr)

sys.exit(_exit_code)
`

// ExecuteHandler runs one piece of code to completion and reports the
// outcome. User-code failure, including the timeout kill, is a 200.
func (s *Server) ExecuteHandler(c *gin.Context) {
	var req types.AgentExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code cannot be empty"})
		return
	}

	tpl, ok := langs.Lookup(s.config.Lang)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("agent misconfigured: unknown language %q", s.config.Lang)})
		return
	}

	timeout := defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	scratch, err := os.MkdirTemp("", "boxd-exec-*")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("create scratch dir: %v", err)})
		return
	}
	defer os.RemoveAll(scratch)

	srcFile := filepath.Join(scratch, "main"+tpl.Ext)
	source := req.Code
	stateful := tpl.Stateful && (req.CaptureState || len(req.PriorState) > 0)

	var stateOutFile string
	if stateful {
		stateInFile := ""
		if len(req.PriorState) > 0 {
			stateInFile = filepath.Join(scratch, "state_in.bin")
			if err := os.WriteFile(stateInFile, req.PriorState, 0600); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("stage prior state: %v", err)})
				return
			}
		}
		userFile := filepath.Join(scratch, "user_code"+tpl.Ext)
		if err := os.WriteFile(userFile, []byte(req.Code), 0600); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("stage code: %v", err)})
			return
		}
		if req.CaptureState {
			stateOutFile = filepath.Join(scratch, "state_out.bin")
		}
		source = fmt.Sprintf(pythonStateHarness, stateInFile, userFile, stateOutFile)
	}

	if err := os.WriteFile(srcFile, []byte(source), 0600); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("stage code: %v", err)})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	args := tpl.Runner(srcFile)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = s.config.Workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	var exitCode int
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		exitCode = 124
		fmt.Fprintf(&stderr, "execution timed out after %ds", int(timeout.Seconds()))
	case runErr != nil:
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		} else {
			exitCode = 1
			if stderr.Len() == 0 {
				stderr.WriteString(runErr.Error())
			}
		}
	}

	resp := types.AgentExecResponse{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMs: duration.Milliseconds(),
	}

	if stateOutFile != "" {
		if state, err := os.ReadFile(stateOutFile); err == nil {
			resp.State = state
		} else if !os.IsNotExist(err) {
			klog.Warningf("boxd: read captured state failed: %v", err)
		}
	}

	files, err := s.listWorkdir()
	if err != nil {
		klog.Warningf("boxd: list workdir after execution failed: %v", err)
	}
	resp.Files = files

	klog.V(2).Infof("boxd: executed %d bytes of %s in %v (exit %d)", len(req.Code), s.config.Lang, duration, exitCode)
	c.JSON(http.StatusOK, resp)
}
