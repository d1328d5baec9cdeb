package guest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/cochaviz/keel/internal/remote"
)

// fakeGuest models the bits of Windows state the reconciler touches and
// answers commands by their description.
type fakeGuest struct {
	profile Profile

	config        string
	binPath       string
	firewall      bool
	status        string
	marker        bool
	featureOn     bool
	engineFiles   bool
	registered    bool
	restartNeeded bool

	// fail makes the named step exit non-zero; unreachable makes it a
	// transport error.
	fail        map[string]bool
	unreachable map[string]bool

	calls []string
}

func newFakeGuest(p Profile) *fakeGuest {
	return &fakeGuest{
		profile:     p,
		binPath:     `"` + p.BinaryPath + `" --run-service`,
		status:      "Stopped",
		fail:        map[string]bool{},
		unreachable: map[string]bool{},
	}
}

// converged returns a guest that already exposes the API.
func convergedGuest(p Profile) *fakeGuest {
	g := newFakeGuest(p)
	g.config = `{"hosts": ["tcp://0.0.0.0:2375", "npipe://"]}`
	g.firewall = true
	g.status = "Running"
	return g
}

func (g *fakeGuest) count(step string) int {
	n := 0
	for _, c := range g.calls {
		if c == step {
			n++
		}
	}
	return n
}

func (g *fakeGuest) Run(_ context.Context, cmd remote.Command) (remote.Result, error) {
	g.calls = append(g.calls, cmd.Description)
	if g.unreachable[cmd.Description] {
		return remote.Result{}, errors.New("connection refused")
	}
	if g.fail[cmd.Description] {
		return remote.Result{ExitCode: 1, Stderr: "Access is denied."}, nil
	}

	switch cmd.Description {
	case StepReadConfig:
		return remote.Result{Stdout: g.config}, nil
	case StepStopService:
		g.status = "Stopped"
	case StepWriteConfig:
		g.config = extractLiteral(cmd.Body)
	case StepQueryService:
		return remote.Result{Stdout: "SERVICE_NAME: docker\r\n        TYPE               : 10  WIN32_OWN_PROCESS\r\n" +
			"        BINARY_PATH_NAME   : " + g.binPath + "\r\n        DISPLAY_NAME       : Docker Engine\r\n"}, nil
	case StepRewriteFlags:
		g.binPath = g.profile.ServiceCommandLine()
	case StepQueryFirewall:
		if !g.firewall {
			return remote.Result{ExitCode: 1, Stdout: "No rules match the specified criteria."}, nil
		}
	case StepAddFirewall:
		g.firewall = true
	case StepServiceStatus:
		return remote.Result{Stdout: g.status + "\r\n"}, nil
	case StepStartService:
		g.status = "Running"
	case StepEnableFeature:
		if !g.featureOn {
			g.featureOn = true
			if g.restartNeeded {
				return remote.Result{Stdout: "RESTART\r\n"}, nil
			}
		}
	case StepInstallEngine:
		g.engineFiles = true
	case StepRegister:
		g.registered = true
	case StepWriteMarker:
		g.marker = true
	case StepCheckMarker:
		if g.marker {
			return remote.Result{Stdout: "present\r\n"}, nil
		}
		return remote.Result{Stdout: "absent\r\n"}, nil
	}
	return remote.Result{}, nil
}

// extractLiteral pulls the last single-quoted PowerShell literal out of body.
func extractLiteral(body string) string {
	end := strings.LastIndex(body, "'")
	if end <= 0 {
		return ""
	}
	start := end - 1
	for start >= 0 {
		if body[start] == '\'' {
			if start > 0 && body[start-1] == '\'' {
				start -= 2
				continue
			}
			break
		}
		start--
	}
	return strings.ReplaceAll(body[start+1:end], "''", "'")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
