package sandbox

import (
	"errors"
	"os"

	"go.uber.org/zap"
)

// ErrSandboxAbsent means no isolation marker was found. There is no degraded
// mode: the caller must refuse to start.
var ErrSandboxAbsent = errors.New("sandbox attestation absent")

// Probe is an environment lookup, split out so tests can substitute a fixed
// environment. The default probe reads the real process environment and
// filesystem.
type Probe struct {
	Getenv   func(string) string
	FileStat func(string) (os.FileInfo, error)
}

// DefaultProbe inspects the real runtime environment.
func DefaultProbe() Probe {
	return Probe{Getenv: os.Getenv, FileStat: os.Stat}
}

// containerMarkers are files whose presence attests container-level isolation
// on Linux hosts.
var containerMarkers = []string{
	"/.dockerenv",
	"/run/.containerenv",
}

// Gate verifies the process runs inside the required isolation boundary.
type Gate struct {
	probe  Probe
	logger *zap.Logger
}

// NewGate creates a sandbox gate using the given probe.
func NewGate(probe Probe, logger *zap.Logger) *Gate {
	return &Gate{probe: probe, logger: logger}
}

// Verify checks for an isolation marker. It is deterministic and side-effect
// free: the same environment state always yields the same verdict. Accepted
// markers, in order:
//   - SANDBOX env var, set by the host CLI's sandbox wrapper (seatbelt,
//     docker or podman profiles all export it)
//   - APP_SANDBOX_CONTAINER_ID, present under the macOS App Sandbox
//   - a container marker file on Linux
func (g *Gate) Verify() error {
	if g.probe.Getenv("SANDBOX") != "" {
		g.logger.Info("sandbox attested", zap.String("marker", "SANDBOX"))
		return nil
	}
	if g.probe.Getenv("APP_SANDBOX_CONTAINER_ID") != "" {
		g.logger.Info("sandbox attested", zap.String("marker", "APP_SANDBOX_CONTAINER_ID"))
		return nil
	}
	for _, path := range containerMarkers {
		if _, err := g.probe.FileStat(path); err == nil {
			g.logger.Info("sandbox attested", zap.String("marker", path))
			return nil
		}
	}
	return ErrSandboxAbsent
}
