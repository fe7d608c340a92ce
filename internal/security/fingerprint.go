// Package security derives the stable per-machine identifier that license
// keys are bound to.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// CacheFileName is the plain-text cache written next to the client. Once a
// fingerprint is computed it is always read back from here, so the
// identifier stays idempotent per installation even when the underlying
// hardware signal is flaky (VMs, sandboxes). That ties the fingerprint to
// "this installation" rather than strictly "this machine" in edge cases,
// which is the accepted tradeoff.
const CacheFileName = "hwid.lock"

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Generator computes and caches device fingerprints.
type Generator struct {
	cachePath string
	logger    *slog.Logger
}

// NewGenerator creates a generator caching under dir (defaults to the
// working directory).
func NewGenerator(dir string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = "."
	}
	return &Generator{
		cachePath: filepath.Join(dir, CacheFileName),
		logger:    logger,
	}
}

// Fingerprint returns the device identifier: the cached value when
// present, otherwise a freshly computed one persisted for next time.
func (g *Generator) Fingerprint() (string, error) {
	if cached, ok := g.readCache(); ok {
		return cached, nil
	}

	fp := g.compute()
	if fp == "" {
		// No stable hardware signal at all. A random identifier persisted
		// to the cache still satisfies per-installation stability.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("fingerprint fallback: %w", err)
		}
		fp = hex.EncodeToString(buf)
		g.logger.Warn("no stable hardware signal, using random fingerprint")
	}

	if err := os.WriteFile(g.cachePath, []byte(fp+"\n"), 0o600); err != nil {
		// A non-writable cache degrades stability, not correctness.
		g.logger.Warn("fingerprint cache write failed",
			slog.String("path", g.cachePath),
			slog.String("error", err.Error()))
	}
	return fp, nil
}

// CachePath returns where the fingerprint is persisted.
func (g *Generator) CachePath() string { return g.cachePath }

func (g *Generator) readCache() (string, bool) {
	data, err := os.ReadFile(g.cachePath)
	if err != nil {
		return "", false
	}
	fp := strings.TrimSpace(string(data))
	if !fingerprintPattern.MatchString(fp) {
		g.logger.Warn("ignoring malformed fingerprint cache",
			slog.String("path", g.cachePath))
		return "", false
	}
	return fp, true
}

// compute hashes the best available stable host signals to a fixed-length
// identifier. Returns "" when every signal is missing.
func (g *Generator) compute() string {
	mac := primaryMAC()
	host := hostname()
	cpu := cpuSignal()
	if mac == "" && host == "" && cpu == "" {
		return ""
	}

	combined := strings.Join([]string{mac, host, cpu, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))
	fp := hex.EncodeToString(sum[:])

	g.logger.Debug("fingerprint computed",
		slog.String("hostname", host),
		slog.Bool("has_mac", mac != ""),
		slog.Bool("has_cpu", cpu != ""))
	return fp
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface, falling back to any interface with a usable address.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := usableMAC(iface); mac != "" {
			return mac
		}
	}
	for _, iface := range ifaces {
		if mac := usableMAC(iface); mac != "" {
			return mac
		}
	}
	return ""
}

func usableMAC(iface net.Interface) string {
	mac := iface.HardwareAddr.String()
	if mac == "" || mac == "00:00:00:00:00:00" {
		return ""
	}
	return mac
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(h))
}

// cpuSignal gathers a processor identifier where the platform offers one
// without special privileges. Empty when the platform has none.
func cpuSignal() string {
	switch runtime.GOOS {
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			return id
		}
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					return strings.TrimSpace(line)
				}
			}
		}
	}
	return ""
}
