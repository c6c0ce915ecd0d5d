package env

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap/zapcore"

	"github.com/chronologos/rtach-client/internal/transport"
)

func TestLoadConfigDefaults(t *testing.T) {
	g := NewWithT(t)

	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{}))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cfg.Mode).To(Equal("ssh"))
	g.Expect(cfg.HandshakeTimeout).To(Equal(3 * time.Second))
	g.Expect(cfg.PageSize).To(Equal(uint32(65536)))
	g.Expect(cfg.LogLevel).To(Equal("info"))
	g.Expect(cfg.LogFormat).To(Equal("json"))
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	g := NewWithT(t)

	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"RTACH_MODE":              "quic",
		"RTACH_HOST":              "devbox",
		"RTACH_PORT":              "4433",
		"RTACH_PASSKEY":           strings.Repeat("ab", 32),
		"RTACH_NO_HANDSHAKE":      "true",
		"RTACH_HANDSHAKE_TIMEOUT": "750ms",
	}))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cfg.Host).To(Equal("devbox"))
	g.Expect(cfg.Port).To(Equal(4433))
	g.Expect(cfg.NoHandshake).To(BeTrue())
	g.Expect(cfg.HandshakeTimeout).To(Equal(750 * time.Millisecond))

	tc, err := cfg.Transport()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(tc.Mode).To(Equal(transport.ModeQUIC))
	g.Expect(tc.Passkey).To(HaveLen(32))
	g.Expect(tc.RelayFingerprint).To(BeNil())
}

func TestTransportRelayFingerprint(t *testing.T) {
	g := NewWithT(t)

	passkey := strings.Repeat("ab", 32)
	tc, err := (&Config{Mode: "tcp", Passkey: passkey, Fingerprint: "0A:1b:" + strings.Repeat("00", 30)}).Transport()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(tc.RelayFingerprint).To(HaveLen(32))
	g.Expect(tc.RelayFingerprint[:2]).To(Equal([]byte{0x0a, 0x1b}))

	_, err = (&Config{Mode: "tcp", Passkey: passkey, Fingerprint: "not-hex"}).Transport()
	g.Expect(err).To(MatchError(ContainSubstring("relay fingerprint")))
}

func TestTransportRejectsBadInput(t *testing.T) {
	g := NewWithT(t)

	_, err := (&Config{Mode: "carrier-pigeon"}).Transport()
	g.Expect(err).To(HaveOccurred())

	_, err = (&Config{Mode: "tcp"}).Transport()
	g.Expect(err).To(MatchError(ContainSubstring("RTACH_PASSKEY")))

	_, err = (&Config{Mode: "quic", Passkey: "zz"}).Transport()
	g.Expect(err).To(HaveOccurred())

	tc, err := (&Config{Mode: "ssh", Host: "h"}).Transport()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(tc.Passkey).To(BeNil())
}

func TestMakeLogger(t *testing.T) {
	g := NewWithT(t)

	logger, err := MakeLogger("debug", "console", filepath.Join(t.TempDir(), "client.log"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(logger.Core().Enabled(zapcore.DebugLevel)).To(BeTrue())

	_, err = MakeLogger("loud", "json", "")
	g.Expect(err).To(HaveOccurred())

	_, err = MakeLogger("info", "xml", "")
	g.Expect(err).To(HaveOccurred())
}
