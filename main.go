package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/linuxplay/pkg/client"
	"github.com/linuxplay/pkg/config"
	"github.com/linuxplay/pkg/host"
	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/trust"
)

const defaultConfigFile = "linuxplay.yaml"

var (
	app        = kingpin.New("linuxplay", "Low-latency remote desktop session control plane.")
	configFile = app.Flag("config.file", "Path to configuration file (defaults to ./linuxplay.yaml when present).").String()
	logLevel   = app.Flag("log.level", "Log level (info or debug); overrides the config file.").String()

	hostCmd       = app.Command("host", "Serve one remote desktop session.")
	hostBind      = hostCmd.Flag("bind-addr", "Address the handshake, heartbeat and control listeners bind to.").String()
	hostEncoder   = hostCmd.Flag("encoder", "Video codec (h.264 or h.265).").String()
	hostHWEnc     = hostCmd.Flag("hwenc", "Preferred encoder backend (auto, nvenc, qsv, vaapi, cpu).").String()
	hostBitrate   = hostCmd.Flag("bitrate", "Target video bitrate, e.g. 8M.").String()
	hostFramerate = hostCmd.Flag("framerate", "Capture framerate.").Int()
	hostAudio     = hostCmd.Flag("audio", "Stream desktop audio.").Bool()
	hostTLS       = hostCmd.Flag("tls", "Serve the handshake over mutual TLS.").Bool()
	hostMetrics   = hostCmd.Flag("web.listen-address", "Address for metrics and health (\"off\" disables).").String()

	clientCmd     = app.Command("client", "Connect to a host and display its streams.")
	clientHost    = clientCmd.Flag("host", "Host IP or name.").String()
	clientPIN     = clientCmd.Flag("pin", "PIN shown by the host (omit for certificate mode).").String()
	clientHwaccel = clientCmd.Flag("hwaccel", "Decode acceleration (auto, vaapi, qsv, cuda, cpu).").String()
	clientAudio   = clientCmd.Flag("audio", "Play host audio.").Bool()
	clientCert    = clientCmd.Flag("cert", "Client certificate (PEM).").String()
	clientKey     = clientCmd.Flag("key", "Client private key (PEM).").String()
	clientCA      = clientCmd.Flag("ca", "Host CA certificate; enables TLS.").String()

	trustCmd        = app.Command("trust", "Manage trusted client certificates.")
	trustListCmd    = trustCmd.Command("list", "List trust records.")
	trustEnrollCmd  = trustCmd.Command("enroll", "Trust a certificate fingerprint.")
	trustEnrollFP   = trustEnrollCmd.Arg("fingerprint", "SHA-256 fingerprint (hex, separators allowed).").Required().String()
	trustEnrollName = trustEnrollCmd.Flag("name", "Common name recorded with the fingerprint.").Default("client").String()
	trustRevokeCmd  = trustCmd.Command("revoke", "Revoke a certificate fingerprint.")
	trustRevokeFP   = trustRevokeCmd.Arg("fingerprint", "SHA-256 fingerprint.").Required().String()
	trustIssueCmd   = trustCmd.Command("issue", "Issue and enroll a client certificate signed by the host CA.")
	trustIssueName  = trustIssueCmd.Arg("name", "Client name (certificate common name).").Required().String()
	trustIssueOut   = trustIssueCmd.Flag("out", "Directory for <name>.pem, <name>.key and ca.pem.").Default(".").String()

	pinCmd = app.Command("pin", "Show the PIN of the host running with this configuration.")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linuxplay: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	role := "host"
	if command == clientCmd.FullCommand() {
		role = "client"
	}
	logging.Setup(role, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case hostCmd.FullCommand():
		err = runHost(ctx, cfg)
	case clientCmd.FullCommand():
		err = runClient(ctx, cfg)
	case trustListCmd.FullCommand():
		err = trustList(cfg)
	case trustEnrollCmd.FullCommand():
		err = trustEnroll(cfg, *trustEnrollFP, *trustEnrollName)
	case trustRevokeCmd.FullCommand():
		err = trustRevoke(cfg, *trustRevokeFP)
	case trustIssueCmd.FullCommand():
		err = trustIssue(cfg, *trustIssueName, *trustIssueOut)
	case pinCmd.FullCommand():
		err = showPIN(cfg)
	}

	if err != nil {
		logging.Fatalf("%s: %v", command, err)
	}
	logging.Flush()
}

// loadConfig reads path when given (it must exist), otherwise the default
// file if present, otherwise built-in defaults plus environment.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.LoadConfig(defaultConfigFile)
	}
	return config.Default(), nil
}

func runHost(ctx context.Context, cfg *config.Config) error {
	if *hostBind != "" {
		cfg.Host.BindAddr = *hostBind
	}
	if *hostEncoder != "" {
		cfg.Host.Encoder = *hostEncoder
	}
	if *hostHWEnc != "" {
		cfg.Host.HWEnc = *hostHWEnc
	}
	if *hostBitrate != "" {
		cfg.Host.Bitrate = *hostBitrate
	}
	if *hostFramerate > 0 {
		cfg.Host.Framerate = *hostFramerate
	}
	if *hostAudio {
		cfg.Host.Audio = true
	}
	if *hostTLS {
		cfg.Trust.TLS = true
	}
	if *hostMetrics != "" {
		cfg.Metrics.ListenAddress = *hostMetrics
	}

	h, err := host.New(cfg, host.Options{})
	if err != nil {
		return err
	}

	// SIGHUP reloads the trust store after "trust" subcommands edit it.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := h.Store.Reload(); err != nil {
					logging.Logf("[trust] reload failed, keeping current records (err=%v)", err)
				}
			}
		}
	}()
	return h.Run(ctx)
}

func runClient(ctx context.Context, cfg *config.Config) error {
	if *clientHost != "" {
		cfg.Client.HostAddr = *clientHost
	}
	if *clientPIN != "" {
		cfg.Client.PIN = *clientPIN
	}
	if *clientHwaccel != "" {
		cfg.Client.Hwaccel = *clientHwaccel
	}
	if *clientAudio {
		cfg.Client.Audio = true
	}
	if *clientCert != "" {
		cfg.Client.CertFile = *clientCert
	}
	if *clientKey != "" {
		cfg.Client.KeyFile = *clientKey
	}
	if *clientCA != "" {
		cfg.Client.CAFile = *clientCA
	}

	m, err := client.New(cfg, client.Options{})
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

func openStore(cfg *config.Config) (*trust.Store, error) {
	return trust.Open(cfg.TrustStorePath(), nil)
}

func trustList(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	records := store.Records()
	if len(records) == 0 {
		fmt.Println("no trusted clients")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tNAME\tSTATUS\tISSUED\tLAST ADDRESS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Fingerprint, r.CommonName, r.Status, humanize.Time(r.IssuedOn), r.LastAddress)
	}
	return w.Flush()
}

func trustEnroll(cfg *config.Config, fp, name string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Enroll(fp, name); err != nil {
		return err
	}
	fmt.Printf("trusted %s (%s)\n", trust.NormalizeFingerprint(fp), name)
	return nil
}

func trustRevoke(cfg *config.Config, fp string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Revoke(fp); err != nil {
		return err
	}
	fmt.Printf("revoked %s (send SIGHUP to a running host to apply)\n", trust.NormalizeFingerprint(fp))
	return nil
}

func trustIssue(cfg *config.Config, name, outDir string) error {
	authority, err := trust.EnsureAuthority(cfg.Trust.Dir)
	if err != nil {
		return err
	}
	certPEM, keyPEM, fp, err := authority.IssueClientCertificate(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return err
	}
	certPath := filepath.Join(outDir, name+".pem")
	keyPath := filepath.Join(outDir, name+".key")
	caPath := filepath.Join(outDir, "ca.pem")
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(caPath, authority.CAPEM, 0o644); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Enroll(fp, name); err != nil {
		return err
	}
	fmt.Printf("issued %s\n  certificate %s\n  key         %s\n  ca          %s\n  fingerprint %s\n", name, certPath, keyPath, caPath, fp)
	return nil
}

func showPIN(cfg *config.Config) error {
	p, err := trust.ReadPINFile(cfg.PINFilePath())
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no running host found (%s missing)", cfg.PINFilePath())
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s (expires %s)\n", p.Value, humanize.Time(p.Expiry))
	return nil
}
