// execproofd - Challenge-bound proof of execution with a commit-based workflow
//
//	execproofd init                       Initialize keys, config, and storage
//	execproofd register <name> <ver> <p>  Register a binary's checksum
//	execproofd list                       Show registered binaries
//	execproofd run <name> <ver> [args]    Execute, commit, prove, and verify
//	execproofd verify <evidence.json>     Verify an exported evidence packet
//	execproofd status                     Show daemon status and configuration
//	execproofd serve                      Run drift watcher, metrics, and health endpoints
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"execproof/internal/attest"
	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/circuit"
	"execproof/internal/config"
	"execproof/internal/health"
	"execproof/internal/logging"
	"execproof/internal/metrics"
	"execproof/internal/sandbox"
	"execproof/internal/security"
	"execproof/internal/session"
	"execproof/internal/signer"
	"execproof/internal/store"
	"execproof/internal/tpm"
	"execproof/internal/verify"
	"execproof/internal/witness"
)

var (
	// Version information (set at build time)
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "init":
		cmdInit()
	case "register":
		cmdRegister()
	case "list":
		cmdList()
	case "run":
		cmdRun()
	case "verify":
		cmdVerify()
	case "status":
		cmdStatus()
	case "serve":
		cmdServe()
	case "version", "-v", "--version":
		fmt.Printf("execproofd %s (%s)\n", version, commit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`execproofd - Challenge-Bound Proof of Execution

USAGE:
    execproofd <command> [options]

COMMANDS:
    init                        One-time setup: keys, config, storage
    register <name> <ver> <path> Register a binary's expected checksum
    list                        Show registered binaries
    run <name> <ver> [-- args]  Run a full proof session for a binary
    verify <evidence.json>      Verify an exported evidence packet
    status                      Show status and configuration
    serve                       Run drift watcher, metrics, and health endpoints
    version                     Print version
    help                        Show this help message

BASIC WORKFLOW:
    1. execproofd init                          # One-time setup
    2. execproofd register payroll 1.4.2 ./payroll
    3. execproofd run payroll 1.4.2 -export evidence.json
    4. execproofd verify evidence.json          # Or use execverify offline

The system proves:
    - The registered binary, and no other, produced the output
    - The execution happened inside the challenge's freshness window
    - A witness consistent with the committed output exists,
      without revealing the output itself`)
}

func loadConfig() *config.Config {
	path := config.FindConfigFile()
	cfg, err := config.Load(path)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	log, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "execproofd",
	})
	if err != nil {
		fatal("setup logging: %v", err)
	}
	logging.SetDefault(log)
	return log
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatal("open store: %v", err)
	}
	return st
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "execproofd: "+format+"\n", args...)
	os.Exit(1)
}

func cmdInit() {
	cfgPath := config.FindConfigFile()
	if cfgPath == "" {
		cfgPath = config.ConfigPath()
	}
	cfg, created, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		fatal("init config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("create directories: %v", err)
	}

	if created {
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Using config:   %s\n", cfgPath)
	}

	// Key material lives in an owner-only directory.
	if err := security.EnsureSecureDir(filepath.Dir(cfg.Signing.KeyPath)); err != nil {
		fatal("secure key directory: %v", err)
	}

	// Receipt signing key
	if _, err := os.Stat(cfg.Signing.KeyPath); os.IsNotExist(err) {
		pub, err := signer.GenerateKeyPair(cfg.Signing.KeyPath)
		if err != nil {
			fatal("generate signing key: %v", err)
		}
		fmt.Printf("Generated receipt key: %s (pub %x...)\n", cfg.Signing.KeyPath, pub[:8])
	} else {
		fmt.Printf("Receipt key:    %s\n", cfg.Signing.KeyPath)
	}

	// Software attestor master key
	if _, err := os.Stat(cfg.Attestation.SoftwareKeyPath); os.IsNotExist(err) {
		key, err := security.GenerateKey(32)
		if err != nil {
			fatal("generate attestor key: %v", err)
		}
		if err := security.WriteSecretFile(cfg.Attestation.SoftwareKeyPath, key); err != nil {
			fatal("write attestor key: %v", err)
		}
		security.Wipe(key)
		fmt.Printf("Generated attestor key: %s\n", cfg.Attestation.SoftwareKeyPath)
	}

	// Storage schema
	st := openStore(cfg)
	defer st.Close()
	status, err := store.GetMigrationStatus(st.DB())
	if err != nil {
		fatal("migration status: %v", err)
	}
	fmt.Printf("Storage:        %s (schema v%d)\n", cfg.Storage.Path, status.CurrentVersion)
	fmt.Println("\nInitialized. Register a binary with:")
	fmt.Println("    execproofd register <name> <version> <path>")
}

func cmdRegister() {
	if len(os.Args) < 5 {
		fatal("usage: execproofd register <name> <version> <path>")
	}
	name, ver, path := os.Args[2], os.Args[3], os.Args[4]

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	// Resolve and sanity-check the path before hashing anything.
	cleanPath, err := security.DefaultPathValidator().ValidatePath(path)
	if err != nil {
		fatal("binary path: %v", err)
	}

	id, err := binaryid.Compute(name, ver, cleanPath)
	if err != nil {
		fatal("compute checksum: %v", err)
	}

	st := openStore(cfg)
	defer st.Close()
	if err := st.UpsertRegistryEntry(&store.RegistryEntry{
		Name:         id.Name,
		Version:      id.Version,
		Path:         id.Path,
		Algorithm:    id.Algorithm,
		Checksum:     id.Checksum,
		RegisteredAt: time.Now(),
	}); err != nil {
		fatal("register: %v", err)
	}

	log.Info("binary registered", "binary", id.Key(), "path", id.Path)
	fmt.Printf("Registered %s\n  %s  %s\n", id.Key(), id.Algorithm, id.ChecksumHex())
}

func cmdList() {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	entries, err := st.ListRegistryEntries()
	if err != nil {
		fatal("list: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No binaries registered.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-30s %s  %s\n", e.Name+"@"+e.Version, hex.EncodeToString(e.Checksum[:8]), e.Path)
	}
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	exportPath := fs.String("export", "", "write a signed evidence packet to this file")
	timeout := fs.Duration("timeout", 0, "override sandbox timeout")

	if len(os.Args) < 4 {
		fatal("usage: execproofd run <name> <version> [flags] [-- binary args]")
	}
	name, ver := os.Args[2], os.Args[3]

	rest := os.Args[4:]
	var binArgs []string
	for i, a := range rest {
		if a == "--" {
			binArgs = rest[i+1:]
			rest = rest[:i]
			break
		}
	}
	fs.Parse(rest)

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	st := openStore(cfg)
	defer st.Close()

	entry, err := st.GetRegistryEntry(name, ver)
	if err != nil {
		fatal("lookup: %v", err)
	}
	if entry == nil {
		fatal("%s@%s is not registered; run: execproofd register %s %s <path>", name, ver, name, ver)
	}

	registry := binaryid.NewRegistry()
	if _, err := st.LoadRegistry(registry); err != nil {
		fatal("load registry: %v", err)
	}

	issuer := challenge.NewIssuer(
		challenge.WithTTL(time.Duration(cfg.Challenge.TTLSec) * time.Second))
	binder := witness.NewBinder()
	backend := circuit.NewGroth16Backend(log)
	verifier := verify.New(issuer, registry, backend)

	attestors := buildAttestors(cfg, log)

	opts := []session.Option{}
	if attestors != nil {
		opts = append(opts, session.WithAttestors(attestors))
	}
	if cfg.Session.RateLimitPerMin > 0 {
		opts = append(opts, session.WithRateLimiter(
			security.NewRateLimiter(float64(cfg.Session.RateLimitPerMin)/60.0, cfg.Session.RateLimitPerMin)))
	}
	mgr := session.NewManager(issuer, registry, binder, backend, verifier, opts...)
	defer mgr.Close()

	sandboxTimeout := time.Duration(cfg.Sandbox.TimeoutSec) * time.Second
	if *timeout > 0 {
		sandboxTimeout = *timeout
	}
	runner := sandbox.NewExecRunner(
		sandbox.WithBinding(sandbox.InputBinding(cfg.Sandbox.Binding)),
		sandbox.WithTimeout(sandboxTimeout),
		sandbox.WithLimits(sandbox.ResourceLimits{
			MaxCPUSeconds:  uint64(cfg.Sandbox.CPUSeconds),
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
			MaxFileBytes:   uint64(cfg.Sandbox.MaxFileBytes),
		}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Challenge
	sess, err := mgr.StartSession(ctx, name, ver)
	if err != nil {
		fatal("start session: %v", err)
	}
	fmt.Printf("Session %s\n  challenge %s, expires %s\n",
		sess.ID, sess.ChallengeID, sess.ExpiresAt.Format(time.RFC3339))

	if err := st.InsertChallenge(&store.ChallengeRecord{
		ID:        sess.ChallengeID,
		Nonce:     sess.Nonce,
		BinaryKey: sess.Binary.Key(),
		State:     "issued",
		IssuedAt:  sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}); err != nil {
		log.Warn("persist challenge", "error", err)
	}
	persistSession(st, log, sess, entry.Path)

	// Execute
	execID := sess.Binary
	execID.Path = entry.Path
	ch := challenge.Challenge{
		ID:        sess.ChallengeID,
		Nonce:     sess.Nonce,
		Binary:    execID,
		IssuedAt:  sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	res, err := runner.Execute(ctx, execID, binArgs, ch)
	if err != nil {
		fatal("execute: %v", err)
	}
	fmt.Printf("  executed in %s (%d output bytes)\n", res.Duration.Round(time.Millisecond), len(res.RawOutput))

	sess, err = mgr.SubmitExecution(ctx, sess.ID, res.RawOutput)
	if err != nil {
		fatal("bind execution: %v", err)
	}
	if err := st.UpdateChallengeState(sess.ChallengeID, "consumed", time.Now()); err != nil {
		log.Warn("persist challenge state", "error", err)
	}
	persistSession(st, log, sess, entry.Path)

	// Commit and prove
	fmt.Println("  proving...")
	sess, err = mgr.Finalize(ctx, sess.ID)
	if err != nil {
		fatal("finalize: %v", err)
	}
	fmt.Printf("  commitment %s\n", hex.EncodeToString(sess.Commitment[:8]))
	persistSession(st, log, sess, entry.Path)

	// Verify
	sess, err = mgr.Verify(ctx, sess.ID)
	if err != nil {
		fatal("verify: %v", err)
	}
	persistSession(st, log, sess, entry.Path)

	if sess.Result == nil || !sess.Result.Accepted {
		reason := "unknown"
		stage := ""
		if sess.Result != nil {
			reason = sess.Result.Reason
			stage = string(sess.Result.Stage)
		}
		fatal("REJECTED at %s: %s", stage, reason)
	}
	fmt.Println("  VERIFIED")

	if *exportPath != "" {
		exportEvidence(cfg, st, log, mgr, sess, *exportPath)
	}
}

func persistSession(st *store.Store, log *logging.Logger, s session.Session, path string) {
	rec := &store.SessionRecord{
		ID:          s.ID,
		ChallengeID: s.ChallengeID,
		BinaryKey:   s.Binary.Key(),
		Status:      s.StatusName,
		Commitment:  append([]byte(nil), s.Commitment[:]...),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		ExpiresAt:   s.ExpiresAt,
	}
	if s.Result != nil {
		rec.ResultStage = string(s.Result.Stage)
		rec.Reason = s.Result.Reason
	}
	if existing, err := st.GetSession(s.ID); err == nil && existing != nil {
		if err := st.UpdateSession(rec); err != nil {
			log.Warn("persist session", "error", err)
		}
		return
	}
	if err := st.InsertSession(rec); err != nil {
		log.Warn("persist session", "error", err)
	}
	_ = path
}

func exportEvidence(cfg *config.Config, st *store.Store, log *logging.Logger, mgr *session.Manager, sess session.Session, path string) {
	packet, err := mgr.Export(sess.ID)
	if err != nil {
		fatal("export: %v", err)
	}

	priv, err := signer.LoadPrivateKey(cfg.Signing.KeyPath)
	if err != nil {
		fatal("load signing key (run execproofd init): %v", err)
	}
	if err := packet.Sign(priv, time.Now()); err != nil {
		fatal("sign packet: %v", err)
	}

	data, err := packet.Encode()
	if err != nil {
		fatal("encode packet: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		fatal("write packet: %v", err)
	}

	sig, _ := hex.DecodeString(packet.Receipt.Signature)
	pub, _ := hex.DecodeString(packet.Receipt.PublicKey)
	receipt := &store.Receipt{
		SessionID: sess.ID,
		Accepted:  sess.Result != nil && sess.Result.Accepted,
		Packet:    data,
		Signature: sig,
		PublicKey: pub,
		CreatedAt: time.Now(),
	}
	if sess.Result != nil {
		receipt.Stage = string(sess.Result.Stage)
		receipt.Reason = sess.Result.Reason
	}
	if _, err := st.InsertReceipt(receipt); err != nil {
		log.Warn("persist receipt", "error", err)
	}

	fmt.Printf("  evidence written to %s (%d bytes)\n", path, len(data))
}

func buildAttestors(cfg *config.Config, log *logging.Logger) *attest.Registry {
	reg := attest.NewRegistry()
	registered := false

	if cfg.Attestation.TPMEnabled {
		provider := tpm.DetectTPM()
		a := attest.NewTPMAttestor(provider)
		reg.Register(a)
		if err := reg.Enable(a.Name()); err == nil {
			registered = true
		}
	}
	if cfg.Attestation.SoftwareEnabled {
		key, err := security.ReadSecureFile(cfg.Attestation.SoftwareKeyPath, 1<<16)
		if err != nil {
			log.Warn("software attestor key unavailable", "error", err)
		} else {
			var a *attest.SoftwareAttestor
			err := security.GuardedExec(key, func(k []byte) error {
				var err error
				a, err = attest.NewSoftwareAttestor(k)
				return err
			})
			if err != nil {
				log.Warn("software attestor", "error", err)
			} else {
				reg.Register(a)
				if err := reg.Enable(a.Name()); err == nil {
					registered = true
				}
			}
		}
	}

	if !registered {
		return nil
	}
	return reg
}

func cmdVerify() {
	if len(os.Args) < 3 {
		fatal("usage: execproofd verify <evidence.json>")
	}
	path := os.Args[2]

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		fatal("read packet: %v", err)
	}
	packet, err := verify.DecodePacket(data)
	if err != nil {
		fatal("decode packet: %v", err)
	}

	if err := packet.VerifyReceipt(); err != nil {
		fatal("receipt: %v", err)
	}
	fmt.Println("Receipt signature: OK")

	st := openStore(cfg)
	defer st.Close()
	registry := binaryid.NewRegistry()
	if _, err := st.LoadRegistry(registry); err != nil {
		fatal("load registry: %v", err)
	}

	backend := circuit.NewGroth16Backend(log)
	res := verify.VerifyEvidence(packet, registry, backend, time.Now())
	if !res.Accepted {
		fatal("REJECTED at %s: %s", res.Stage, res.Reason)
	}
	fmt.Printf("VERIFIED session %s (%s@%s)\n",
		packet.SessionID, packet.Binary.Name, packet.Binary.Version)
}

func cmdStatus() {
	cfg := loadConfig()

	fmt.Println("execproofd status")
	fmt.Printf("  version:     %s (%s)\n", version, commit)
	fmt.Printf("  data dir:    %s\n", config.DataDir())
	fmt.Printf("  storage:     %s\n", cfg.Storage.Path)
	fmt.Printf("  circuit:     %s/%s\n", cfg.Circuit.Scheme, cfg.Circuit.Curve)
	fmt.Printf("  binding:     %s\n", cfg.Sandbox.Binding)
	fmt.Printf("  challenge:   %ds TTL\n", cfg.Challenge.TTLSec)
	fmt.Printf("  tpm support: %v\n", config.HasTPMSupport())

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Printf("  storage:     unavailable (%v)\n", err)
		return
	}
	defer st.Close()

	entries, err := st.ListRegistryEntries()
	if err == nil {
		fmt.Printf("  registered:  %d binaries\n", len(entries))
	}
	sessions, err := st.ListSessions(10)
	if err == nil && len(sessions) > 0 {
		fmt.Println("  recent sessions:")
		for _, s := range sessions {
			line := fmt.Sprintf("    %s  %-16s %s", s.ID[:8], s.Status, s.BinaryKey)
			if s.Reason != "" {
				line += "  (" + s.Reason + ")"
			}
			fmt.Println(line)
		}
	}
}

func cmdServe() {
	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	st := openStore(cfg)
	defer st.Close()

	registry := binaryid.NewRegistry()
	if _, err := st.LoadRegistry(registry); err != nil {
		fatal("load registry: %v", err)
	}

	reg := metrics.NewRegistry("execproof", "")
	stats := metrics.NewProtocolMetrics(reg)
	stats.UpdateUptime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Drift watcher over every registered binary that is still on disk.
	if cfg.Registry.WatchDrift {
		w, err := binaryid.NewWatcher(registry)
		if err != nil {
			log.Warn("drift watcher unavailable", "error", err)
		} else {
			tracked := 0
			for _, id := range registry.Entries() {
				if id.Path == "" {
					continue
				}
				if err := w.Track(id); err != nil {
					log.Warn("track binary", "binary", id.Key(), "error", err)
					continue
				}
				tracked++
			}
			w.Start()
			defer w.Stop()
			log.Info("drift watcher started", "tracked", tracked)

			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-w.Drift():
						if !ok {
							return
						}
						stats.RecordDrift()
						log.Warn("binary drift detected",
							"binary", ev.Identity.Key(),
							"path", ev.Identity.Path)
					case err, ok := <-w.Errors():
						if !ok {
							return
						}
						log.Warn("drift watcher error", "error", err)
					}
				}
			}()
		}
	}

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.StoreCheck(func(ctx context.Context) error {
		return st.DB().PingContext(ctx)
	}))
	checker.RegisterFunc("registry", false, health.RegistryCheck(registry.Len))
	checker.RegisterFunc("signing_key", true, health.KeyFileCheck(cfg.Signing.KeyPath))
	checker.RegisterFunc("backend", false, health.BackendCheck(circuit.NewGroth16Backend(log).VKHash))
	checker.SetReady(true)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.HTTPHandler())
		mux.Handle("/healthz", checker.LivenessHandler())
		mux.Handle("/readyz", checker.ReadinessHandler())
		mux.Handle("/health", checker.HealthHandler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	// Uptime ticker keeps the gauge fresh between scrapes.
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				stats.UpdateUptime()
			}
		}
	}()

	fmt.Printf("execproofd serving (drift watch %v, metrics %v)\n",
		cfg.Registry.WatchDrift, cfg.Metrics.Enabled)
	<-ctx.Done()
	fmt.Println("\nshutting down")
}
