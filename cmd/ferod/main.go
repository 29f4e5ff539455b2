package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fero-hsm/ferod/internal/adminsrv"
	"github.com/fero-hsm/ferod/internal/audit"
	"github.com/fero-hsm/ferod/internal/config"
	"github.com/fero-hsm/ferod/internal/dispatch"
	"github.com/fero-hsm/ferod/internal/hsm"
	"github.com/fero-hsm/ferod/internal/keyring"
	"github.com/fero-hsm/ferod/internal/netsrv"
	"github.com/fero-hsm/ferod/internal/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ferod",
	Short: "Quorum-threshold HSM signing service",
	Long:  "ferod holds RSA keys in a hardware security module and signs on behalf of a weighted quorum of PGP-identified operators.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml/json/toml)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapCmd)
}

// exit codes per spec.md §6
const (
	exitOK             = 0
	exitConfigError    = 1
	exitHSMUnreachable = 2
	exitStoreCorrupt   = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// buildGateway selects the HSM transport named by cfg, matching
// internal/config.HSMConfig's "sim"/"pkcs11" provider switch.
func buildGateway(cfg *config.Config) (hsm.Gateway, error) {
	switch cfg.HSM.Provider {
	case "sim":
		return hsm.NewSimGateway(), nil
	case "pkcs11":
		return hsm.NewPKCS11Gateway(cfg.HSM.Module, cfg.HSM.Slot)
	default:
		return nil, fmt.Errorf("unknown hsm provider %q", cfg.HSM.Provider)
	}
}

// wireUp loads configuration and constructs every collaborator up to
// (but not including) opening the HSM session, shared by serve and
// bootstrap.
func wireUp() (*config.Config, *store.Store, *keyring.Keyring, hsm.Gateway, *audit.Log, *audit.Ledger, error) {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("store: %w", err)
	}

	kr := keyring.New(s)

	gw, err := buildGateway(cfg)
	if err != nil {
		s.Close()
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("hsm gateway: %w", err)
	}

	ledger, err := audit.OpenLedger(cfg.LedgerPath)
	if err != nil {
		s.Close()
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("audit ledger: %w", err)
	}

	auditLog, err := audit.Open(s, ledger)
	if err != nil {
		s.Close()
		ledger.Close()
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("audit log: %w", err)
	}

	return cfg, s, kr, gw, auditLog, ledger, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signing service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Printf("ferod %s (%s) starting", Version, Commit)

	cfg, s, kr, gw, auditLog, ledger, err := wireUp()
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(exitConfigError)
	}
	defer s.Close()
	defer ledger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	users, err := s.AllUsers()
	if err != nil {
		log.Printf("store corruption detected while loading users: %v", err)
		os.Exit(exitStoreCorrupt)
	}
	if err := kr.WarmCache(users); err != nil {
		log.Printf("store corruption detected while warming keyring cache: %v", err)
		os.Exit(exitStoreCorrupt)
	}

	d := dispatch.New(s, kr, gw, auditLog)

	if err := d.OpenSession(ctx, hsm.Credential{Handle: cfg.HSM.Handle, Password: cfg.HSM.Pin}); err != nil {
		log.Printf("hsm unreachable at startup: %v", err)
		os.Exit(exitHSMUnreachable)
	}
	defer d.CloseSession(context.Background())

	if err := d.Reconcile(ctx); err != nil {
		log.Printf("store corruption detected during startup reconciliation: %v", err)
		os.Exit(exitStoreCorrupt)
	}

	netServer := netsrv.New(cfg.ListenAddr, d)
	adminServer := adminsrv.New(cfg.AdminAddr, s, ledger)

	errCh := make(chan error, 2)
	go func() { errCh <- netServer.Serve(ctx) }()
	go func() { errCh <- adminServer.Serve(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	case <-sig:
		log.Printf("shutting down")
		cancel()
		netServer.Close()
	}

	return nil
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Offline administrative operations requiring the HSM application credential",
}

var (
	bootstrapCertPath string
)

var addUserCmd = &cobra.Command{
	Use:   "add-user",
	Short: "Enroll a new PGP principal",
	RunE:  runAddUser,
}

var (
	secretName      string
	secretKeyType   string
	secretKeyIDHex  string
	secretThreshold int64
	secretKeyPath   string
)

var addSecretCmd = &cobra.Command{
	Use:   "add-secret",
	Short: "Register a secret whose key material has already been imported into the HSM",
	RunE:  runAddSecret,
}

func init() {
	addUserCmd.Flags().StringVar(&bootstrapCertPath, "cert", "", "path to a binary (non-armored) PGP certificate")
	addUserCmd.MarkFlagRequired("cert")

	addSecretCmd.Flags().StringVar(&secretName, "name", "", "secret name")
	addSecretCmd.Flags().StringVar(&secretKeyType, "key-type", "pem", "pgp or pem")
	addSecretCmd.Flags().StringVar(&secretKeyIDHex, "subkey-id", "", "hex-encoded PGP subkey id (pgp secrets only)")
	addSecretCmd.Flags().Int64Var(&secretThreshold, "threshold", 0, "initial threshold")
	addSecretCmd.Flags().StringVar(&secretKeyPath, "key-material", "", "path to the DER-encoded RSA private key to import")
	addSecretCmd.MarkFlagRequired("name")
	addSecretCmd.MarkFlagRequired("key-material")

	bootstrapCmd.AddCommand(addUserCmd)
	bootstrapCmd.AddCommand(addSecretCmd)
}

func runAddUser(cmd *cobra.Command, args []string) error {
	cfg, s, kr, gw, auditLog, ledger, err := wireUp()
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(exitConfigError)
	}
	defer s.Close()
	defer ledger.Close()

	ctx := context.Background()
	if err := gw.OpenSession(ctx, hsm.Credential{Handle: cfg.HSM.Handle, Password: cfg.HSM.Pin}); err != nil {
		log.Printf("hsm unreachable: %v", err)
		os.Exit(exitHSMUnreachable)
	}
	defer gw.CloseSession(ctx)

	d := dispatch.New(s, kr, gw, auditLog)

	cert, err := os.ReadFile(bootstrapCertPath)
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}

	user, err := d.AddUser(cert)
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	fmt.Printf("enrolled user %s\n", user.Fingerprint)
	return nil
}

func runAddSecret(cmd *cobra.Command, args []string) error {
	cfg, s, kr, gw, auditLog, ledger, err := wireUp()
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(exitConfigError)
	}
	defer s.Close()
	defer ledger.Close()

	ctx := context.Background()
	if err := gw.OpenSession(ctx, hsm.Credential{Handle: cfg.HSM.Handle, Password: cfg.HSM.Pin}); err != nil {
		log.Printf("hsm unreachable: %v", err)
		os.Exit(exitHSMUnreachable)
	}
	defer gw.CloseSession(ctx)

	keyMaterial, err := os.ReadFile(secretKeyPath)
	if err != nil {
		return fmt.Errorf("read key material: %w", err)
	}

	handle, err := gw.ImportRSA(ctx, keyMaterial)
	if err != nil {
		return fmt.Errorf("import rsa key: %w", err)
	}

	var keyType store.KeyType
	switch secretKeyType {
	case "pgp":
		keyType = store.KeyTypePGP
	case "pem":
		keyType = store.KeyTypePEM
	default:
		return fmt.Errorf("unknown key type %q", secretKeyType)
	}

	d := dispatch.New(s, kr, gw, auditLog)
	created, err := d.AddSecret(store.Secret{
		Name:      secretName,
		KeyType:   keyType,
		KeyID:     secretKeyIDHex,
		Threshold: secretThreshold,
		HSMID:     handle,
	})
	if err != nil {
		return fmt.Errorf("add secret: %w", err)
	}
	fmt.Printf("registered secret %s (hsm handle %d)\n", created.Name, created.HSMID)
	return nil
}
