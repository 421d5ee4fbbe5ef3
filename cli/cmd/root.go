package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/citadel"
	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/logging"
	"southwinds.dev/citadel/persist"
)

var (
	cfgFile      string
	storePath    string
	userID       string
	masterSecret string
	vaultSvc     citadel.VaultService
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "citadel",
	Short: "A credential vault for per-user encrypted secrets",
	Long: `A credential vault storing per-user secrets under envelope encryption.
Access requires a master secret; reveals additionally require a short-lived,
explicitly re-verified view permission. Every operation is audited.`,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vaultSvc != nil {
			return vaultSvc.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.citadel.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "vault user id")
	rootCmd.PersistentFlags().StringVar(&masterSecret, "secret", "", "master secret (or use CITADEL_SECRET env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (memory, filesystem, s3)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("user", "user")
	bindFlagOrPanic("verbose", "verbose")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit sink type (file, sqlite)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log or database path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")

	// Policy flags
	rootCmd.PersistentFlags().Duration("view-ttl", 0, "view permission lifetime (0 uses the default)")
	bindFlagOrPanic("policy.view_ttl", "view-ttl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/citadel")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".citadel")
	}

	viper.SetEnvPrefix("CITADEL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// missing config file is fine, defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("store.path", ".citadel")
	viper.SetDefault("store.type", "filesystem")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.key_prefix", "citadel/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}

	storePath = viper.GetString("store.path")
	userID = viper.GetString("user")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	if masterSecret == "" {
		masterSecret = os.Getenv("CITADEL_SECRET")
	}
	if masterSecret == "" {
		return fmt.Errorf("master secret is required. Use --secret flag or CITADEL_SECRET environment variable")
	}
	if userID == "" {
		return fmt.Errorf("user id is required. Use --user flag or CITADEL_USER environment variable")
	}

	auditSink, err := createAuditSink()
	if err != nil {
		return fmt.Errorf("failed to create audit sink: %w", err)
	}

	store, err := createStore(viper.GetString("store.type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := logging.NewTextLogger(os.Stderr, level)
	logger.Debug("command invoked", "command", cmd.Name(), "flags", sanitizeFlags(cmd))

	opts := citadel.DefaultOptions()
	if ttl := viper.GetDuration("policy.view_ttl"); ttl > 0 {
		opts.ViewTTL = ttl
	}

	vaultSvc, err = citadel.New(opts, store, auditSink, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	return nil
}

func createAuditSink() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.SinkType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "memory":
		return persist.NewMemoryStore(), nil

	case "filesystem", "file":
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": viper.GetString("store.path")},
		})

	case "s3":
		config := map[string]interface{}{
			"endpoint":          viper.GetString("store.s3.endpoint"),
			"access_key_id":     viper.GetString("store.s3.access_key_id"),
			"secret_access_key": viper.GetString("store.s3.secret_access_key"),
			"bucket":            viper.GetString("store.s3.bucket"),
			"key_prefix":        viper.GetString("store.s3.key_prefix"),
			"use_ssl":           viper.GetBool("store.s3.use_ssl"),
			"region":            viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewStore(persist.StoreConfig{Type: persist.StoreTypeS3, Config: config})

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: memory, filesystem, s3", storeType)
	}
}

func validateS3Config(config map[string]interface{}) error {
	var missing []string
	if config["bucket"] == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config["region"] == "" {
		missing = append(missing, "store.s3.region")
	}
	hasAccessKey := config["access_key_id"] != ""
	hasSecretKey := config["secret_access_key"] != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// withSession runs fn inside a login/logout pair for the configured user.
func withSession(fn func(sessionID string) error) error {
	session, err := vaultSvc.Login(userID, []byte(masterSecret))
	if err != nil {
		return err
	}
	defer func() {
		if logoutErr := vaultSvc.Logout(session.ID); logoutErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: logout failed: %v\n", logoutErr)
		}
	}()
	return fn(session.ID)
}

// withView runs fn inside a login/logout pair with an active view
// permission, re-verifying the master secret before any reveal-capable
// operation.
func withView(fn func(sessionID string) error) error {
	return withSession(func(sessionID string) error {
		ttl := viper.GetDuration("policy.view_ttl")
		if _, err := vaultSvc.RequestView(sessionID, []byte(masterSecret), ttl); err != nil {
			return fmt.Errorf("view authorization failed: %w", err)
		}
		defer vaultSvc.RevokeView(sessionID)
		return fn(sessionID)
	})
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
