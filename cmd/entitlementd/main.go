package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/entitlements/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL     = "database-url"
	flagStore           = "store"
	flagHTTPListenAddr  = "http-listen-addr"
	flagGRPCListenAddr  = "grpc-listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagJWTCookieName   = "jwt-cookie-name"
	flagRequestTimeout  = "request-timeout"
	flagNotifier        = "notifier"
	flagKafkaBrokers    = "kafka-brokers"
	flagKafkaTopic      = "kafka-topic"
	flagRabbitMQURL     = "rabbitmq-url"
	flagRabbitMQQueue   = "rabbitmq-queue"
	flagRedisAddr       = "redis-addr"
	flagRedisPassword   = "redis-password"
	flagSummaryCacheTTL = "summary-cache-ttl"
	flagRolloverMonths  = "rollover-months"
	flagTierAllotments  = "tier-allotments"
	flagOTelEndpoint    = "otel-endpoint"
	flagCodesFile       = "file"
	envPrefix           = "ENTITLEMENTS"
)

var configFlags = []string{
	flagDatabaseURL, flagStore, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagRequestTimeout, flagNotifier,
	flagKafkaBrokers, flagKafkaTopic, flagRabbitMQURL, flagRabbitMQQueue, flagRedisAddr,
	flagRedisPassword, flagSummaryCacheTTL, flagRolloverMonths, flagTierAllotments, flagOTelEndpoint,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	serveCmd := newServeCommand(cfg)
	rootCmd := &cobra.Command{
		Use:           "entitlementd",
		Short:         "Entitlement ledger: code redemption, credit debits, monthly resets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE:       serveCmd.PreRunE,
		RunE:          serveCmd.RunE,
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "database url (postgres://... or sqlite:///path)")
	flags.String(flagStore, config.StoreGorm, "store backend: gorm or pgx")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "internal gRPC listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.Duration(flagRequestTimeout, 0, "per-request ledger timeout")
	flags.String(flagNotifier, config.NotifierLog, "side effect notifier: log, kafka, or rabbitmq")
	flags.String(flagKafkaBrokers, "", "comma-separated kafka brokers")
	flags.String(flagKafkaTopic, "", "kafka topic for side effects")
	flags.String(flagRabbitMQURL, "", "rabbitmq url")
	flags.String(flagRabbitMQQueue, "", "rabbitmq queue for side effects")
	flags.String(flagRedisAddr, "", "redis address for the usage summary cache (optional)")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Duration(flagSummaryCacheTTL, 0, "usage summary cache TTL")
	flags.Int(flagRolloverMonths, 0, "months of unused allotment carried across a reset")
	flags.String(flagTierAllotments, "", "tier allotments, e.g. 1=100,2=300,3=750,4=2000")
	flags.String(flagOTelEndpoint, "", "OTLP gRPC endpoint (optional)")

	rootCmd.AddCommand(serveCmd, newMigrateCommand(cfg), newImportCodesCommand(cfg))
	return rootCmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the internal gRPC API, and the side effect dispatcher",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateStorage()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *cfg)
		},
	}
}

func newImportCodesCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-codes",
		Short: "Import administratively produced redemption codes from a JSON file",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateStorage()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString(flagCodesFile)
			if err != nil {
				return err
			}
			if strings.TrimSpace(path) == "" {
				return fmt.Errorf("%s is required", flagCodesFile)
			}
			count, err := runImportCodes(cmd.Context(), *cfg, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d codes\n", count)
			return nil
		},
	}
	cmd.Flags().String(flagCodesFile, "", "path to a JSON array of code specs (required)")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.Store = strings.TrimSpace(v.GetString(flagStore))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AllowedOrigins = config.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.Notifier = strings.TrimSpace(v.GetString(flagNotifier))
	cfg.KafkaBrokers = config.ParseList(v.GetString(flagKafkaBrokers))
	cfg.KafkaTopic = strings.TrimSpace(v.GetString(flagKafkaTopic))
	cfg.RabbitMQURL = strings.TrimSpace(v.GetString(flagRabbitMQURL))
	cfg.RabbitMQQueue = strings.TrimSpace(v.GetString(flagRabbitMQQueue))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.SummaryCacheTTL = v.GetDuration(flagSummaryCacheTTL)
	cfg.RolloverMonths = v.GetInt(flagRolloverMonths)
	cfg.TierAllotments = strings.TrimSpace(v.GetString(flagTierAllotments))
	cfg.OTelEndpoint = strings.TrimSpace(v.GetString(flagOTelEndpoint))
	return nil
}
