package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxyhop/pkg/fetch"
	"proxyhop/pkg/history"
	"proxyhop/pkg/ipinfo"
	"proxyhop/pkg/provider"
	"proxyhop/pkg/session"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxyhop",
	Short: "Route HTTP requests through rotating proxy providers",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [method] [url]",
	Short: "Fetch a URL through the configured proxy providers",
	Long: `Fetch a URL through rotating proxy providers, retrying failed
attempts against alternate proxies and providers.
[method] is the HTTP method
[url] is the target URL`,
	Example: "fetch GET https://example.com --providers proxyrack,nordvpn --sticky",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		method := args[0]
		url := args[1]

		providerNames, _ := cmd.Flags().GetStringSlice("providers")
		sticky, _ := cmd.Flags().GetBool("sticky")
		freeze, _ := cmd.Flags().GetBool("freeze")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		backoffSec, _ := cmd.Flags().GetInt("backoff")
		noRetry, _ := cmd.Flags().GetBool("no-retry")
		country, _ := cmd.Flags().GetString("country")
		forcedPort, _ := cmd.Flags().GetInt("port")
		explicitProxy, _ := cmd.Flags().GetString("proxy")
		record, _ := cmd.Flags().GetBool("record")

		var providers []provider.Provider
		if explicitProxy == "" {
			var err error
			providers, err = buildProviders(providerNames)
			if err != nil {
				logger.Error("Failed to create proxy providers", "error", err)
				os.Exit(1)
			}
		}

		retryCfg := session.DefaultRetryConfig()
		retryCfg.RetryOnFailure = !noRetry
		if maxAttempts > 0 {
			retryCfg.MaxAttempts = maxAttempts
		}
		if backoffSec >= 0 {
			retryCfg.Backoff = time.Duration(backoffSec) * time.Second
		}

		proxyCfg := session.ProxyConfig{
			Providers:               providers,
			Sticky:                  sticky,
			FreezeAfterFirstSuccess: freeze,
			Options: provider.Options{
				Country:    country,
				ForcedPort: forcedPort,
			},
		}

		s := session.New(proxyCfg, retryCfg, logger)
		defer s.Close()

		if record {
			db, err := initDB()
			if err != nil {
				logger.Error("Error initializing database", "error", err)
				os.Exit(1)
			}
			defer db.Close()
			s.SetRecorder(db)
		}

		result, err := s.Do(&fetch.Request{
			Method: method,
			URL:    url,
			Proxy:  explicitProxy,
		})
		if err != nil {
			logger.Error("Request failed", "error", err)
			os.Exit(1)
		}

		logger.Info("Request completed",
			"status", result.StatusCode(),
			"attempts", s.Attempts())
		fmt.Println(string(result.Body))
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Refresh and print the NordVPN candidate pool",
	Run: func(cmd *cobra.Command, args []string) {
		p, err := provider.NewProvider(nordVPNConfig(), logger)
		if err != nil {
			logger.Error("Failed to create provider", "error", err)
			os.Exit(1)
		}
		nord, ok := p.(*provider.NordVPNProvider)
		if !ok {
			logger.Error("Unexpected provider type")
			os.Exit(1)
		}

		for _, host := range nord.Hosts() {
			fmt.Println(host)
		}
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Fetch ProxyRack usage stats through a fresh endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		p, err := provider.NewProvider(proxyRackConfig(), logger)
		if err != nil {
			logger.Error("Failed to create provider", "error", err)
			os.Exit(1)
		}
		rack, ok := p.(*provider.ProxyRackProvider)
		if !ok {
			logger.Error("Unexpected provider type")
			os.Exit(1)
		}

		endpoint, err := rack.Acquire(false, provider.Options{})
		if err != nil {
			logger.Error("Failed to acquire endpoint", "error", err)
			os.Exit(1)
		}

		stats, err := rack.UsageStats(endpoint)
		if err != nil {
			logger.Error("Failed to fetch usage stats", "error", err)
			os.Exit(1)
		}

		for k, v := range stats {
			fmt.Printf("%s: %v\n", k, v)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [provider]",
	Short: "Acquire an endpoint and print its exit-node IP info",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		providers, err := buildProviders([]string{args[0]})
		if err != nil {
			logger.Error("Failed to create provider", "error", err)
			os.Exit(1)
		}
		country, _ := cmd.Flags().GetString("country")

		endpoint, err := providers[0].Acquire(true, provider.Options{Country: country})
		if err != nil {
			logger.Error("Failed to acquire endpoint", "error", err)
			os.Exit(1)
		}
		defer providers[0].Release()

		info, err := ipinfo.GetIPInfo(endpoint, "")
		if err != nil {
			logger.Error("Failed to fetch exit-node info", "error", err)
			os.Exit(1)
		}

		fmt.Printf("ip: %s\ncity: %s\nregion: %s\ncountry: %s\norg: %s\n",
			info.IP, info.City, info.Region, info.Country, info.Org)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [limit]",
	Short: "Show recent recorded attempts and per-provider stats",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit := 20
		if len(args) > 0 {
			var err error
			limit, err = strconv.Atoi(args[0])
			if err != nil {
				logger.Error("Invalid limit value", "error", err)
				os.Exit(1)
			}
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		attempts, err := db.RecentAttempts(context.Background(), limit)
		if err != nil {
			logger.Error("Error getting recent attempts", "error", err)
			os.Exit(1)
		}

		for _, a := range attempts {
			outcome := fmt.Sprintf("status=%d", a.StatusCode)
			if a.TransportErr != "" {
				outcome = "transport error: " + a.TransportErr
			}
			fmt.Printf("%s  %-7s %s  provider=%s attempt=%d %s\n",
				a.Time.Format(time.RFC3339), a.Method, a.URL, a.Provider, a.AttemptNumber, outcome)
		}

		stats, err := db.ProviderStats(context.Background())
		if err != nil {
			logger.Error("Error getting provider stats", "error", err)
			os.Exit(1)
		}

		fmt.Println()
		for _, st := range stats {
			fmt.Printf("%s: %d attempts, %d successes\n", st.Provider, st.Attempts, st.Successes)
		}
	},
}

func proxyRackConfig() provider.Config {
	return provider.Config{
		System:   provider.SystemProxyRack,
		Username: viper.GetString("proxyrack.username"),
		Password: viper.GetString("proxyrack.api_key"),
		Gateway:  viper.GetString("proxyrack.gateway"),
		Strength: viper.GetFloat64("proxyrack.strength"),
	}
}

func nordVPNConfig() provider.Config {
	return provider.Config{
		System:   provider.SystemNordVPN,
		Username: viper.GetString("nordvpn.username"),
		Password: viper.GetString("nordvpn.password"),
		Strength: viper.GetFloat64("nordvpn.strength"),
	}
}

func buildProviders(names []string) ([]provider.Provider, error) {
	var providers []provider.Provider
	for _, name := range names {
		var cfg provider.Config
		switch strings.ToLower(strings.TrimSpace(name)) {
		case string(provider.SystemProxyRack):
			cfg = proxyRackConfig()
		case string(provider.SystemNordVPN):
			cfg = nordVPNConfig()
		default:
			return nil, fmt.Errorf("unknown provider: %s", name)
		}

		p, err := provider.NewProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	fetchCmd.Flags().StringSlice("providers", []string{"proxyrack", "nordvpn"}, "Proxy providers to use, in configured order")
	fetchCmd.Flags().Bool("sticky", false, "Reuse the last successful proxy across requests")
	fetchCmd.Flags().Bool("freeze", false, "Freeze the proxy after the first successful request")
	fetchCmd.Flags().Int("max-attempts", 0, "Session-wide attempt ceiling (0 = default)")
	fetchCmd.Flags().Int("backoff", -1, "Backoff between attempts in seconds (-1 = default)")
	fetchCmd.Flags().Bool("no-retry", false, "Disable retrying failed requests")
	fetchCmd.Flags().String("country", "", "Two-letter country code for geo pinning")
	fetchCmd.Flags().Int("port", 0, "Force a specific sticky port (debugging)")
	fetchCmd.Flags().String("proxy", "", "Explicit proxy endpoint (mutually exclusive with providers)")
	fetchCmd.Flags().Bool("record", false, "Record attempts to the database")

	checkCmd.Flags().String("country", "", "Two-letter country code for geo pinning")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.proxyhop")
	viper.AddConfigPath("/etc/proxyhop/")

	viper.SetEnvPrefix("proxyhop")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// The config file is optional: credentials may come entirely from the
	// environment.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func initDB() (*history.DB, error) {
	db, err := history.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
