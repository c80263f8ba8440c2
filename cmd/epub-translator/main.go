package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"epub-translator/internal/config"
	"epub-translator/internal/pipeline"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	logger  *logrus.Logger
)

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "epub-translator",
	Short: "Translate MOBI/EPUB books with OpenAI while preserving layout",
	Long: `EPUB Translator converts a MOBI to EPUB when needed, translates only the
human-readable text of the book (text nodes and image alt text), and rebuilds
the archive with markup, images, and CSS untouched. Interrupted runs resume
from the checkpoint log.`,
}

var translateCmd = &cobra.Command{
	Use:   "translate <input>",
	Short: "Translate a .mobi or .epub file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranslate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EPUB Translator v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Manage application configuration including viewing current settings and setting up API keys.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		showConfig(cmd)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		initConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (default: config.json beside executable)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	translateCmd.Flags().String("target", "zh-TW", "Target language")
	translateCmd.Flags().String("model", "", "OpenAI model (overrides config)")
	translateCmd.Flags().Bool("skip-convert", false, "Input is already EPUB, skip MOBI conversion")
	translateCmd.Flags().Int("max-chars-per-call", 0, "Maximum characters per API call (overrides config)")
	translateCmd.Flags().Int("preview-limit", 0, "Only translate the first N fragments (sampling/QA)")
	translateCmd.Flags().Int("max-workers", 0, "Concurrent batches, 1-25 (overrides config)")

	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runTranslate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cmd)

	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required but not found in configuration")
	}

	if err := os.MkdirAll(cfg.App.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	target, _ := cmd.Flags().GetString("target")
	model, _ := cmd.Flags().GetString("model")
	skipConvert, _ := cmd.Flags().GetBool("skip-convert")
	maxChars, _ := cmd.Flags().GetInt("max-chars-per-call")
	previewLimit, _ := cmd.Flags().GetInt("preview-limit")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")

	// SIGINT/SIGTERM cancels in-flight batches; completed ones stay
	// checkpointed for the next run.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := pipeline.Options{
		Input:           args[0],
		TargetLang:      target,
		Model:           model,
		SkipConvert:     skipConvert,
		MaxCharsPerCall: maxChars,
		PreviewLimit:    previewLimit,
		MaxWorkers:      maxWorkers,
	}

	cmd.SilenceUsage = true
	return pipeline.New(cfg, logger).Run(ctx, opts)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	logger.Debugf("Loading configuration from: %s", configPath)
	return config.Load(configPath)
}

func setupLogging(cmd *cobra.Command) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

func showConfig(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	fmt.Printf("📋 EPUB Translator Configuration\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Configuration file: %s\n\n", configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("❌ Configuration file does not exist\n")
		fmt.Printf("💡 Run 'epub-translator config init' to create one\n")
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		return
	}

	fmt.Printf("OpenAI Settings:\n")
	if cfg.OpenAI.APIKey != "" {
		maskedKey := cfg.OpenAI.APIKey[:6] + "..." + cfg.OpenAI.APIKey[len(cfg.OpenAI.APIKey)-4:]
		fmt.Printf("  API Key: %s\n", maskedKey)
	} else {
		fmt.Printf("  API Key: ❌ Not set\n")
	}
	fmt.Printf("  Model: %s\n", cfg.OpenAI.Model)
	fmt.Printf("  Max Tokens: %d\n", cfg.OpenAI.MaxTokens)
	fmt.Printf("  Temperature: %.1f\n", cfg.OpenAI.Temperature)
	fmt.Printf("  Request Timeout: %s\n", cfg.OpenAI.RequestTimeout)
	fmt.Printf("\n")

	fmt.Printf("Translation Settings:\n")
	fmt.Printf("  Max Chars Per Call: %d\n", cfg.Translation.MaxCharsPerCall)
	fmt.Printf("  Max Workers: %d\n", cfg.Translation.MaxWorkers)
	fmt.Printf("  Max Retries: %d\n", cfg.Translation.MaxRetries)
	fmt.Printf("  Backoff Cap: %s\n", cfg.Translation.BackoffCap)
	fmt.Printf("\n")

	fmt.Printf("Application Settings:\n")
	fmt.Printf("  Temp Directory: %s\n", cfg.App.TempDir)
}

func initConfig(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	fmt.Printf("🔧 Initializing EPUB Translator Configuration\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Configuration file: %s\n\n", configPath)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("⚠️  Configuration file already exists\n")
		return
	}

	_, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("❌ Failed to initialize configuration: %v\n", err)
		return
	}

	fmt.Printf("\n✅ Configuration initialized successfully!\n")
	fmt.Printf("💡 You can now run 'epub-translator translate <book.mobi>'\n")
	fmt.Printf("📋 Use 'epub-translator config show' to view your configuration\n")
}
