package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/qapintel/internal/config"
	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/pipeline"
	"github.com/TobiSchelling/qapintel/internal/server"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qapintel",
	Short:   "Regulatory universe mapping and retrieval benchmarking for QAPs",
	Long:    "QAPIntel classifies the legal citations in Qualified Allocation Plans, maps the external regulations they depend on, and benchmarks enriched retrieval corpora.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := godotenv.Load(); err != nil && verbose {
			log.Printf("No .env file found, using environment variables")
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("qapintel", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/qapintel/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set expected counts, corpora, embedding provider, and report storage.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and corpus status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Universes:")
		fmt.Printf("  Mapping runs: %d\n", stats.Universes)
		if stats.LastUniverseRun != nil {
			fmt.Printf("  Last run: %s\n", *stats.LastUniverseRun)
		}
		fmt.Println("\nExternal regulations:")
		for _, s := range []universe.Status{universe.StatusPending, universe.StatusFetched, universe.StatusProcessed, universe.StatusIntegrated} {
			fmt.Printf("  %s: %d\n", s, stats.Regulations[s])
		}

		corpora, err := db.ListCorpora()
		if err != nil {
			return err
		}
		fmt.Println("\nCorpora:")
		if len(corpora) == 0 {
			fmt.Println("  none")
		}
		for _, name := range corpora {
			cs, err := db.GetCorpusStats(name)
			if err != nil {
				return err
			}
			fmt.Printf("  %s: %d active, %d retired, %d enriched\n", name, cs.ActiveChunks, cs.RetiredChunks, cs.EnrichedChunks)
		}

		fmt.Println("\nRuns:")
		fmt.Printf("  Ingestion runs: %d\n", stats.IngestionRuns)
		fmt.Printf("  Benchmark runs: %d\n", stats.BenchmarkRuns)
		fmt.Printf("  Cache entries: %d\n", stats.CacheEntries)
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local report server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

// openPipeline opens the database and builds the configured components.
func openPipeline(ctx context.Context) (*pipeline.Pipeline, *database.DB, error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return p, db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSorted(counts map[string]int, indent string) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		fmt.Printf("%s%s: %d\n", indent, k, counts[k])
	}
}

func printSteps(steps []pipeline.StepResult) {
	for i, step := range steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}
