package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/imagesearch/internal/llm"
	"github.com/efebarandurmaz/imagesearch/internal/server"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "imagesearch",
		Short:         "Caption, embed and search a folder of images by text",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (YAML); IMAGESEARCH_* env vars override it")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Create or verify the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(cmd.Context(), configPath)
		},
	}

	storeCmd := &cobra.Command{
		Use:   "store <image>",
		Short: "Caption, embed and store a single image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(cmd.Context(), configPath, args[0])
		},
	}

	var (
		jsonReport  bool
		useTemporal bool
	)
	storeDatasetCmd := &cobra.Command{
		Use:   "store-dataset [dir]",
		Short: "Store every .jpg/.jpeg image in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runStoreDataset(cmd.Context(), cmd.OutOrStdout(), configPath, dir, jsonReport, useTemporal)
		},
	}
	storeDatasetCmd.Flags().BoolVar(&jsonReport, "json", false, "Output the ingest report as JSON")
	storeDatasetCmd.Flags().BoolVar(&useTemporal, "temporal", false, "Run the ingest as a Temporal workflow")

	var (
		size     int
		noExport bool
	)
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored images by text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd.OutOrStdout(), configPath, args[0], server.ClampSize(size), !noExport)
		},
	}
	searchCmd.Flags().IntVar(&size, "size", server.DefaultSearchSize, fmt.Sprintf("Number of results (1-%d)", server.MaxSearchSize))
	searchCmd.Flags().BoolVar(&noExport, "no-export", false, "Do not copy results to the results directory")

	interactiveCmd := &cobra.Command{
		Use:   "interactive",
		Short: "Read queries from stdin until EOF",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), configPath, server.ClampSize(size), os.Stdin)
		},
	}
	interactiveCmd.Flags().IntVar(&size, "size", server.DefaultSearchSize, fmt.Sprintf("Number of results (1-%d)", server.MaxSearchSize))

	watchCmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Store images as they are added to a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runWatch(cmd.Context(), configPath, dir)
		},
	}

	var (
		addr         string
		withTemporal bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search API, health endpoints and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, addr, withTemporal)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&withTemporal, "temporal", false, "Report Temporal connectivity in /health")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List available model providers",
		Run: func(cmd *cobra.Command, args []string) {
			names := make([]string, 0, len(llm.KnownProviders))
			for name := range llm.KnownProviders {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Println("Available model providers:")
			fmt.Println()
			for _, name := range names {
				fmt.Printf("  %-14s %s\n", color.CyanString(name), llm.KnownProviders[name])
			}
			fmt.Printf("  %-14s %s\n", color.CyanString("custom"), "(set base_url to any OpenAI-compatible endpoint)")
			fmt.Println()
			fmt.Println("anthropic can caption but not embed; pair it with another embedding provider.")
			fmt.Println()
			fmt.Println("Configure in imagesearch.yaml or via environment:")
			fmt.Println("  IMAGESEARCH_CAPTION_PROVIDER=ollama")
			fmt.Println("  IMAGESEARCH_CAPTION_MODEL=llava")
			fmt.Println("  IMAGESEARCH_EMBEDDING_MODEL=nomic-embed-text")
		},
	}

	rootCmd.AddCommand(schemaCmd, storeCmd, storeDatasetCmd, searchCmd, interactiveCmd, watchCmd, serveCmd, providersCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
