// Package main provides the stitch CLI.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"stitch/internal/agent"
	"stitch/internal/config"
	"stitch/internal/document"
	"stitch/internal/locate"
	"stitch/internal/patch"
	"stitch/internal/reconcile"
	"stitch/internal/server"
	"stitch/internal/store"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "stitch",
	Short: "Stitch - agent-assisted editing for live collaborative documents",
	Long:  `Stitch runs an edit-reconciliation server: editors connect over websockets, an AI agent proposes search/replace edits against a frozen snapshot, and the results merge back into the live document without clobbering concurrent edits.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the document session server",
	RunE:  runServe,
}

var applyCmd = &cobra.Command{
	Use:   "apply <file> <instruction>",
	Short: "Run one agent edit cycle over a local file",
	Args:  cobra.ExactArgs(2),
	RunE:  runApply,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the stitch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("stitch", version)
	},
}

var (
	configPath string
	writeBack  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	applyCmd.Flags().BoolVarP(&writeBack, "write", "w", false, "Write the result back to the file instead of stdout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	var agentFn reconcile.AgentFunc
	if cfg.APIKey != "" {
		p, err := agent.NewProposer(cfg.APIKey, cfg.APIBase, cfg.Model)
		if err != nil {
			return fmt.Errorf("configuring agent: %w", err)
		}
		agentFn = p.Propose
	} else {
		log.Printf("stitch: OPENAI_API_KEY not set, assist requests will be rejected")
	}

	srv := server.New(cfg, db, agentFn)
	log.Printf("stitch: listening on %s (data in %s)", cfg.Listen, cfg.DataDir)
	return http.ListenAndServe(cfg.Listen, srv.Router())
}

func runApply(cmd *cobra.Command, args []string) error {
	path, instruction := args[0], args[1]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}
	p, err := agent.NewProposer(cfg.APIKey, cfg.APIBase, cfg.Model)
	if err != nil {
		return fmt.Errorf("configuring agent: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	doc := document.New()
	if err := reconcile.ReconcileUserText(doc, string(data)); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	patcher := patch.NewWithOptions(locate.Options{
		MatchThreshold: cfg.MatchThreshold,
		MatchDistance:  cfg.MatchDistance,
	})
	engine := reconcile.NewEngineWithPatcher(doc, p.Propose, patcher)
	res, err := engine.RunCycle(context.Background(), instruction)
	if err != nil {
		return err
	}
	log.Printf("stitch: %d blocks parsed, %d applied, %d skipped, %d ops merged",
		res.BlocksParsed, res.BlocksApplied, res.BlocksSkipped, res.OpsMerged)

	if writeBack {
		return os.WriteFile(path, []byte(doc.Text()), 0644)
	}
	fmt.Print(doc.Text())
	return nil
}
