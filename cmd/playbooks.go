// Package cmd provides command-line interface commands for the bastion
// playbook engine.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"bastion/config"
	"bastion/playbook"
	"bastion/service"
	"bastion/storage"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Flags shared across playbook subcommands.
var (
	outputJSON bool
	noColor    bool
	quiet      bool
	firmID     string
)

const (
	maxDefinitionFileSize = 1 * 1024 * 1024 // definitions are small; reject runaway files
	cliTimeout            = 2 * time.Minute
)

// NewPlaybooksCmd creates the root playbooks command with all subcommands.
func NewPlaybooksCmd() *cobra.Command {
	playbooksCmd := &cobra.Command{
		Use:   "playbooks",
		Short: "Manage response playbooks",
		Long: `Manage response playbooks including YAML import, validation, and listing.

Playbook definitions are YAML documents describing trigger conditions and an
ordered list of response steps. Import reads a file or a directory of files
and registers each definition for the given firm.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	playbooksCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	playbooksCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	playbooksCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	playbooksCmd.PersistentFlags().StringVar(&firmID, "firm", "", "Firm the playbooks belong to")

	playbooksCmd.AddCommand(newImportCmd())
	playbooksCmd.AddCommand(newValidateCmd())
	playbooksCmd.AddCommand(newListPlaybooksCmd())

	return playbooksCmd
}

// importReport summarizes one import run for text and JSON output.
type importReport struct {
	Imported []string            `json:"imported"`
	Skipped  map[string][]string `json:"skipped,omitempty"`
}

func newImportCmd() *cobra.Command {
	var activate bool

	cmd := &cobra.Command{
		Use:   "import <file-or-directory>",
		Short: "Import playbook definitions from YAML",
		Long: `Import playbook definitions from a YAML file or a directory of YAML files.

Each file may contain one or more documents. Definitions that fail validation
are reported and skipped; valid definitions from the same run still import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if firmID == "" {
				return fmt.Errorf("--firm is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()

			svc, cleanup, err := initPlaybookService()
			if err != nil {
				return err
			}
			defer cleanup()

			docs, err := loadDefinitions(args[0])
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				return fmt.Errorf("no playbook definitions found in %s", args[0])
			}

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = fmt.Sprintf(" Importing %d definition(s)...", len(docs))
				s.Start()
			}

			report := importReport{Skipped: map[string][]string{}}
			for _, doc := range docs {
				pb := doc.playbook
				pb.FirmID = firmID
				pb.IsActive = activate

				created, err := svc.CreatePlaybook(ctx, pb)
				if err != nil {
					report.Skipped[doc.origin] = append(report.Skipped[doc.origin], err.Error())
					continue
				}
				report.Imported = append(report.Imported, fmt.Sprintf("%s (%s)", created.Name, created.ID))
			}

			if s != nil {
				s.Stop()
			}

			if outputJSON {
				return printJSON(report)
			}

			for _, line := range report.Imported {
				successColor.Printf("✓ Imported %s\n", line)
			}
			for origin, errs := range report.Skipped {
				errorColor.Printf("✗ %s\n", origin)
				for _, e := range errs {
					fmt.Printf("    %s\n", e)
				}
			}
			if len(report.Skipped) > 0 {
				return fmt.Errorf("%d definition(s) failed to import", len(report.Skipped))
			}
			if !quiet {
				infoColor.Printf("%d playbook(s) imported for firm %s\n", len(report.Imported), firmID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&activate, "activate", false, "Mark imported playbooks active immediately")

	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-directory>",
		Short: "Validate playbook definitions without importing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := loadDefinitions(args[0])
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				return fmt.Errorf("no playbook definitions found in %s", args[0])
			}

			type result struct {
				Origin     string   `json:"origin"`
				Name       string   `json:"name"`
				Valid      bool     `json:"valid"`
				Violations []string `json:"violations,omitempty"`
			}
			results := make([]result, 0, len(docs))
			invalid := 0
			for _, doc := range docs {
				pb := doc.playbook
				// Structural validation does not need a real firm.
				pb.FirmID = "validate"
				violations := playbook.Validate(pb)
				if len(violations) > 0 {
					invalid++
				}
				results = append(results, result{
					Origin:     doc.origin,
					Name:       pb.Name,
					Valid:      len(violations) == 0,
					Violations: violations,
				})
			}

			if outputJSON {
				return printJSON(results)
			}

			for _, r := range results {
				if r.Valid {
					successColor.Printf("✓ %s (%s)\n", r.Name, r.Origin)
					continue
				}
				errorColor.Printf("✗ %s (%s)\n", r.Name, r.Origin)
				for _, v := range r.Violations {
					fmt.Printf("    %s\n", v)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definition(s) invalid", invalid, len(docs))
			}
			return nil
		},
	}
}

func newListPlaybooksCmd() *cobra.Command {
	var showInactive bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a firm's playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if firmID == "" {
				return fmt.Errorf("--firm is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()

			svc, cleanup, err := initPlaybookService()
			if err != nil {
				return err
			}
			defer cleanup()

			filter := storage.PlaybookFilter{}
			if !showInactive {
				active := true
				filter.IsActive = &active
			}

			playbooks, total, err := svc.ListPlaybooks(ctx, firmID, filter)
			if err != nil {
				return fmt.Errorf("listing playbooks: %w", err)
			}

			if outputJSON {
				return printJSON(playbooks)
			}

			headerColor.Printf("%-12s %-36s %-10s %-8s %s\n", "ID", "NAME", "SEVERITY", "ACTIVE", "STEPS")
			for _, pb := range playbooks {
				fmt.Printf("%-12s %-36s %-10s %-8t %d\n", pb.ID, truncate(pb.Name, 36), pb.Severity, pb.IsActive, len(pb.Steps))
			}
			if !quiet {
				infoColor.Printf("%d playbook(s)\n", total)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showInactive, "all", false, "Include inactive playbooks")

	return cmd
}

// definition pairs a parsed playbook with the file it came from.
type definition struct {
	origin   string
	playbook *playbook.Playbook
}

// loadDefinitions reads one YAML file, or every .yaml/.yml file in a
// directory, into playbook definitions. Multi-document files yield one
// definition per document.
func loadDefinitions(path string) ([]definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("reading directory %s: %w", path, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}

	var docs []definition
	for _, file := range files {
		parsed, err := parseDefinitionFile(file)
		if err != nil {
			return nil, err
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}

func parseDefinitionFile(path string) ([]definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.Size() > maxDefinitionFileSize {
		return nil, fmt.Errorf("%s exceeds the %d byte definition size limit", path, maxDefinitionFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var docs []definition
	dec := yaml.NewDecoder(f)
	for i := 0; ; i++ {
		var pb playbook.Playbook
		if err := dec.Decode(&pb); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		normalizeStepIndexes(&pb)
		origin := path
		if i > 0 {
			origin = fmt.Sprintf("%s#%d", path, i+1)
		}
		docs = append(docs, definition{origin: origin, playbook: &pb})
	}
	return docs, nil
}

// normalizeStepIndexes fills in 1-based indices for definitions that rely
// on document order. Explicit indices are left alone so validation can
// still reject genuinely broken numbering.
func normalizeStepIndexes(pb *playbook.Playbook) {
	for i := range pb.Steps {
		if pb.Steps[i].Index == 0 {
			pb.Steps[i].Index = i + 1
		}
	}
}

func initPlaybookService() (*service.PlaybookService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	sugar := logger.Sugar()

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath()), 0o750); err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := storage.NewSQLite(cfg.SQLitePath(), sugar)
	if err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	svc := service.NewPlaybookService(db, db, nil, sugar)
	cleanup := func() {
		db.Close()
		logger.Sync()
	}
	return svc, cleanup, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
