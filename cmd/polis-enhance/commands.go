package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-enhance/pkg/audit"
	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/fingerprint"
	"github.com/polisai/polis-enhance/pkg/llm"
	"github.com/polisai/polis-enhance/pkg/logging"
	"github.com/polisai/polis-enhance/pkg/storage"
)

type enhanceFlags struct {
	ref         string
	file        string
	strategies  []string
	options     map[string]string
	mode        string
	principal   string
	permissions []string
	ceiling     float64
	dryRun      bool
}

func newEnhanceCmd(root *rootFlags) *cobra.Command {
	f := &enhanceFlags{}
	cmd := &cobra.Command{
		Use:   "enhance",
		Short: "Run one enhancement request and print the result as JSON",
		Example: `  polis-enhance enhance --file notes.md --strategy clarity --strategy brevity --dry-run
  polis-enhance enhance -c enhance.yaml --ref reports/q3.md --strategy accuracy --mode secure`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnhance(cmd, root, f)
		},
	}
	cmd.Flags().StringVar(&f.ref, "ref", "", "Document reference in the configured store")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Enhance a local file instead of a stored document")
	cmd.Flags().StringSliceVarP(&f.strategies, "strategy", "s", nil, "Strategy to run (repeatable)")
	cmd.Flags().StringToStringVarP(&f.options, "option", "o", nil, "Strategy option key=value (repeatable)")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "Operation mode (defaults to the configured mode)")
	cmd.Flags().StringVar(&f.principal, "principal", "cli", "Principal id used for rate limits and budgets")
	cmd.Flags().StringSliceVar(&f.permissions, "permission", []string{"enhance"}, "Permissions granted to the principal")
	cmd.Flags().Float64Var(&f.ceiling, "ceiling", 0, "Per-request cost ceiling in USD (0 uses the mode default)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Echo documents instead of calling the model")
	return cmd
}

func runEnhance(cmd *cobra.Command, root *rootFlags, f *enhanceFlags) error {
	if f.ref == "" && f.file == "" {
		return errors.New("one of --ref or --file is required")
	}
	if len(f.strategies) == 0 {
		return errors.New("at least one --strategy is required")
	}

	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Logging)
	ctx := cmd.Context()

	var opts appOptions
	ref := f.ref
	if f.file != "" {
		doc, err := readDocument(f.file, ref)
		if err != nil {
			return err
		}
		store := storage.NewMemoryStore()
		if err := store.Put(ctx, doc); err != nil {
			return err
		}
		opts.documents = store
		ref = doc.Ref
	}
	if f.dryRun {
		opts.invoker = llm.NewEcho()
	}
	if f.mode != "" {
		mode, err := domain.ParseMode(f.mode)
		if err != nil {
			return err
		}
		if !slices.Contains(cfg.EnabledModes(), mode) {
			cfg.Modes = append(cfg.Modes, string(mode))
		}
	}

	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	manager, err := a.manager(ctx)
	if err != nil {
		return err
	}

	req := domain.EnhancementRequest{
		DocumentRef:   ref,
		Options:       f.options,
		Mode:          domain.OperationMode(f.mode),
		BudgetCeiling: f.ceiling,
		Security: domain.SecurityContext{
			PrincipalID:   f.principal,
			SourceAddress: "127.0.0.1",
			Permissions:   f.permissions,
		},
	}
	for _, s := range f.strategies {
		req.Strategies = append(req.Strategies, domain.StrategyID(strings.TrimSpace(s)))
	}

	res, err := manager.Enhance(ctx, req)
	if err != nil {
		var denied *domain.Denied
		if errors.As(err, &denied) {
			return fmt.Errorf("%w (scopes: %s)", err, strings.Join(denied.Scopes, ", "))
		}
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

// readDocument loads a local file as a document; ref defaults to the base name.
func readDocument(path, ref string) (domain.Document, error) {
	//nolint:gosec // The operator names the file on the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	if ref == "" {
		ref = filepath.Base(path)
	}
	doc := domain.Document{Ref: ref, Content: string(data), ContentType: "text/plain"}
	if info, err := os.Stat(path); err == nil {
		doc.ModifiedAt = info.ModTime()
	}
	return doc, nil
}

func newFingerprintCmd() *cobra.Command {
	var (
		strategies []string
		options    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "fingerprint FILE",
		Short: "Print the cache fingerprints of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0], "")
			if err != nil {
				return err
			}
			if len(strategies) == 0 {
				return errors.New("at least one --strategy is required")
			}
			ids := make([]domain.StrategyID, 0, len(strategies))
			out := cmd.OutOrStdout()
			for _, s := range strategies {
				id := domain.StrategyID(strings.TrimSpace(s))
				fp, err := fingerprint.Compute(doc.Content, id, options)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", id, fp)
				ids = append(ids, id)
			}
			if len(ids) > 1 {
				fp, err := fingerprint.ComputeRequest(doc.Content, ids, options)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "request\t%s\n", fp)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&strategies, "strategy", "s", nil, "Strategy id (repeatable)")
	cmd.Flags().StringToStringVarP(&options, "option", "o", nil, "Strategy option key=value (repeatable)")
	return cmd
}

func newValidateConfigCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load the configuration and build every enabled mode without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logging.NewLogger(cfg.Logging), appOptions{
				documents: storage.NewMemoryStore(),
				invoker:   llm.NewEcho(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			manager, err := a.manager(ctx)
			if err != nil {
				return err
			}
			modes := make([]string, 0, len(manager.Modes()))
			for _, m := range manager.Modes() {
				modes = append(modes, string(m))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: default mode %s, modes %s\n",
				manager.DefaultMode(), strings.Join(modes, ", "))
			return nil
		},
	}
}

func newAuditCmd(root *rootFlags) *cobra.Command {
	var (
		dbPath    string
		kind      string
		requestID string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query recorded audit events, newest first, as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				cfg, err := loadConfig(cmd, root)
				if err != nil {
					return err
				}
				dbPath = cfg.Audit.SQLitePath
			}
			if dbPath == "" {
				return errors.New("no audit database: set audit.sqlite_path or pass --db")
			}
			return queryAudit(cmd.Context(), cmd.OutOrStdout(), dbPath, audit.Filter{
				Kind:      domain.AuditKind(kind),
				RequestID: requestID,
				Since:     sinceTime(since),
				Limit:     limit,
			})
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Audit SQLite database (defaults to audit.sqlite_path)")
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Only events of this request")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

func sinceTime(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-d)
}

func queryAudit(ctx context.Context, w io.Writer, path string, f audit.Filter) error {
	sink, err := audit.OpenSQLiteSink(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	events, err := sink.Query(ctx, f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
