package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentloop/internal/memory"
)

// ingestExtensions are the file types walked when a directory is given.
var ingestExtensions = map[string]bool{
	".txt": true,
	".md":  true,
	".rst": true,
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Add documents to document memory",
		Long: `Chunk text files and store them in the document collection, where the
search_stored_documents tool and context retrieval find them. Directories are
walked for .txt, .md and .rst files. "-" reads stdin.

Examples:
  agentloop ingest notes.md
  agentloop ingest ./docs
  cat report.txt | agentloop ingest -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg, !verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			deps, err := initDependencies(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize dependencies: %w", err)
			}
			defer deps.Close()

			out := cmd.OutOrStdout()
			total := 0
			for _, arg := range args {
				n, err := ingestPath(ctx, deps.gateway, arg, cmd.InOrStdin(), func(doc string, chunks int) {
					fmt.Fprintf(out, "%s %s %s\n", successStyle.Render("✓"), doc, dimStyle.Render(fmt.Sprintf("%d chunks", chunks)))
					logger.Debug(ctx, "document ingested", zap.String("doc_id", doc), zap.Int("chunks", chunks))
				})
				total += n
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d chunks stored", total)))
			return nil
		},
	}
}

// ingester is the slice of the memory gateway ingest needs.
type ingester interface {
	Ingest(ctx context.Context, docID, text string) (int, error)
}

var _ ingester = (*memory.Gateway)(nil)

// ingestPath stores one file, a directory tree, or stdin ("-"). Document
// ids are the cleaned paths, so re-ingesting a file replaces its chunks.
func ingestPath(ctx context.Context, g ingester, path string, stdin io.Reader, done func(doc string, chunks int)) (int, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return 0, fmt.Errorf("reading stdin: %w", err)
		}
		return ingestText(ctx, g, "stdin", string(b), done)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return ingestFile(ctx, g, path, done)
	}

	total := 0
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !ingestExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		n, err := ingestFile(ctx, g, p, done)
		total += n
		return err
	})
	return total, err
}

func ingestFile(ctx context.Context, g ingester, path string, done func(string, int)) (int, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- user-supplied path is the point
	if err != nil {
		return 0, err
	}
	return ingestText(ctx, g, filepath.Clean(path), string(b), done)
}

func ingestText(ctx context.Context, g ingester, docID, text string, done func(string, int)) (int, error) {
	n, err := g.Ingest(ctx, docID, text)
	if err != nil {
		return 0, fmt.Errorf("ingesting %s: %w", docID, err)
	}
	if done != nil {
		done(docID, n)
	}
	return n, nil
}
