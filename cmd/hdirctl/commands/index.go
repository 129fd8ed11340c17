package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/formbricks/hdir/pkg/hdirclient"
)

var errIndexFailures = errors.New("some images failed to index")

// imageExtensions are the file types the server can decode.
var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

func isImageFile(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]

	return ok
}

func newSearchCommand(opts *options) *cobra.Command {
	var (
		limit    int
		minScore float64
	)

	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search the image index by text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			req := hdirclient.SearchRequest{Text: strings.Join(args, " "), Limit: limit}
			if cmd.Flags().Changed("min-score") {
				req.MinScore = &minScore
			}

			res, err := client.Search(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				for _, m := range res.Results {
					fmt.Fprintf(w, "%.4f  %s  %s\n", m.Score, m.ImageID, m.Path)
				}
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (0 = server default)")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum cosine similarity (default: server threshold)")

	return cmd
}

// indexSummary is printed after an index run.
type indexSummary struct {
	Submitted  int64 `json:"submitted"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
}

func newIndexCommand(opts *options) *cobra.Command {
	var (
		prefix  string
		workers int
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Submit every image under a directory to the index",
		Long: `Walk <dir> and submit every image file to the server's index.

Paths are sent relative to <dir>, joined to --prefix. <dir> should be the server's
IMAGE_ROOT (or a directory under it, with --prefix naming that directory).

Examples:
  hdirctl index /srv/media
  hdirctl index /srv/media/2024 --prefix 2024 --workers 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			summary, err := indexDir(cmd.Context(), client, args[0], prefix, workers, !wait, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if printErr := opts.print(cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "submitted %d, duplicates %d, failed %d\n", summary.Submitted, summary.Duplicates, summary.Failed)
			}); printErr != nil {
				return printErr
			}

			if summary.Failed > 0 {
				return fmt.Errorf("%w: %d", errIndexFailures, summary.Failed)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "path prefix under the server's image root")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "concurrent submissions")
	cmd.Flags().BoolVar(&wait, "wait", false, "index inline instead of enqueueing background jobs")

	return cmd
}

// indexDir submits each image under dir. Per-file failures are reported to errOut and counted;
// only walk errors abort the run.
func indexDir(
	ctx context.Context,
	client *hdirclient.Client,
	dir, prefix string,
	workers int,
	async bool,
	errOut io.Writer,
) (*indexSummary, error) {
	if workers < 1 {
		workers = 1
	}

	var submitted, duplicates, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !isImageFile(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		imgPath := path.Join(prefix, filepath.ToSlash(rel))

		if gctx.Err() != nil {
			return gctx.Err()
		}

		g.Go(func() error {
			res, err := client.Index(gctx, hdirclient.IndexRequest{Path: imgPath, Async: async})
			if err != nil {
				failed.Add(1)
				fmt.Fprintf(errOut, "%s: %v\n", imgPath, err)

				return nil
			}

			submitted.Add(1)

			if res.Duplicate {
				duplicates.Add(1)
			}

			return nil
		})

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, walkErr)
	}

	return &indexSummary{
		Submitted:  submitted.Load(),
		Duplicates: duplicates.Load(),
		Failed:     failed.Load(),
	}, nil
}
