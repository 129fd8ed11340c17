package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/formbricks/hdir/pkg/hdirclient"
)

// openImage opens a local file for upload. The caller closes it.
func openImage(path string) (*os.File, hdirclient.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, hdirclient.Image{}, fmt.Errorf("open image: %w", err)
	}

	return f, hdirclient.Image{Data: f, Filename: filepath.Base(path)}, nil
}

func newClassifyCommand(opts *options) *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "classify <file>",
		Short: "Classify a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			f, img, err := openImage(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := client.Classify(cmd.Context(), img, topK)
			if err != nil {
				return fmt.Errorf("classify failed: %w", err)
			}

			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s\n", res.BestCategory)

				for _, p := range res.Predictions {
					fmt.Fprintf(w, "  %-30s %6.2f%%\n", p.Label, p.Probability*100)
				}
			})
		},
	}

	cmd.Flags().IntVarP(&topK, "top", "k", 0, "number of labels (0 = server default)")

	return cmd
}

func newEncodeTextCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "encode-text <text>",
		Short: "Print the embedding of a text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			vec, err := client.EncodeText(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("encode text failed: %w", err)
			}

			return opts.print(cmd.OutOrStdout(), map[string][]float32{"text_features": vec}, func(w io.Writer) {
				fmt.Fprintf(w, "dim %d\n", len(vec))

				const preview = 8
				shown := vec
				if len(shown) > preview {
					shown = shown[:preview]
				}

				fmt.Fprintf(w, "%v\n", shown)
			})
		},
	}
}

func newSimilarityCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "similarity <file> <text>",
		Short: "Score text against a local image",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			f, img, err := openImage(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := client.Similarity(cmd.Context(), hdirclient.SimilarityRequest{
				Image: img,
				Text:  strings.Join(args[1:], " "),
			})
			if err != nil {
				return fmt.Errorf("similarity failed: %w", err)
			}

			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%.4f\n", res.Similarity)
			})
		},
	}
}
