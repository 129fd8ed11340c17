// Package commands implements the hdirctl command tree.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/formbricks/hdir/pkg/hdirclient"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var errUnsupportedOutput = errors.New("unsupported --output (want text or json)")

// options are the persistent flags shared by every command.
type options struct {
	url     string
	apiKey  string
	output  string
	timeout time.Duration
}

func (o *options) client() (*hdirclient.Client, error) {
	if o.output != outputText && o.output != outputJSON {
		return nil, fmt.Errorf("%w: %q", errUnsupportedOutput, o.output)
	}

	return hdirclient.NewClientWithOptions(hdirclient.ClientOptions{
		BaseURL: o.url,
		APIKey:  o.apiKey,
		Timeout: o.timeout,
	}), nil
}

// print writes v as indented JSON, or calls text when the output is text.
func (o *options) print(w io.Writer, v any, text func(w io.Writer)) error {
	if o.output == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	}

	text(w)

	return nil
}

// NewRootCommand builds the hdirctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "hdirctl",
		Short: "Client for the hdir image/text embedding server",
		Long: `Client for the hdir image/text embedding server.

Examples:
  hdirctl classify cat.jpg
  hdirctl similarity cat.jpg "a sleeping cat"
  hdirctl index ./photos --workers 8
  hdirctl search "sunset over the sea" --limit 5 -o json`,
		SilenceUsage: true,
	}

	defaultURL := os.Getenv("HDIR_URL")
	if defaultURL == "" {
		defaultURL = hdirclient.DefaultBaseURL
	}

	root.PersistentFlags().StringVar(&opts.url, "url", defaultURL, "hdir server URL (env HDIR_URL)")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("HDIR_API_KEY"), "API key (env HDIR_API_KEY)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "output format: text or json")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "per-request timeout")

	root.AddCommand(
		newClassifyCommand(opts),
		newEncodeTextCommand(opts),
		newSimilarityCommand(opts),
		newSearchCommand(opts),
		newIndexCommand(opts),
	)

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
