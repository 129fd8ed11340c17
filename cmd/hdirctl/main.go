// Command hdirctl talks to a running hdir server.
//
// Usage:
//
//	hdirctl [flags] <command> [args]
//
// Commands:
//
//	classify     - Top ImageNet labels for a local image
//	encode-text  - Text embedding
//	similarity   - Score text against a local image
//	search       - Text search over the image index
//	index        - Submit every image under a directory to the index
//
// The server URL and API key default to HDIR_URL and HDIR_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/formbricks/hdir/cmd/hdirctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
