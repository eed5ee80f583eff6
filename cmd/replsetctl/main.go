package main

import (
	"log"

	"github.com/spf13/cobra"

	replsetcli "github.com/amirimatin/go-replset/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "replsetctl",
		Short:         "MongoDB replica set membership CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all replica set commands from pkg/cli for reuse in services
	replsetcli.AddAll(root)
	return root
}
