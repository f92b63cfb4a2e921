package main

import (
	"log"

	"github.com/spf13/cobra"

	quorumcli "github.com/amirimatin/go-quorum/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "quorumctl",
		Short:         "quorum coordination engine: node and management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	quorumcli.AddAll(root)
	return root
}
