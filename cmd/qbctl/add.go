package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/openmined/qbsync/internal/qbp"
	"github.com/spf13/cobra"
)

var contentTypeAliases = map[string]string{
	"json":    qbp.ContentTypeJSON,
	"yaml":    qbp.ContentTypeYAML,
	"yml":     qbp.ContentTypeYAML,
	"msgpack": qbp.ContentTypeMsgpack,
}

func newAddCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "add <name> <content-type> <config|@file>",
		Short: "Register an interface",
		Long: `Register an interface. The kind defaults to the part of the name before
the first "-", so "local-docs" is a local interface.

The config is passed inline or read from a file with @path:

  qbctl add local-docs json '{"path": "~/docs"}'
  qbctl add peer-laptop yaml @laptop.yaml`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := configBlob(args[1], args[2])
			if err != nil {
				return err
			}

			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := taskContext(cmd)
			defer cancel()
			id, err := c.Add(ctx, args[0], kind, blob)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "interface kind (default from the name)")
	return cmd
}

func configBlob(contentType, config string) (qbp.Blob, error) {
	if full, ok := contentTypeAliases[strings.ToLower(contentType)]; ok {
		contentType = full
	}
	if _, err := qbp.LookupContentType(contentType); err != nil {
		return qbp.Blob{}, err
	}

	data := []byte(config)
	if path, ok := strings.CutPrefix(config, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return qbp.Blob{}, fmt.Errorf("read config: %w", err)
		}
	}
	return qbp.Blob{ContentType: contentType, Content: data}, nil
}
