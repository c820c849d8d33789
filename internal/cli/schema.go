package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marromugi/gch4-sub003/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Import jobs, forms and schema versions",
	}

	cmd.AddCommand(newSchemaImportCmd())
	cmd.AddCommand(newSchemaCheckCmd())
	return cmd
}

// readDocument parses a YAML document from a file, or stdin for "-".
func readDocument(name string) (*schema.Document, error) {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	doc, err := schema.Parse(r)
	if err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			for _, issue := range ve.Issues {
				fmt.Fprintf(os.Stderr, "  - %s\n", issue)
			}
		}
		return nil, err
	}
	return doc, nil
}

func newSchemaImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Import a YAML authoring document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				res, err := a.importer.Import(cmd.Context(), doc)
				if res != nil {
					for _, sv := range res.SchemaVersions {
						fmt.Printf("  schema %s v%d (%s) fields=%d facts=%d owner=%s\n",
							sv.ID, sv.Version, sv.Status, sv.Fields, sv.Facts, sv.OwnerRef)
					}
					fmt.Printf("Imported %d job(s), %d application(s), %d form(s), %d schema version(s)\n",
						len(res.Jobs), len(res.Applications), len(res.Forms), len(res.SchemaVersions))
				}
				return err
			})
		},
	}
}

func newSchemaCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file|->",
		Short: "Validate a YAML authoring document without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			facts := 0
			for _, s := range doc.Schemas {
				for _, f := range s.Fields {
					facts += len(f.Facts)
				}
			}
			fmt.Printf("OK: %d job(s), %d application(s), %d form(s), %d schema(s), %d fact(s)\n",
				len(doc.Jobs), len(doc.Applications), len(doc.Forms), len(doc.Schemas), facts)
			return nil
		},
	}
}
