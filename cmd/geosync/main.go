// Command geosync keeps a marker in a drawing in step with a street-level
// panorama viewer.
package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var stderr io.Writer = os.Stderr

func main() {
	cobra.CheckErr(NewCmd().ExecuteContext(context.Background()))
}

func NewCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "geosync [command] [flags] [args]",
		Short:         "geosync synchronizes a drawing marker with a panorama viewer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringP("config-dir", "c", ".", "`<Dir>` containing geosync.cfg.json")
	pf.String("crs", "", "`<Name>` of the drawing coordinate system, e.g. UTM84-43N")
	pf.String("document", "", "`<Type>` of drawing store: memory, sqlite or postgres")
	pf.String("document-path", "", "`<Path>` of the sqlite drawing")
	pf.String("document-id", "", "`<ID>` of the drawing")
	pf.String("template", "", "`<Path>` of the marker block template")
	pf.String("log-level", "", "`<Level>` debug, info, warn or error")
	pf.Bool("console", false, "log to stdout instead of the log file")

	crsCmd := &cobra.Command{
		Use:   "crs",
		Short: "Coordinate systems",
	}
	crsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the supported coordinate system names",
		RunE:  doCRSList,
	}
	crsListCmd.Args = cobra.NoArgs
	crsCmd.AddCommand(crsListCmd)

	locateCmd := &cobra.Command{
		Use:   "locate [flags] <viewer url>",
		Short: "Place the marker at the pose of a viewer URL",
		RunE:  doLocate,
	}
	locateCmd.Args = cobra.ExactArgs(1)

	pickCmd := &cobra.Command{
		Use:   "pick [flags] <easting,northing>",
		Short: "Place the marker at a drawing point and print its viewer URL",
		RunE:  doPick,
	}
	pickCmd.Args = cobra.ExactArgs(1)

	sessionCmd := &cobra.Command{
		Use:   "session [flags]",
		Short: "Run a scripted synchronization session",
		Long: `Reads one action per line from --script or stdin:
  <viewer url>          the user moved the panorama
  navigate <viewer url> same as above
  pick <easting,northing>
  cancel                a pick the user cancelled
  end                   hide the panel and remove the marker
Blank lines and lines starting with # are ignored.`,
		RunE: doSession,
	}
	sessionCmd.Args = cobra.NoArgs
	sessionCmd.Flags().StringP("script", "s", "", "`<Path>` of the session script")

	exportCmd := &cobra.Command{
		Use:   "export [flags]",
		Short: "Write the drawing markers as GeoJSON",
		RunE:  doExport,
	}
	exportCmd.Args = cobra.NoArgs
	exportCmd.Flags().StringP("out", "o", "", "`<Path>` to write to instead of stdout")
	exportCmd.Flags().Bool("publish", false, "upload the layer to publish.url")

	rootCmd.AddCommand(
		crsCmd,
		locateCmd,
		pickCmd,
		sessionCmd,
		exportCmd,
	)
	return rootCmd
}

func flagOverrides(cmd *cobra.Command) (overrides, error) {
	var o overrides
	var err error
	flags := cmd.Flags()
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"config-dir", &o.configDir},
		{"crs", &o.crsName},
		{"document", &o.documentType},
		{"document-path", &o.documentPath},
		{"document-id", &o.documentID},
		{"template", &o.template},
		{"log-level", &o.logLevel},
	} {
		if *f.dst, err = flags.GetString(f.name); err != nil {
			return o, err
		}
	}
	if o.console, err = flags.GetBool("console"); err != nil {
		return o, err
	}
	return o, nil
}
