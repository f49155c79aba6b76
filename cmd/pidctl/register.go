package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pid-provider/services"
	"pid-provider/xmlsps"
)

var (
	forceUpdate bool
	autoSolve   bool
	origin      string
	uriName     string
)

var registerCmd = &cobra.Command{
	Use:   "register FILE...",
	Short: "Register XML files or ZIP packages",
	Long: `Register one or more SPS XML files or ZIP packages and print the results as JSON.

Missing or invalid PIDs are completed before registration.

Examples:
  pidctl register article.xml
  pidctl register --force package.zip`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		var all []services.Result
		for _, path := range args {
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			opts := services.RegisterOptions{
				Filename:             filepath.Base(path),
				User:                 user,
				ForceUpdate:          forceUpdate,
				AutoSolvePidConflict: autoSolve,
				Origin:               origin,
			}
			if bytes.HasPrefix(content, []byte("PK\x03\x04")) {
				results, err := a.provider.ProvidePidForZip(cmd.Context(), content, opts)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				all = append(all, results...)
				continue
			}
			x, err := xmlsps.Parse(content)
			if err != nil {
				err = fmt.Errorf("%w: %v", services.ErrInvalidXML, err)
				all = append(all, services.Result{ErrorResult: services.NewErrorResult(err, "", opts.Filename)})
				continue
			}
			resp, err := a.provider.ProvidePidForXML(cmd.Context(), x, opts)
			if err != nil {
				all = append(all, services.Result{ErrorResult: services.NewErrorResult(err, x.Fingerprint(), opts.Filename)})
				continue
			}
			all = append(all, services.Result{Response: resp})
		}
		return printJSON(all)
	},
}

var registerURICmd = &cobra.Command{
	Use:   "register-uri URL",
	Short: "Download an XML and register it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		fetcher := services.NewFetcher(a.cfg, a.provider, a.s3, a.logger)
		resp, err := fetcher.RegisterByURI(cmd.Context(), args[0], uriName, services.RegisterOptions{
			User:                 user,
			ForceUpdate:          forceUpdate,
			AutoSolvePidConflict: autoSolve,
			Origin:               origin,
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var isRegisteredCmd = &cobra.Command{
	Use:   "is-registered FILE",
	Short: "Check whether an XML is already registered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		x, err := xmlsps.Parse(mustRead(args[0]))
		if err != nil {
			return fmt.Errorf("%w: %v", services.ErrInvalidXML, err)
		}
		out, err := a.provider.IsRegistered(cmd.Context(), x, filepath.Base(args[0]))
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func mustRead(path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return b
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, registerURICmd} {
		c.Flags().BoolVar(&forceUpdate, "force", false, "update even if the XML is unchanged")
		c.Flags().BoolVar(&autoSolve, "auto-solve", false, "re-mint conflicting PIDs of new documents")
		c.Flags().StringVar(&origin, "origin", "", "origin recorded on the document")
	}
	registerURICmd.Flags().StringVarP(&uriName, "name", "n", "", "name of the fetch record (default: file name of the URL)")
	rootCmd.AddCommand(registerCmd, registerURICmd, isRegisteredCmd)
}
