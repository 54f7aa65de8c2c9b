package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/goatkit/extensionhost/internal/catalog"
	"github.com/goatkit/extensionhost/internal/config"
)

type globalFlags struct {
	cfgFile string
	verbose bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "extensionhost",
		Short: "Discover, host and invoke extension packages",
		Long: `extensionhost watches a directory of extension packages, keeps a registry
of the extensions they declare and runs them in a script host or as
out-of-process services.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default: ./extensionhost.yaml)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(g),
		newListCmd(g),
		newInstallCmd(g),
		newRemoveCmd(g),
		newStatusCmd(g),
		newInvokeCmd(g),
		newKeygenCmd(),
		newSignCmd(),
		newPackCmd(),
		newInitCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration, applying --verbose.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.cfgFile)
	if err != nil {
		return nil, err
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openCatalog opens and scans the configured packages directory.
func openCatalog(cmd *cobra.Command, cfg *config.Config, logOut io.Writer) (*catalog.Catalog, error) {
	keys, err := cfg.PublicKeys()
	if err != nil {
		return nil, err
	}
	cat := catalog.New(cfg.PackagesDir, cfg.Contract,
		catalog.WithLogger(cfg.NewLogger(logOut)),
		catalog.WithTrustedKeys(keys...),
		catalog.WithDefaultAppID(cfg.HostAppID),
		catalog.WithDebounce(cfg.Debounce),
	)
	if err := cat.Rescan(cmd.Context()); err != nil {
		return nil, err
	}
	return cat, nil
}
