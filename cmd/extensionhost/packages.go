package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goatkit/extensionhost/internal/extension"
	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages and their extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cat, err := openCatalog(cmd, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			exts, err := cat.FindAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(exts) == 0 {
				fmt.Fprintf(out, "No %s extensions in %s\n", cfg.Contract, cfg.PackagesDir)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPACKAGE\tSTATUS\tSIGNATURE\tMODE")
			for _, ce := range exts {
				props, _ := ce.Properties(cmd.Context())
				info := extension.ParseManifest(props)
				pkg := ce.Package()
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					extension.UniqueID(ce),
					pkg.FullName(),
					pkg.Status(),
					pkg.SignatureKind(),
					info.Mode(),
				)
			}
			return w.Flush()
		},
	}
}

func newInstallCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install <package.zip>",
		Short: "Install or update a package from an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cat, err := openCatalog(cmd, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			pkg, err := cat.InstallArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s (signature: %s, status: %s)\n",
				pkg.FullName(), pkg.SignatureKind(), pkg.Status())
			return nil
		},
	}
}

func newRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <family>",
		Short: "Uninstall a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cat, err := openCatalog(cmd, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			for _, p := range cat.Packages() {
				if p.FamilyName() == args[0] || p.FullName() == args[0] {
					if err := cat.RequestRemovePackage(cmd.Context(), p.FullName()); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", p.FullName())
					return nil
				}
			}
			return fmt.Errorf("package %s is not installed", args[0])
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <family> [flag...]",
		Short: "Set the status flags of a package",
		Long: `Status replaces the status flags of an installed package. Without flags
the package becomes OK. Known flags: ` + strings.Join(statusFlagNames(), ", ") + `.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status pkgext.PackageStatus
			for _, name := range args[1:] {
				flag, ok := pkgext.ParseStatusFlag(name)
				if !ok {
					return fmt.Errorf("unknown status flag %q", name)
				}
				status |= flag
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cat, err := openCatalog(cmd, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cat.SetStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", args[0], status, extension.Classify(status))
			return nil
		},
	}
}

func statusFlagNames() []string {
	var names []string
	for f := pkgext.StatusPackageOffline; f <= pkgext.StatusDependencyIssue; f <<= 1 {
		names = append(names, f.String())
	}
	return names
}
