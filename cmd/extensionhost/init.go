package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

//go:embed templates/*
var templateFS embed.FS

var familyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type scaffold struct {
	Family   string
	ID       string
	Title    string
	Contract string
	Service  string
}

func newInitCmd() *cobra.Command {
	var (
		dir      string
		contract string
		service  bool
	)
	cmd := &cobra.Command{
		Use:   "init <family>",
		Short: "Create a new extension package from a template",
		Long: `Init writes package.yaml and public/extension.html for a script extension.
With --service it also writes a service main.go and declares the service
in the manifest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family := strings.ToLower(strings.ReplaceAll(args[0], " ", "-"))
			if !familyPattern.MatchString(family) {
				return fmt.Errorf("invalid package family %q", args[0])
			}
			if dir == "" {
				dir = family
			}
			if _, err := os.Stat(filepath.Join(dir, "package.yaml")); err == nil {
				return fmt.Errorf("%s already contains a package", dir)
			}

			id := family
			if i := strings.LastIndex(family, "."); i >= 0 && i < len(family)-1 {
				id = family[i+1:]
			}
			data := scaffold{
				Family:   family,
				ID:       id,
				Title:    toTitle(id),
				Contract: contract,
			}
			if service {
				data.Service = family + "." + id
			}

			files := map[string]string{
				"package.yaml":          "templates/package.yaml.tmpl",
				"public/extension.html": "templates/extension.html.tmpl",
			}
			if service {
				files["service/main.go"] = "templates/service_main.go.tmpl"
			}
			for dest, tmpl := range files {
				if err := writeTemplate(filepath.Join(dir, dest), tmpl, data); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created package %s in %s/\n\n", family, dir)
			fmt.Fprintln(out, "Next steps:")
			if service {
				fmt.Fprintf(out, "  go build -o %s/bin/%s ./%s/service\n", dir, id, dir)
			}
			fmt.Fprintf(out, "  extensionhost pack %s\n", dir)
			fmt.Fprintf(out, "  extensionhost install %s_1.0.0.zip\n", family)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "target directory (default <family>)")
	cmd.Flags().StringVar(&contract, "contract", "com.extensionhost.image", "extension contract")
	cmd.Flags().BoolVar(&service, "service", false, "scaffold an out-of-process service")
	return cmd
}

func writeTemplate(path, tmplPath string, data any) error {
	content, err := templateFS.ReadFile(tmplPath)
	if err != nil {
		return fmt.Errorf("read template %s: %w", tmplPath, err)
	}
	tmpl, err := template.New(filepath.Base(tmplPath)).Parse(string(content))
	if err != nil {
		return fmt.Errorf("parse template %s: %w", tmplPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("execute template %s: %w", tmplPath, err)
	}
	return nil
}

func toTitle(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
