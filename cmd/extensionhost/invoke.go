package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newInvokeCmd(g *globalFlags) *cobra.Command {
	var (
		addr    string
		update  bool
		payload string
	)
	cmd := &cobra.Command{
		Use:   "invoke <extension-id>",
		Short: "Invoke an extension through a running host",
		Long: `Invoke asks a running host to call the load entry point of an extension,
or its update entry point with --update. Without --payload the host sends
its current artifact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := g.load()
				if err != nil {
					return err
				}
				addr = "http://" + hostPort(cfg.HTTP.Addr)
			}
			command := "load"
			if update {
				command = "update"
			}
			body, err := json.Marshal(map[string]string{"command": command, "payload": payload})
			if err != nil {
				return err
			}

			endpoint := addr + "/api/v1/extensions/" + url.PathEscape(args[0]) + "/invoke"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("contact host: %w", err)
			}
			defer resp.Body.Close()
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode >= 300 {
				var e struct {
					Error string `json:"error"`
				}
				if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
					return fmt.Errorf("invoke %s: %s", args[0], e.Error)
				}
				return fmt.Errorf("invoke %s: %s", args[0], resp.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invoked %s (%s)\n", args[0], command)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "server", "", "host base URL (default from http.addr)")
	cmd.Flags().BoolVar(&update, "update", false, "call the update entry point")
	cmd.Flags().StringVar(&payload, "payload", "", "payload passed to script extensions")
	return cmd
}

// hostPort turns a listen address such as ":8090" into a dialable one.
func hostPort(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}
