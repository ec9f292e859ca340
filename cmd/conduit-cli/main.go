// Command conduit-cli administers a running gateway: config validation,
// key and group management, and billing flushes.
//
// Exit codes: 0 success, 1 configuration error, 2 network error,
// 3 authentication failure.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	conduit "github.com/conduitllm/conduit"
	"github.com/conduitllm/conduit/internal/version"
)

const (
	exitConfig  = 1
	exitNetwork = 2
	exitAuth    = 3
)

// cliError carries the process exit code alongside the message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func configErr(err error) error {
	return &cliError{code: exitConfig, err: err}
}

func networkErr(err error) error {
	return &cliError{code: exitNetwork, err: err}
}

func authErr(err error) error {
	return &cliError{code: exitAuth, err: err}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ce *cliError
		if errors.As(err, &ce) {
			os.Exit(ce.code)
		}
		os.Exit(exitConfig)
	}
}

// client calls the gateway admin API.
type client struct {
	server string
	apiKey string
	http   *http.Client
}

// call performs one admin request and decodes the JSON response into
// out when non-nil.
func (c *client) call(method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return configErr(err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.server+path, payload)
	if err != nil {
		return configErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return networkErr(fmt.Errorf("calling %s: %w", c.server, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return authErr(fmt.Errorf("admin authentication failed (%d): check --api-key", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		msg := envelope.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return configErr(fmt.Errorf("%s %s: %s", method, path, msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return networkErr(fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:           "conduit-cli",
		Short:         "Administer a running Conduit gateway",
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&c.server, "server", "http://localhost:8080", "gateway base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key",
		os.Getenv("CONDUIT_API_TO_API_BACKEND_AUTH_KEY"), "admin master key")

	root.AddCommand(
		newValidateCmd(),
		newFlushCmd(c),
		newGroupsCmd(c),
		newKeysCmd(c),
		newProvidersCmd(c),
	)
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Load and validate a gateway config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := conduit.LoadConfig(args[0])
			if err != nil {
				return configErr(err)
			}
			if err := conduit.ValidateConfig(*cfg); err != nil {
				return configErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d provider(s), %d mapping(s)\n",
				args[0], len(cfg.Providers), len(cfg.Mappings))
			return nil
		},
	}
}

func newFlushCmd(c *client) *cobra.Command {
	var reason, priority string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Force an immediate billing flush",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]string{"reason": reason, "priority": priority}
			var out map[string]string
			if err := c.call(http.MethodPost, "/api/batch-spending/flush", body, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cli", "reason recorded in the flush log")
	cmd.Flags().StringVar(&priority, "priority", "Normal", "flush priority")
	return cmd
}

func newGroupsCmd(c *client) *cobra.Command {
	groups := &cobra.Command{
		Use:   "groups",
		Short: "Manage virtual key groups",
	}

	var name, balance string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]interface{}
			body := map[string]string{"name": name, "balance": balance}
			if err := c.call(http.MethodPost, "/api/groups", body, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "group name")
	create.Flags().StringVar(&balance, "balance", "0", "initial USD balance")
	_ = create.MarkFlagRequired("name")

	var creditGroup, amount string
	credit := &cobra.Command{
		Use:   "credit",
		Short: "Add funds to a group balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]string
			body := map[string]string{"amount": amount}
			if err := c.call(http.MethodPost, "/api/groups/"+creditGroup+"/credit", body, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	credit.Flags().StringVar(&creditGroup, "group", "", "group ID")
	credit.Flags().StringVar(&amount, "amount", "", "USD amount to add")
	_ = credit.MarkFlagRequired("group")
	_ = credit.MarkFlagRequired("amount")

	var balanceGroup string
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a group's remaining balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]string
			if err := c.call(http.MethodGet, "/api/groups/"+balanceGroup+"/balance", nil, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	balanceCmd.Flags().StringVar(&balanceGroup, "group", "", "group ID")
	_ = balanceCmd.MarkFlagRequired("group")

	groups.AddCommand(create, credit, balanceCmd)
	return groups
}

func newKeysCmd(c *client) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage virtual keys",
	}

	var name, groupID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint a virtual key (the secret is shown exactly once)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]interface{}
			body := map[string]string{"name": name, "group_id": groupID}
			if err := c.call(http.MethodPost, "/api/keys", body, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringVar(&groupID, "group", "", "group ID")
	_ = create.MarkFlagRequired("group")

	var listGroup string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a group's keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out []map[string]interface{}
			if err := c.call(http.MethodGet, "/api/groups/"+listGroup+"/keys", nil, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	list.Flags().StringVar(&listGroup, "group", "", "group ID")
	_ = list.MarkFlagRequired("group")

	var keyID string
	disable := &cobra.Command{
		Use:   "disable",
		Short: "Disable a virtual key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]string
			if err := c.call(http.MethodPost, "/api/keys/"+keyID+"/disable", nil, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	disable.Flags().StringVar(&keyID, "id", "", "key ID")
	_ = disable.MarkFlagRequired("id")

	keys.AddCommand(create, list, disable)
	return keys
}

func newProvidersCmd(c *client) *cobra.Command {
	providers := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
	}

	var name string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Probe a provider's credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]interface{}
			if err := c.call(http.MethodGet, "/api/providers/"+name+"/verify", nil, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	verify.Flags().StringVar(&name, "name", "", "provider name")
	_ = verify.MarkFlagRequired("name")

	models := &cobra.Command{
		Use:   "models",
		Short: "List a provider's live models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]interface{}
			if err := c.call(http.MethodGet, "/api/providers/"+name+"/models", nil, &out); err != nil {
				return err
			}
			printJSON(cmd, out)
			return nil
		},
	}
	models.Flags().StringVar(&name, "name", "", "provider name")
	_ = models.MarkFlagRequired("name")

	providers.AddCommand(verify, models)
	return providers
}
