// Command mediatorctl is the control-surface CLI for a running mediatord
// (spec §6): inspect installed policies, remove a kernel-side policy by
// id, and install or detach a scripted policy program.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "mediatorctl",
		Short: "Control surface CLI for the accelerator mediation daemon",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "mediatord control API address")

	root.AddCommand(newStatusCmd(&addr))
	root.AddCommand(newPolicyRemoveCmd(&addr))
	root.AddCommand(newScriptedInstallCmd(&addr))
	root.AddCommand(newScriptedDetachCmd(&addr))

	return root
}

func newStatusCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show installed policies and scripted programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(*addr + "/status")
			if err != nil {
				return fmt.Errorf("mediatorctl: %w", err)
			}
			defer resp.Body.Close()
			return printJSON(resp)
		},
	}
}

func newPolicyRemoveCmd(addr *string) *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "policy-remove",
		Short: "Remove a kernel-side policy by id (id <= 0 removes all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(fmt.Sprintf("%s/policy/remove?id=%d", *addr, id), "", nil)
			if err != nil {
				return fmt.Errorf("mediatorctl: %w", err)
			}
			defer resp.Body.Close()
			return checkStatus(resp)
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "policy id (<=0 removes all)")
	return cmd
}

func newScriptedInstallCmd(addr *string) *cobra.Command {
	var id int
	var pkg, modulePath string
	cmd := &cobra.Command{
		Use:   "scripted-install",
		Short: "Install a scripted policy program from a Rego module file",
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := os.ReadFile(modulePath)
			if err != nil {
				return fmt.Errorf("mediatorctl: read module: %w", err)
			}
			body, _ := json.Marshal(map[string]interface{}{
				"id":      id,
				"package": pkg,
				"module":  string(module),
			})
			resp, err := http.Post(*addr+"/scripted/install", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("mediatorctl: %w", err)
			}
			defer resp.Body.Close()
			return printJSON(resp)
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "scripted program id")
	cmd.Flags().StringVar(&pkg, "package", "", "rego package path (e.g. ava.command_rate)")
	cmd.Flags().StringVar(&modulePath, "module", "", "path to the rego module source file")
	cmd.MarkFlagRequired("package")
	cmd.MarkFlagRequired("module")
	return cmd
}

func newScriptedDetachCmd(addr *string) *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "scripted-detach",
		Short: "Detach a scripted policy program by id (id <= 0 detaches all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(fmt.Sprintf("%s/scripted/detach?id=%d", *addr, id), "", nil)
			if err != nil {
				return fmt.Errorf("mediatorctl: %w", err)
			}
			defer resp.Body.Close()
			return checkStatus(resp)
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "scripted program id (<=0 detaches all)")
	return cmd
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mediatorctl: server returned %s", resp.Status)
	}
	fmt.Println("ok")
	return nil
}

func printJSON(resp *http.Response) error {
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mediatorctl: server returned %s", resp.Status)
	}
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("mediatorctl: decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
