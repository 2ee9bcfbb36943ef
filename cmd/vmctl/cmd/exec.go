package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmforge/manager/pkg/client"
	"github.com/vmforge/manager/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec <vm-id> <command> [args...]",
	Short: "Execute a command in a VM",
	Long: `Execute a command in a running VM and return the output.
Example: vmctl exec abc123 ls -la /workspace`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		vmID := args[0]
		timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
		cwd, _ := cmd.Flags().GetString("cwd")

		req := types.ExecRequest{
			Cmd:       strings.Join(args[1:], " "),
			Cwd:       cwd,
			TimeoutMs: timeoutMs,
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.Exec(ctx, vmID, req)
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}
		return printExecResult(cmd, result)
	},
}

var runTsCmd = &cobra.Command{
	Use:   "run-ts <vm-id> <script-path>",
	Short: "Run a TypeScript file in a VM under Deno",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScript(cmd, args, func(c *client.Client, ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
			return c.RunTs(ctx, id, req)
		})
	},
}

var runJsCmd = &cobra.Command{
	Use:   "run-js <vm-id> <script-path>",
	Short: "Run a JavaScript file in a VM under Node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScript(cmd, args, func(c *client.Client, ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
			return c.RunJs(ctx, id, req)
		})
	},
}

func runScript(cmd *cobra.Command, args []string, call func(*client.Client, context.Context, string, types.ExecRequest) (*types.ExecResult, error)) error {
	if err := checkAPIKey(); err != nil {
		return err
	}

	vmID := args[0]
	timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
	allowNet, _ := cmd.Flags().GetBool("allow-net")

	req := types.ExecRequest{
		Path:      args[1],
		TimeoutMs: timeoutMs,
		AllowNet:  allowNet,
	}

	c := client.NewClient(baseURL, apiKey)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	result, err := call(c, ctx, vmID, req)
	if err != nil {
		return fmt.Errorf("failed to run script: %w", err)
	}
	return printExecResult(cmd, result)
}

func printExecResult(cmd *cobra.Command, result *types.ExecResult) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if result.Stdout != "" {
		fmt.Print(result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d", result.ExitCode)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(execCmd, runTsCmd, runJsCmd)

	for _, c := range []*cobra.Command{execCmd, runTsCmd, runJsCmd} {
		c.Flags().Bool("json", false, "output as JSON")
		c.Flags().Int("timeout-ms", 0, "execution timeout in milliseconds (0 = server default)")
	}
	execCmd.Flags().String("cwd", "", "working directory inside the VM (defaults to /workspace)")
	runTsCmd.Flags().Bool("allow-net", false, "request network access (the manager sets it from the VM's outboundInternet setting)")
	runJsCmd.Flags().Bool("allow-net", false, "request network access (not applied to Node scripts)")

	execCmd.Flags().SetInterspersed(false)
}
