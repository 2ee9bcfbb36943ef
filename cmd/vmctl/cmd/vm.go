package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmforge/manager/pkg/client"
	"github.com/vmforge/manager/pkg/types"
)

var vmCmd = &cobra.Command{
	Use:     "vm",
	Aliases: []string{"vms"},
	Short:   "Manage VMs",
	Long:    `Create, list, inspect, start, stop, and destroy VMs.`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new VM",
	Long:  `Boot a VM cold from a base image, or warm from a snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		cpu, _ := cmd.Flags().GetInt("cpu")
		memMb, _ := cmd.Flags().GetInt("mem-mb")
		diskSizeMb, _ := cmd.Flags().GetInt("disk-mb")
		allowIps, _ := cmd.Flags().GetStringSlice("allow-ip")
		outbound, _ := cmd.Flags().GetBool("outbound-internet")
		snapshotID, _ := cmd.Flags().GetString("snapshot")
		imageID, _ := cmd.Flags().GetString("image")

		req := types.CreateVmRequest{
			Cpu:              cpu,
			MemMb:            memMb,
			DiskSizeMb:       diskSizeMb,
			AllowIps:         allowIps,
			OutboundInternet: outbound,
			SnapshotId:       snapshotID,
			ImageId:          imageID,
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		vm, err := c.CreateVm(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to create vm: %w", err)
		}

		fmt.Printf("vm created: %s\n", vm.ID)
		fmt.Printf("  state: %s\n", vm.State)
		fmt.Printf("  cpu: %d  mem: %dMB\n", vm.Cpu, vm.MemMb)
		fmt.Printf("  guest ip: %s\n", vm.GuestIp)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		vms, err := c.ListVms(ctx)
		if err != nil {
			return fmt.Errorf("failed to list vms: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tCPU\tMEM\tIP\tCREATED")
		for _, vm := range vms {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				vm.ID, vm.State, vm.Cpu, vm.MemMb, vm.GuestIp, vm.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <vm-id>",
	Short: "Show details for a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		vm, err := c.GetVm(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get vm: %w", err)
		}

		data, _ := json.MarshalIndent(vm, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <vm-id>",
	Short: "Start a stopped VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.StartVm(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to start vm: %w", err)
		}
		fmt.Printf("vm %s started\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <vm-id>",
	Short: "Stop a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.StopVm(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to stop vm: %w", err)
		}
		fmt.Printf("vm %s stopped\n", args[0])
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:     "destroy <vm-id>",
	Aliases: []string{"rm"},
	Short:   "Destroy a VM",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.DestroyVm(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to destroy vm: %w", err)
		}
		fmt.Printf("vm %s destroyed\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vmCmd)
	vmCmd.AddCommand(createCmd, listCmd, getCmd, startCmd, stopCmd, destroyCmd)

	createCmd.Flags().Int("cpu", 1, "vCPU count")
	createCmd.Flags().Int("mem-mb", 512, "memory in MB")
	createCmd.Flags().Int("disk-mb", 0, "total disk size in MB (0 = image default)")
	createCmd.Flags().StringSlice("allow-ip", nil, "CIDR allowed for outbound traffic (repeatable)")
	createCmd.Flags().Bool("outbound-internet", false, "allow unrestricted outbound internet")
	createCmd.Flags().String("snapshot", "", "boot warm from this snapshot id")
	createCmd.Flags().String("image", "", "base image id (ignored if --snapshot is set)")
}
