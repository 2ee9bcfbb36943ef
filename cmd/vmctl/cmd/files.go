package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmforge/manager/pkg/client"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Move files in and out of a VM's workspace",
}

var uploadCmd = &cobra.Command{
	Use:   "upload <vm-id> <local-path> <dest-path>",
	Short: "Upload a local file into a VM's workspace",
	Long: `Upload a local file into a VM's workspace. Use - as local-path to read from stdin.
Example: vmctl files upload abc123 ./app.js /workspace/app.js`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		vmID, localPath, dest := args[0], args[1], args[2]

		var r io.Reader
		if localPath == "-" {
			r = os.Stdin
		} else {
			f, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("failed to open local file: %w", err)
			}
			defer f.Close()
			r = f
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := c.UploadFile(ctx, vmID, dest, r); err != nil {
			return fmt.Errorf("failed to upload file: %w", err)
		}
		fmt.Printf("uploaded %s to %s:%s\n", localPath, vmID, dest)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <vm-id> <path> <local-path>",
	Short: "Download a file out of a VM's workspace",
	Long: `Download a file from a VM's workspace. Use - as local-path to write to stdout.
Example: vmctl files download abc123 /workspace/out.txt ./out.txt`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		vmID, path, localPath := args[0], args[1], args[2]

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		rc, err := c.DownloadFile(ctx, vmID, path)
		if err != nil {
			return fmt.Errorf("failed to download file: %w", err)
		}
		defer rc.Close()

		var w io.Writer
		if localPath == "-" {
			w = os.Stdout
		} else {
			f, err := os.Create(localPath)
			if err != nil {
				return fmt.Errorf("failed to create local file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if _, err := io.Copy(w, rc); err != nil {
			return fmt.Errorf("failed to write local file: %w", err)
		}
		if localPath != "-" {
			fmt.Printf("downloaded %s:%s to %s\n", vmID, path, localPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(uploadCmd, downloadCmd)
}
