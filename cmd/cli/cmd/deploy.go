package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stratusgg/stratus/pkg/client"
	"github.com/stratusgg/stratus/pkg/types"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <user-id>",
	Short: "Deploy a GPU streaming instance for a user",
	Long:  `Start a deployment workflow for the user and optionally wait until it finishes.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		amiID, _ := cmd.Flags().GetString("ami")
		instanceType, _ := cmd.Flags().GetString("instance-type")
		wait, _ := cmd.Flags().GetBool("wait")

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Minute)
		defer cancel()

		resp, err := c.Deploy(ctx, types.DeployRequest{
			UserID:       args[0],
			AMIID:        amiID,
			InstanceType: instanceType,
		})
		if err != nil {
			return fmt.Errorf("failed to start deployment: %w", err)
		}
		fmt.Printf("✓ Deployment started: %s\n", resp.Status)

		if !wait {
			fmt.Println("  Poll with: stratus status", args[0])
			return nil
		}

		status, err := c.WaitForDeployment(ctx, args[0], 10*time.Second)
		if err != nil {
			return fmt.Errorf("failed waiting for deployment: %w", err)
		}
		printStatus(status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show the state of a user's deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, err := c.Status(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch status: %w", err)
		}
		printStatus(status)
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <user-id>",
	Short: "Fetch the streaming link for a user's running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		link, err := c.StreamingLink(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch streaming link: %w", err)
		}

		fmt.Printf("URL: %s\n", link.URL)
		if link.AuthToken != "" {
			fmt.Printf("Token: %s\n", link.AuthToken)
		}
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <user-id>",
	Short: "Tear down a user's active instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := c.Terminate(ctx, types.TerminateRequest{UserID: args[0]})
		if err != nil {
			return fmt.Errorf("failed to terminate: %w", err)
		}
		fmt.Printf("✓ %s\n", resp.Message)
		return nil
	},
}

func printStatus(status *types.DeploymentStatus) {
	fmt.Printf("Status: %s\n", status.Status)
	if status.DeploymentStatus != "" {
		fmt.Printf("  Deployment: %s\n", status.DeploymentStatus)
	}
	if status.InstanceID != "" {
		fmt.Printf("  Instance: %s\n", status.InstanceID)
	}
	if status.DCVURL != "" {
		fmt.Printf("  Streaming URL: %s\n", status.DCVURL)
	}
	if status.Error != "" {
		fmt.Printf("  Error: %s\n", status.Error)
	}
	if status.Message != "" {
		fmt.Printf("  %s\n", status.Message)
	}
}

func init() {
	deployCmd.Flags().String("ami", "", "Pin a specific machine image (skips the blessed image cache)")
	deployCmd.Flags().String("instance-type", "", "Override the default instance type")
	deployCmd.Flags().Bool("wait", false, "Block until the deployment finishes")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(terminateCmd)
}
